package workflow

import (
	"fmt"

	"taskloom/internal/fingerprint"
	"taskloom/internal/graph"
	"taskloom/internal/tracked"
)

// SkipPass decides, among candidates (already selection-filtered), which
// can be skipped because nothing they depend on or produce has changed
// since the last recorded run. It mirrors Workflow._filter_skipped_tasks:
//
//  1. A task with neither depends nor targets always reruns (nothing to
//     compare against).
//  2. Every Tracked value touched by any candidate (depends+targets) is
//     compared against its last-saved Fingerprint; any task touching a
//     changed value must rerun.
//  3. A task that depends (directly or transitively, within candidates)
//     on a task that must rerun must also rerun, even if its own Tracked
//     values are unchanged — its producer hasn't run yet this time, so
//     its inputs aren't trustworthy until the producer does.
//
// If skipNothing is true, every candidate is returned as toRun and the
// fingerprint store is never consulted, matching go(skip_nothing=True).
func (w *Workflow) SkipPass(index *graph.DependencyIndex, store fingerprint.Store, candidates []string, skipNothing bool) (toRun []string, skipped []string, err error) {
	if skipNothing {
		return append([]string(nil), candidates...), nil, nil
	}

	shouldRun := make(map[string]bool, len(candidates))
	depTasks := make(map[string][]string)
	depObj := make(map[string]tracked.Tracked)

	for _, name := range candidates {
		entry, ok := w.entries[name]
		if !ok {
			return nil, nil, fmt.Errorf("workflow: unknown task %q in skip pass", name)
		}
		if len(entry.depends) == 0 && len(entry.targets) == 0 {
			shouldRun[name] = true
			continue
		}
		for _, dep := range entry.depends {
			depTasks[dep.Name()] = append(depTasks[dep.Name()], name)
			depObj[dep.Name()] = dep
		}
		for _, tgt := range entry.targets {
			depTasks[tgt.Name()] = append(depTasks[tgt.Name()], name)
			depObj[tgt.Name()] = tgt
		}
	}

	for depName, names := range depTasks {
		changed, cerr := w.compareChanged(store, depObj[depName])
		if cerr != nil {
			// Unable to compare (e.g. a file vanished): treat as changed,
			// not as an error that aborts the whole run.
			changed = true
		}
		if changed {
			for _, n := range names {
				shouldRun[n] = true
			}
		}
	}

	// Fixed-point forward propagation: a task that depends on a task that
	// must rerun must also rerun.
	for {
		progressed := false
		for _, name := range candidates {
			if shouldRun[name] {
				continue
			}
			for _, parent := range index.DependsOn(name) {
				if shouldRun[parent] {
					shouldRun[name] = true
					progressed = true
					break
				}
			}
		}
		if !progressed {
			break
		}
	}

	for _, name := range candidates {
		if shouldRun[name] {
			toRun = append(toRun, name)
		} else {
			skipped = append(skipped, name)
		}
	}
	return toRun, skipped, nil
}

func (w *Workflow) compareChanged(store fingerprint.Store, dep tracked.Tracked) (bool, error) {
	current, err := dep.Compare()
	if err != nil {
		return true, err
	}
	return fingerprint.Changed(store, dep.Name(), current)
}

// RecordCompletion saves the current Fingerprint of every Tracked
// dependency and target of the named task, the way
// Workflow._handle_task_result persists backend.save(dep_keys,
// dep_compares) after a task completes successfully. Call this only for
// tasks that actually ran to completion (skipped tasks already have
// up-to-date fingerprints by definition).
func (w *Workflow) RecordCompletion(store fingerprint.Store, taskName string) error {
	entry, ok := w.entries[taskName]
	if !ok {
		return fmt.Errorf("workflow: unknown task %q", taskName)
	}
	all := append(append([]tracked.Tracked{}, entry.depends...), entry.targets...)
	for _, dep := range all {
		fp, err := dep.Compare()
		if err != nil {
			return fmt.Errorf("recording fingerprint for %q: %w", dep.Name(), err)
		}
		if err := store.Save(dep.Name(), fp); err != nil {
			return fmt.Errorf("saving fingerprint for %q: %w", dep.Name(), err)
		}
	}
	return nil
}

// RecordPreexisting saves the current Fingerprint of every dependency
// declared via AlreadyExists (or auto-detected in non-strict mode) that
// has no fingerprint on record yet. This guarantees a pre-existing
// dependency is tracked even though it is never any task's declared
// target (Testable Property 4).
func (w *Workflow) RecordPreexisting(store fingerprint.Store) error {
	for name, dep := range w.preexisting {
		existing, err := store.Lookup(name)
		if err != nil {
			return fmt.Errorf("looking up fingerprint for %q: %w", name, err)
		}
		if existing != nil {
			continue
		}
		fp, err := dep.Compare()
		if err != nil {
			return fmt.Errorf("recording pre-existing fingerprint for %q: %w", name, err)
		}
		if err := store.Save(name, fp); err != nil {
			return fmt.Errorf("saving pre-existing fingerprint for %q: %w", name, err)
		}
	}
	return nil
}
