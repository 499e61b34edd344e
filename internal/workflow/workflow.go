// Package workflow is the task-declaration and selection facade built on
// top of internal/graph and internal/dag: addTask-style task
// registration, already_exists-style pre-existing dependency
// declarations, the until_task/exclude_task/target/exclude_target
// selection filters, and the skip-pass that decides which selected tasks
// can be skipped because nothing they depend on has changed.
package workflow

import (
	"fmt"
	"path/filepath"
	"sort"

	"taskloom/internal/core"
	"taskloom/internal/dag"
	"taskloom/internal/graph"
	"taskloom/internal/tracked"
)

// TaskSpec is the declaration of one task: the shape a workflow author
// passes to AddTask, before Tracked interning and dag.Edge derivation.
type TaskSpec struct {
	Name    string
	Depends []tracked.Tracked
	Targets []tracked.Tracked

	// Actions is the ordered list of shell/func steps this task runs
	// (spec.md §3). A task declared through AddTask always needs at
	// least one.
	Actions []core.Action

	Env map[string]string

	// Description is a human-readable summary shown by reporters.
	Description string

	// Hidden marks a task invisible to reporters (core.Task.Visible is
	// the inverse: a normal AddTask call leaves Hidden false, so the
	// resulting task defaults to Visible, matching what a workflow
	// author expects without having to opt in).
	Hidden bool
}

type taskEntry struct {
	depends []tracked.Tracked
	targets []tracked.Tracked
}

// Workflow accumulates task declarations and compiles them into a
// dag.TaskGraph, then answers selection and skip-pass queries over it.
type Workflow struct {
	strict      bool
	interner    *tracked.Interner
	tasks       []core.Task
	entries     map[string]taskEntry
	preexisting map[string]tracked.Tracked

	// producerOf maps a Tracked name to the task that declares it a
	// target, for deriving dag.Edge{From: producer, To: consumer}.
	producerOf map[string]string

	// preexistingSeq numbers the hidden no-op tasks AlreadyExists
	// registers, so repeated calls never collide on task name.
	preexistingSeq int
}

// New creates an empty Workflow. strict mode rejects a dependency that is
// neither produced by another task nor declared pre-existing via
// AlreadyExists; non-strict mode auto-accepts a dependency that already
// Exists() on disk (i.e. a File/Directory/FilePattern/Executable found on
// the filesystem) as implicitly pre-existing.
func New(strict bool) *Workflow {
	return &Workflow{
		strict:      strict,
		interner:    tracked.NewInterner(),
		entries:     make(map[string]taskEntry),
		preexisting: make(map[string]tracked.Tracked),
		producerOf:  make(map[string]string),
	}
}

// AlreadyExists declares deps as pre-existing: not produced by any task,
// present before any task runs. Mirrors anadama2's Workflow.already_exists,
// which inserts a hidden no-op task targeting depends so the rest of the
// engine treats pre-existing inputs the same as any other produced
// Tracked value (spec.md §4.3's "alreadyExists(tracked...) inserts a
// hidden no-op task whose targets are the given Tracked items"). The
// task carries a single Noop action and Visible: false, so §4.3/C9's
// requirement that it never reach a reporter is satisfied by the field
// itself rather than special-cased executor logic.
func (w *Workflow) AlreadyExists(deps ...tracked.Tracked) {
	var fresh []tracked.Tracked
	for _, d := range deps {
		d = w.interner.Intern(d)
		if _, already := w.preexisting[d.Name()]; already {
			continue
		}
		w.preexisting[d.Name()] = d
		fresh = append(fresh, d)
	}
	if len(fresh) == 0 {
		return
	}

	w.preexistingSeq++
	taskName := fmt.Sprintf("already-exists:%d", w.preexistingSeq)
	outputs := make([]string, len(fresh))
	for i, d := range fresh {
		outputs[i] = d.Name()
		w.producerOf[d.Name()] = taskName
	}

	w.tasks = append(w.tasks, core.Task{
		Name:        taskName,
		Actions:     []core.Action{{Kind: core.ActionFunc, Func: core.Noop}},
		Outputs:     outputs,
		Description: "Track pre-existing dependencies",
		Visible:     false,
	})
	w.entries[taskName] = taskEntry{targets: fresh}
}

// AddTask registers a task. Depends/Targets are interned so repeated
// declarations of the same Tracked value resolve to one identity across
// the whole workflow.
func (w *Workflow) AddTask(spec TaskSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("workflow: task has no name")
	}
	if _, dup := w.entries[spec.Name]; dup {
		return fmt.Errorf("workflow: duplicate task name %q", spec.Name)
	}

	depends := make([]tracked.Tracked, len(spec.Depends))
	for i, d := range spec.Depends {
		depends[i] = w.interner.Intern(d)
	}
	targets := make([]tracked.Tracked, len(spec.Targets))
	for i, t := range spec.Targets {
		targets[i] = w.interner.Intern(t)
		if existing, dup := w.producerOf[targets[i].Name()]; dup && existing != spec.Name {
			return fmt.Errorf("workflow: target %q already produced by task %q", targets[i].Name(), existing)
		}
		w.producerOf[targets[i].Name()] = spec.Name
	}

	inputs := make([]string, 0, len(depends))
	for _, d := range depends {
		inputs = append(inputs, d.Name())
	}
	outputs := make([]string, 0, len(targets))
	for _, t := range targets {
		outputs = append(outputs, t.Name())
	}

	w.tasks = append(w.tasks, core.Task{
		Name:        spec.Name,
		Inputs:      inputs,
		Actions:     spec.Actions,
		Env:         spec.Env,
		Outputs:     outputs,
		Description: spec.Description,
		Visible:     !spec.Hidden,
	})
	w.entries[spec.Name] = taskEntry{depends: depends, targets: targets}
	return nil
}

// Compile validates declared tasks, derives task-to-task edges from
// producer/consumer Tracked relationships, and builds the dag.TaskGraph.
// A dependency that is neither pre-existing, produced by another task,
// nor (in non-strict mode) already present on disk is a structural error.
func (w *Workflow) Compile() (*dag.TaskGraph, *graph.TaskContainer, *graph.DependencyIndex, error) {
	var edges []dag.Edge
	seen := make(map[[2]string]bool)

	for _, t := range w.tasks {
		entry := w.entries[t.Name]
		for _, dep := range entry.depends {
			producer, hasProducer := w.producerOf[dep.Name()]
			if hasProducer {
				if producer == t.Name {
					continue
				}
				key := [2]string{producer, t.Name}
				if !seen[key] {
					seen[key] = true
					edges = append(edges, dag.Edge{From: producer, To: t.Name})
				}
				continue
			}
			if _, ok := w.preexisting[dep.Name()]; ok {
				continue
			}
			if !w.strict && dep.Exists() {
				w.preexisting[dep.Name()] = dep
				continue
			}
			if !dep.MustPreexist() {
				// Variables/strings/function results never need a
				// producing task or pre-existence declaration.
				continue
			}
			return nil, nil, nil, fmt.Errorf(
				"workflow: task %q depends on %q, which is not produced by any task and is not declared pre-existing",
				t.Name, dep.Name(),
			)
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	return graph.Build(w.tasks, edges)
}

// Selection is the filter set for choosing which declared tasks to run,
// mirroring Workflow.go's until_task/exclude_task/target/exclude_target
// keyword arguments.
type Selection struct {
	// UntilTask, if non-empty, restricts the run to the named tasks'
	// transitive dependency closures (inclusive).
	UntilTask []string

	// ExcludeTask, if non-empty, drops the named tasks and everything
	// that transitively depends on them.
	ExcludeTask []string

	// Target selects whatever tasks are needed to produce a Tracked
	// value whose Name matches this glob pattern (transitive closure,
	// inclusive of the producing task).
	Target []string

	// ExcludeTarget drops whatever tasks produce a Tracked value whose
	// Name matches this glob pattern, and everything downstream of them.
	ExcludeTarget []string
}

// Select resolves a Selection against a compiled container/index into the
// ordered subset of task names to run, in the container's declaration
// order (the order of container.All(); callers that need a
// dag-topological order should intersect the result with
// dag.TopologicalOrder separately).
func Select(container *graph.TaskContainer, index *graph.DependencyIndex, sel Selection) ([]string, error) {
	all := container.All()
	allNames := make(map[string]bool, len(all))
	for _, t := range all {
		allNames[t.Name] = true
	}

	keep := make(map[string]bool)
	drop := make(map[string]bool)

	for _, selector := range sel.UntilTask {
		matches, err := container.Resolve(selector)
		if err != nil {
			return nil, fmt.Errorf("until_task: %w", err)
		}
		for _, m := range matches {
			for name := range transitiveDependsOn(index, m.Name) {
				keep[name] = true
			}
			keep[m.Name] = true
		}
	}
	for _, selector := range sel.ExcludeTask {
		matches, err := container.Resolve(selector)
		if err != nil {
			return nil, fmt.Errorf("exclude_task: %w", err)
		}
		for _, m := range matches {
			for name := range transitiveDependentsOf(index, m.Name) {
				drop[name] = true
			}
			drop[m.Name] = true
		}
	}
	for _, pattern := range sel.Target {
		producers, err := producersMatching(all, pattern)
		if err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
		for _, name := range producers {
			for n := range transitiveDependsOn(index, name) {
				keep[n] = true
			}
			keep[name] = true
		}
	}
	for _, pattern := range sel.ExcludeTarget {
		producers, err := producersMatching(all, pattern)
		if err != nil {
			return nil, fmt.Errorf("exclude_target: %w", err)
		}
		for _, name := range producers {
			for n := range transitiveDependentsOf(index, name) {
				drop[n] = true
			}
			drop[name] = true
		}
	}

	if len(keep) == 0 {
		keep = allNames
	}

	var result []string
	for _, t := range all {
		if keep[t.Name] && !drop[t.Name] {
			result = append(result, t.Name)
		}
	}
	return result, nil
}

// producersMatching finds tasks that declare an output matching pattern.
// Since the compiled graph/container tracks task *names*, not per-task
// output lists, the pattern is matched against core.Task.Outputs directly.
func producersMatching(tasks []core.Task, pattern string) ([]string, error) {
	var names []string
	for _, t := range tasks {
		for _, out := range t.Outputs {
			ok, err := filepath.Match(pattern, out)
			if err != nil {
				return nil, fmt.Errorf("invalid target pattern %q: %w", pattern, err)
			}
			if ok {
				names = append(names, t.Name)
				break
			}
		}
	}
	return names, nil
}

func transitiveDependsOn(index *graph.DependencyIndex, name string) map[string]bool {
	visited := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, parent := range index.DependsOn(cur) {
			if !visited[parent] {
				visited[parent] = true
				queue = append(queue, parent)
			}
		}
	}
	return visited
}

func transitiveDependentsOf(index *graph.DependencyIndex, name string) map[string]bool {
	visited := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range index.DependentsOf(cur) {
			if !visited[child] {
				visited[child] = true
				queue = append(queue, child)
			}
		}
	}
	return visited
}
