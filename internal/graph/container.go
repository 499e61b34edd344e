package graph

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"taskloom/internal/core"
)

// TaskContainer holds the declared tasks of a workflow in insertion order
// and provides the three lookup modes a workflow author needs when
// selecting tasks: by name, by declaration index ("task_no"), and by glob
// pattern over names.
//
// This models spec §4.2's TaskContainer: an ordered list plus name/glob/
// numeric addressing, independent of the dependency graph those tasks form.
type TaskContainer struct {
	tasks   []core.Task
	byName  map[string]int // name -> index into tasks
}

// NewTaskContainer builds a container from a task slice, in declaration
// order. Declaration order is preserved as the container's canonical order
// (distinct from dag.TaskGraph's canonical-hash ordering, which is for
// deterministic graph identity, not for user-facing addressing).
func NewTaskContainer(tasks []core.Task) (*TaskContainer, error) {
	c := &TaskContainer{
		tasks:  make([]core.Task, len(tasks)),
		byName: make(map[string]int, len(tasks)),
	}
	copy(c.tasks, tasks)
	for i, t := range c.tasks {
		if t.Name == "" {
			return nil, &StructuralError{Err: fmt.Errorf("task at index %d has no name", i)}
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, &StructuralError{Err: fmt.Errorf("duplicate task name %q", t.Name)}
		}
		c.byName[t.Name] = i
	}
	return c, nil
}

// Len returns the number of tasks.
func (c *TaskContainer) Len() int { return len(c.tasks) }

// All returns tasks in declaration order. The returned slice must not be
// mutated by the caller.
func (c *TaskContainer) All() []core.Task { return c.tasks }

// ByName looks up a task by its exact declared name.
func (c *TaskContainer) ByName(name string) (core.Task, bool) {
	idx, ok := c.byName[name]
	if !ok {
		return core.Task{}, false
	}
	return c.tasks[idx], true
}

// ByTaskNo looks up a task by its zero-based declaration index, the
// anadama2-style "task_no" addressing mode (numeric --target references).
func (c *TaskContainer) ByTaskNo(taskNo int) (core.Task, bool) {
	if taskNo < 0 || taskNo >= len(c.tasks) {
		return core.Task{}, false
	}
	return c.tasks[taskNo], true
}

// ByGlob returns all tasks whose name matches the given shell glob pattern,
// in declaration order. An invalid pattern is returned as an error rather
// than silently matching nothing.
func (c *TaskContainer) ByGlob(pattern string) ([]core.Task, error) {
	var matches []core.Task
	for _, t := range c.tasks {
		ok, err := filepath.Match(pattern, t.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}
		if ok {
			matches = append(matches, t)
		}
	}
	return matches, nil
}

// Resolve addresses a task by any of the three supported selector forms:
// an exact name, a decimal task_no, or (if neither matches) a glob pattern.
// When the selector resolves to nothing, the returned error includes a
// near-match suggestion (see nearestName) to make typos diagnosable.
func (c *TaskContainer) Resolve(selector string) ([]core.Task, error) {
	if t, ok := c.ByName(selector); ok {
		return []core.Task{t}, nil
	}
	if n, err := strconv.Atoi(selector); err == nil {
		if t, ok := c.ByTaskNo(n); ok {
			return []core.Task{t}, nil
		}
	}
	matches, err := c.ByGlob(selector)
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		return matches, nil
	}

	names := make([]string, 0, len(c.tasks))
	for _, t := range c.tasks {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	if near := nearestName(selector, names); near != "" {
		return nil, fmt.Errorf("no task matches %q (did you mean %q?)", selector, near)
	}
	return nil, fmt.Errorf("no task matches %q", selector)
}
