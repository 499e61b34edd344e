package graph

import (
	"taskloom/internal/core"
	"taskloom/internal/dag"
)

// Build validates tasks/edges structurally (via TaskContainer and
// DependencyIndex) and then constructs the deterministic *dag.TaskGraph.
//
// Callers that already have schema-valid tasks/edges (e.g. parsed JSON)
// should call Build rather than dag.NewTaskGraph directly, so that
// structural defects surface as *StructuralError instead of dag's untyped
// errors.
func Build(tasks []core.Task, edges []dag.Edge) (*dag.TaskGraph, *TaskContainer, *DependencyIndex, error) {
	container, err := NewTaskContainer(tasks)
	if err != nil {
		return nil, nil, nil, asStructuralError(err)
	}
	index, err := NewDependencyIndex(container, edges)
	if err != nil {
		return nil, nil, nil, asStructuralError(err)
	}
	g, err := dag.NewTaskGraph(tasks, edges)
	if err != nil {
		return nil, nil, nil, &StructuralError{Err: err}
	}
	return g, container, index, nil
}

func asStructuralError(err error) error {
	if se, ok := err.(*StructuralError); ok {
		return se
	}
	return &StructuralError{Err: err}
}
