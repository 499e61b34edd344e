// Package graph sits ahead of internal/dag in the loading pipeline: it
// validates a graph definition's shape (schema) and its declarative
// structure (task container + dependency index) before a *dag.TaskGraph is
// ever built. This separation lets callers distinguish "the input was
// malformed" from "the input was well-formed but structurally invalid"
// (spec §4.2, §7).
package graph

import "fmt"

// SchemaError indicates the graph source failed to parse into the expected
// shape (bad JSON, missing required field, wrong type).
//
// Not resumable: the caller must fix the input before retrying.
type SchemaError struct {
	Path string
	Err  error
}

func (e *SchemaError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path != "" {
		return fmt.Sprintf("schema error in %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("schema error: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// StructuralError indicates the graph parsed but violates a structural
// invariant: duplicate task names, edges referencing unknown tasks, cycles,
// or an empty task list.
//
// Not resumable: the caller must fix the graph definition before retrying.
type StructuralError struct {
	Path string
	Err  error
}

func (e *StructuralError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path != "" {
		return fmt.Sprintf("structural error in %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("structural error: %v", e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }
