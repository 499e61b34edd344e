package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"taskloom/internal/core"
	"taskloom/internal/dag"
	"taskloom/internal/graph"
	"taskloom/internal/workflow"
)

type graphFile struct {
	Tasks []core.Task `json:"tasks"`
	Edges []dag.Edge  `json:"edges"`
}

// LoadGraphFromFile reads and parses the graph definition at path.
//
// Current supported format: JSON.
//
// The loader is deterministic:
//   - Disallows unknown fields (to avoid silent divergence).
//   - Does not consult environment variables.
//
// Parse failures surface as *graph.SchemaError; structural defects (dangling
// edges, duplicate names, cycles) surface as *graph.StructuralError.
func LoadGraphFromFile(path string) (*dag.TaskGraph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &graph.SchemaError{Path: path, Err: fmt.Errorf("read graph: %w", err)}
	}
	var gf graphFile
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&gf); err != nil {
		return nil, &graph.SchemaError{Path: path, Err: fmt.Errorf("parse graph json: %w", err)}
	}
	// Ensure there is no trailing garbage (including a second JSON value).
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, &graph.SchemaError{Path: path, Err: fmt.Errorf("parse graph json: trailing data")}
		}
		return nil, &graph.SchemaError{Path: path, Err: fmt.Errorf("parse graph json: %w", err)}
	}
	if len(gf.Tasks) == 0 {
		return nil, &graph.SchemaError{Path: path, Err: fmt.Errorf("parse graph json: no tasks")}
	}
	g, _, _, err := graph.Build(gf.Tasks, gf.Edges)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// LoadGraphFromFileWithSelection loads the graph the same way
// LoadGraphFromFile does, then narrows it to the subset workflow.Select
// resolves from sel. A zero-value Selection selects every task, so
// callers can pass the CLI's selection flags unconditionally.
func LoadGraphFromFileWithSelection(path string, sel workflow.Selection) (*dag.TaskGraph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &graph.SchemaError{Path: path, Err: fmt.Errorf("read graph: %w", err)}
	}
	var gf graphFile
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&gf); err != nil {
		return nil, &graph.SchemaError{Path: path, Err: fmt.Errorf("parse graph json: %w", err)}
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, &graph.SchemaError{Path: path, Err: fmt.Errorf("parse graph json: trailing data")}
		}
		return nil, &graph.SchemaError{Path: path, Err: fmt.Errorf("parse graph json: %w", err)}
	}
	if len(gf.Tasks) == 0 {
		return nil, &graph.SchemaError{Path: path, Err: fmt.Errorf("parse graph json: no tasks")}
	}

	if len(sel.UntilTask) == 0 && len(sel.ExcludeTask) == 0 && len(sel.Target) == 0 && len(sel.ExcludeTarget) == 0 {
		g, _, _, err := graph.Build(gf.Tasks, gf.Edges)
		if err != nil {
			return nil, err
		}
		return g, nil
	}

	_, container, index, err := graph.Build(gf.Tasks, gf.Edges)
	if err != nil {
		return nil, err
	}
	selected, err := workflow.Select(container, index, sel)
	if err != nil {
		return nil, fmt.Errorf("resolving selection: %w", err)
	}
	keep := make(map[string]bool, len(selected))
	for _, name := range selected {
		keep[name] = true
	}

	filteredTasks := make([]core.Task, 0, len(selected))
	for _, t := range gf.Tasks {
		if keep[t.Name] {
			filteredTasks = append(filteredTasks, t)
		}
	}
	filteredEdges := make([]dag.Edge, 0, len(gf.Edges))
	for _, e := range gf.Edges {
		if keep[e.From] && keep[e.To] {
			filteredEdges = append(filteredEdges, e)
		}
	}

	g, _, _, err := graph.Build(filteredTasks, filteredEdges)
	if err != nil {
		return nil, err
	}
	return g, nil
}
