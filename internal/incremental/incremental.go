// Package incremental models the skip-pass decision overlay consulted by
// internal/dag's executor when it is asked to resume or replan a graph
// instead of deciding cache-reuse node by node as it goes.
//
// A plan is computed once, ahead of execution, from fingerprint comparisons
// and prior checkpoints (internal/recovery/state); the executor then treats
// it as authoritative and never re-derives it mid-run. This keeps the
// skip-pass algorithm (spec §4.4) independent of the serial/parallel
// dispatch strategy used to carry it out.
package incremental

import "fmt"

// NodeExecutionDecision is the skip-pass outcome for a single node.
type NodeExecutionDecision int

const (
	// DecisionExecute means the node must run fresh: either no valid
	// fingerprint/checkpoint exists, or an upstream dependency is being
	// re-executed and so downstream reuse cannot be trusted.
	DecisionExecute NodeExecutionDecision = iota

	// DecisionReuseCache means the node's prior outputs may be restored
	// without invoking its action.
	DecisionReuseCache
)

func (d NodeExecutionDecision) String() string {
	switch d {
	case DecisionExecute:
		return "Execute"
	case DecisionReuseCache:
		return "ReuseCache"
	default:
		return fmt.Sprintf("NodeExecutionDecision(%d)", int(d))
	}
}

// IncrementalPlan is the precomputed overlay the executor consults instead
// of probing the cache on the fly.
//
// Order is the topological order the plan was computed against; Decisions
// maps task name to the chosen NodeExecutionDecision. A node absent from
// Decisions is treated the same as DecisionExecute by callers that check
// map membership, but a complete plan always has one entry per node in
// Order.
type IncrementalPlan struct {
	Order     []string
	Decisions map[string]NodeExecutionDecision
}

// Validate checks that every node in Order has exactly one decision and
// that Decisions carries no entries for unknown nodes.
func (p *IncrementalPlan) Validate() error {
	if p == nil {
		return fmt.Errorf("nil incremental plan")
	}
	known := make(map[string]bool, len(p.Order))
	for _, n := range p.Order {
		if n == "" {
			return fmt.Errorf("incremental plan: empty node name in order")
		}
		if known[n] {
			return fmt.Errorf("incremental plan: duplicate node %q in order", n)
		}
		known[n] = true
		if _, ok := p.Decisions[n]; !ok {
			return fmt.Errorf("incremental plan: missing decision for node %q", n)
		}
	}
	for n := range p.Decisions {
		if !known[n] {
			return fmt.Errorf("incremental plan: decision for unknown node %q", n)
		}
	}
	return nil
}

// NodeSnapshot is the subset of a TaskGraph node's structure needed to
// evaluate resume eligibility: its name and its direct upstream dependencies.
type NodeSnapshot struct {
	Name     string
	Upstream []string
}

// GraphSnapshot is a point-in-time, hash-independent view of a graph's
// dependency structure, used to walk upstream from a candidate resume node
// without holding a live *dag.TaskGraph (avoids a recovery/state -> dag
// import cycle).
type GraphSnapshot struct {
	Nodes map[string]NodeSnapshot
}

// InvalidationEntry records whether a node's prior fingerprint/checkpoint
// was found to be stale, and why.
type InvalidationEntry struct {
	Invalidated bool
	Reasons     []string
}

// InvalidationMap is keyed by node name. A complete map has one entry per
// node reachable from the resume point.
type InvalidationMap map[string]InvalidationEntry
