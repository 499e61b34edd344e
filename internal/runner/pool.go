// Package runner routes each task to a worker pool — local subprocess
// or grid job — and exposes the result as a dag.TaskRunner, so
// internal/dag's executor never has to know which kind of worker ran a
// given task. Grounded on anadama2's runners.py/grid_worker.py split
// between an in-process worker thread and a grid-submission worker
// thread pulling off the same work queue.
package runner

import (
	"context"
	"fmt"

	"taskloom/internal/core"
	"taskloom/internal/dag"
	"taskloom/internal/grid"
	"taskloom/internal/reporter"
)

// Kind identifies which backend a WorkerPool dispatches to.
type Kind string

const (
	KindLocal Kind = "local"
	KindGrid  Kind = "grid"
)

// WorkerPool is one named pool of workers, matching anadama2's "jobs"
// (local workers) and "grid_jobs" (grid-submission workers) concept:
// each pool has its own concurrency and, for grid pools, its own Driver.
type WorkerPool struct {
	Name   string
	Kind   Kind
	Rate   int // concurrent workers; enforced by a buffered-channel semaphore
	Driver grid.Driver
	Task   grid.TaskOptions
	Tmpdir string
}

// RouteOptions lets specific task names (exact matches) be pinned to a pool
// other than Router.Default, e.g. "always run the alignment step on the
// grid pool even though everything else runs locally."
type RouteOptions struct {
	Pool string
}

// Router decides which WorkerPool handles a task, by exact task name;
// anything unmatched falls back to Default.
type Router struct {
	Default string
	Routes  map[string]RouteOptions
}

// PoolFor resolves the pool name for a task.
func (r Router) PoolFor(taskName string) string {
	if r.Routes != nil {
		if ro, ok := r.Routes[taskName]; ok && ro.Pool != "" {
			return ro.Pool
		}
	}
	return r.Default
}

// PoolRunner implements dag.TaskRunner, multiplexing across WorkerPools
// via Router. Each pool's Rate is enforced with its own semaphore so a
// saturated grid pool never blocks local execution, and vice versa —
// the two can run concurrently under dag.Executor.RunParallel as long
// as its overall concurrency argument covers the sum of both pools'
// rates.
type PoolRunner struct {
	pools    map[string]*boundPool
	router   Router
	local    *dag.CacheAwareRunner
	coreRun  *core.Runner
	report   reporter.Reporter
	selfExe  string
}

type boundPool struct {
	pool *WorkerPool
	sem  chan struct{}
}

// NewPoolRunner builds a PoolRunner. local is the core.Runner used for
// both local execution and for folding grid results into the shared
// cache (via core.Runner.RecordExternalResult). selfExe is this
// process's own executable path, used to stage runner scripts for grid
// submission (see internal/transport.Stage).
func NewPoolRunner(local *core.Runner, router Router, pools []*WorkerPool, report reporter.Reporter, selfExe string) (*PoolRunner, error) {
	if local == nil {
		return nil, fmt.Errorf("runner: nil core runner")
	}
	cacheAware, err := dag.NewCacheAwareRunner(local)
	if err != nil {
		return nil, err
	}
	if report == nil {
		report = reporter.Nop
	}
	pr := &PoolRunner{
		pools:   make(map[string]*boundPool, len(pools)),
		router:  router,
		local:   cacheAware,
		coreRun: local,
		report:  report,
		selfExe: selfExe,
	}
	for _, p := range pools {
		if p.Rate <= 0 {
			p.Rate = 1
		}
		pr.pools[p.Name] = &boundPool{pool: p, sem: make(chan struct{}, p.Rate)}
	}
	return pr, nil
}

// Probe checks whether a task is already cached, regardless of which
// pool would otherwise run it — a grid task that's cached never pays
// for a job slot.
func (p *PoolRunner) Probe(ctx context.Context, task core.Task) (*dag.NodeResult, bool, error) {
	return p.local.Probe(ctx, task)
}

// Restore replays a task's cached outputs regardless of which pool
// would otherwise run it, so dag.Executor's incremental-plan resume
// path works the same whether a reused task was originally local or grid.
func (p *PoolRunner) Restore(ctx context.Context, task core.Task) (*dag.NodeResult, error) {
	return p.local.Restore(ctx, task)
}

// Run executes task on whichever pool Router assigns it to.
func (p *PoolRunner) Run(ctx context.Context, task core.Task) (*dag.NodeResult, error) {
	poolName := p.router.PoolFor(task.Name)
	bp, ok := p.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("runner: no worker pool named %q for task %q", poolName, task.Name)
	}

	select {
	case bp.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-bp.sem }()

	switch bp.pool.Kind {
	case KindLocal:
		return p.local.Run(ctx, task)
	case KindGrid:
		return p.runGrid(ctx, bp.pool, task)
	default:
		return nil, fmt.Errorf("runner: unknown pool kind %q", bp.pool.Kind)
	}
}
