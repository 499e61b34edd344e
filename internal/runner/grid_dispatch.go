package runner

import (
	"context"
	"fmt"
	"os"

	"taskloom/internal/core"
	"taskloom/internal/dag"
	"taskloom/internal/grid"
	"taskloom/internal/reporter"
	"taskloom/internal/transport"
)

// runGrid stages task as a pickled-task envelope, submits it through
// pool's Driver, and on success folds the grid job's output back into
// the shared cache via core.Runner.RecordExternalResult — so a
// subsequent local run treats the grid-executed task exactly like one
// it ran itself.
func (p *PoolRunner) runGrid(ctx context.Context, pool *WorkerPool, task core.Task) (*dag.NodeResult, error) {
	hash, err := p.coreRun.HashTask(&task)
	if err != nil {
		return nil, fmt.Errorf("runner: hash task %q: %w", task.Name, err)
	}

	env := transport.NewEnvelope(0, task, task.Actions)

	tmpdir := pool.Tmpdir
	if tmpdir == "" {
		tmpdir = os.TempDir()
	}
	paths, err := transport.Stage(tmpdir, task.Name, env, p.selfExe)
	if err != nil {
		return nil, fmt.Errorf("runner: stage grid task %q: %w", task.Name, err)
	}

	outcome, err := grid.Run(ctx, grid.RunOptions{
		Driver:     pool.Driver,
		ScriptPath: paths.ScriptPath,
		Resource:   grid.ResourceRequest{TimeMinutes: grid.NewFormulaOrLiteral("60"), MemMB: grid.NewFormulaOrLiteral("2048"), Cores: 1},
		Depends:    len(task.Inputs),
		Task:       pool.Task,
		Report:     p.report,
		TaskName:   task.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: grid run %q: %w", task.Name, err)
	}

	if outcome.State != grid.StateSuccess {
		p.report.Report(reporter.Event{Kind: reporter.EventTaskFailed, TaskName: task.Name, Worker: pool.Name, Err: string(outcome.State)})
		return nil, fmt.Errorf("runner: grid task %q ended in state %s", task.Name, outcome.State)
	}

	result, err := transport.ReadResult(paths)
	if err != nil {
		return nil, fmt.Errorf("runner: read grid result for %q: %w", task.Name, err)
	}

	runResult, err := p.coreRun.RecordExternalResult(&task, hash, result.Stdout, result.Stderr, result.ExitCode)
	if err != nil {
		return nil, fmt.Errorf("runner: record grid result for %q: %w", task.Name, err)
	}

	return &dag.NodeResult{
		Hash:              runResult.Hash,
		Stdout:            runResult.Stdout,
		Stderr:            runResult.Stderr,
		ExitCode:          runResult.ExitCode,
		FromCache:         false,
		ArtifactsRestored: 0,
	}, nil
}
