package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"taskloom/internal/core"
	"taskloom/internal/dag"
	"taskloom/internal/grid"
	"taskloom/internal/graph"
	"taskloom/internal/incremental"
	"taskloom/internal/logging"
	"taskloom/internal/recovery/state"
	"taskloom/internal/reporter"
	workerpool "taskloom/internal/runner"
	"taskloom/internal/trace"
	"taskloom/internal/workflow"
	"taskloom/internal/workspace"
)

// GridDispatchConfig wires a grid.Driver into the run, routing every
// task in the graph to it through a single named worker pool (spec.md
// §4.5's "typical config is local-default at rate jobs plus a named
// grid worker at rate grid_jobs" — this CLI surface only exposes the
// latter half, since spec.md §6 has no per-task routing flag; embedders
// wanting mixed local/grid routing construct a runner.Router directly).
// A nil GridDispatchConfig keeps every task local.
type GridDispatchConfig struct {
	Driver    grid.Driver
	GridJobs  int
	Partition string
	TmpDir    string
}

// GraphExecutor is the minimal engine interface the CLI wires into.
//
// This allows the CLI to prove exit-code mapping (including panic) in tests
// without depending on specific executor internals.
type GraphExecutor interface {
	Run(ctx context.Context, graph *dag.TaskGraph, runner dag.TaskRunner) (*dag.GraphResult, error)
}

type defaultGraphExecutor struct{}

// DefaultExecutor returns the GraphExecutor ExecuteWithExecutor/Execute use
// when no caller-supplied executor is given: a plain, non-resuming
// dag.Executor.RunSerial. Exported so callers that need a non-nil
// GraphExecutor for ExecuteWithRunner (e.g. cmd/taskloom's grid dispatch
// path) don't have to reimplement it.
func DefaultExecutor() GraphExecutor { return defaultGraphExecutor{} }

func (defaultGraphExecutor) Run(ctx context.Context, graph *dag.TaskGraph, runner dag.TaskRunner) (*dag.GraphResult, error) {
	exec, err := dag.NewExecutor(graph, runner)
	if err != nil {
		return nil, err
	}
	return exec.RunSerial(ctx)
}

type cliGraphExecutor struct {
	Plan     *incremental.IncrementalPlan
	Observer dag.NodeObserver
	// Jobs is the local concurrency to run with; <= 1 means RunSerial.
	Jobs int
	// QuitEarly mirrors spec.md §6 -e/--quit-early.
	QuitEarly bool
}

func (c cliGraphExecutor) Run(ctx context.Context, graph *dag.TaskGraph, runner dag.TaskRunner) (*dag.GraphResult, error) {
	exec, err := dag.NewExecutor(graph, runner)
	if err != nil {
		return nil, err
	}
	exec.Plan = c.Plan
	exec.Observer = c.Observer
	exec.QuitEarly = c.QuitEarly
	if c.Jobs > 1 {
		return exec.RunParallel(ctx, c.Jobs)
	}
	return exec.RunSerial(ctx)
}

// reportingObserver wraps an inner NodeObserver (typically the
// checkpoint observer) and also fans each successful terminal
// transition out to a Reporter, so console/log/metrics sinks see the
// same lifecycle the checkpoint store records.
type reportingObserver struct {
	inner  dag.NodeObserver
	report reporter.Reporter
}

func (o reportingObserver) OnTaskTerminal(task core.Task, result *dag.NodeResult, traceEvents []trace.TraceEvent) error {
	if o.report != nil && task.Visible {
		kind := reporter.EventTaskCompleted
		if result != nil && result.FromCache {
			kind = reporter.EventTaskSkipped
		}
		o.report.Report(reporter.Event{Kind: kind, TaskName: task.Name, At: time.Now().UTC(), Reason: skipReason(result)})
	}
	if o.inner != nil {
		return o.inner.OnTaskTerminal(task, result, traceEvents)
	}
	return nil
}

func skipReason(result *dag.NodeResult) string {
	if result != nil && result.FromCache {
		return "CacheHit"
	}
	return ""
}

type CLIResult struct {
	ExitCode   int
	GraphResult *dag.GraphResult
}

// Execute is the default entrypoint for running a canonical invocation.
func Execute(ctx context.Context, inv CLIInvocation) (CLIResult, error) {
	return ExecuteWithExecutor(ctx, inv, defaultGraphExecutor{})
}

// ExecuteWithExecutor maps a canonical CLIInvocation to engine execution.
//
// Responsibilities:
//   - Prepare OutputDir using the Overwrite policy (no stale files).
//   - Select cache strategy based on ExecutionMode.
//   - Initialize trace output before execution and finalize after execution,
//     even on panic/failure.
//   - Translate engine outcomes to semantic exit codes.
func ExecuteWithExecutor(ctx context.Context, inv CLIInvocation, executor GraphExecutor) (res CLIResult, execErr error) {
	return ExecuteWithRunner(ctx, inv, executor, nil)
}

// ExecuteWithRunner behaves like ExecuteWithExecutor but, when gridCfg is
// non-nil, routes every task's execution/probe through a
// runner.PoolRunner backed by gridCfg.Driver instead of the default
// local-only cache-aware runner (spec.md §4.5/§4.7). Resume-plan
// hashing/restoration always goes through the local core.Runner
// regardless of gridCfg (§4.6: a grid-executed task's result is folded
// into the local cache on completion, so resume never needs to
// re-contact the grid).
func ExecuteWithRunner(ctx context.Context, inv CLIInvocation, executor GraphExecutor, gridCfg *GridDispatchConfig) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	if executor == nil {
		return res, fmt.Errorf("nil executor")
	}

	// --deploy short-circuits the rest of Execute entirely (spec.md §6:
	// "create any declared input/output directories and exit 0"): no
	// graph is loaded, no cache/trace/recovery state is touched.
	if inv.Deploy {
		if err := deployDirectories(inv); err != nil {
			res.ExitCode = ExitConfigError
			return res, err
		}
		res.ExitCode = ExitSuccess
		return res, nil
	}

	// Initialize recovery store as early as possible so failures can be recorded.
	st, _ := state.NewStore(inv.WorkDir)
	rec := &state.FailureRecorder{Store: st}
	runID, _ := rec.NewRunID()

	// Best-effort: validate/init .taskloom workspace; even if this fails,
	// we still attempt to record a WorkspaceFailure.
	_, wsErr := workspace.EnsureWorkspace(inv.WorkDir)
	if wsErr != nil {
		if runID != "" {
			_ = rec.StartRun(state.Run{RunID: runID, GraphHash: "", StartTime: time.Now().UTC(), Mode: state.ExecutionMode(inv.ExecutionMode), RetryCount: 0, Status: "failed", PreviousRunID: nil})
			_ = rec.RecordFailure(runID, &state.WorkspaceFailureError{Code: "WorkspaceInvalid", Message: wsErr.Error(), Cause: wsErr})
		}
		res.ExitCode = ExitConfigError
		return res, wsErr
	}

	log := logging.NewNop()
	report := reporter.NewMulti(reporter.NewConsole(nil), reporter.NewLogging(log))

	graphObj, graphHash, err := loadGraphAndHashSelected(inv)
	if err != nil {
		if runID != "" {
			_ = rec.StartRun(state.Run{RunID: runID, GraphHash: "", StartTime: time.Now().UTC(), Mode: state.ExecutionMode(inv.ExecutionMode), RetryCount: 0, Status: "failed", PreviousRunID: nil})
			var se *graph.SchemaError
			var ste *graph.StructuralError
			switch {
			case errors.As(err, &se):
				_ = rec.RecordFailure(runID, &state.GraphFailureError{Code: "SchemaViolation", Message: err.Error(), Cause: err})
			case errors.As(err, &ste):
				_ = rec.RecordFailure(runID, &state.GraphFailureError{Code: "StructuralInvalidity", Message: err.Error(), Cause: err})
			default:
				_ = rec.RecordFailure(runID, &state.GraphFailureError{Code: "GraphLoadError", Message: err.Error(), Cause: err})
			}
		}
		res.ExitCode = ExitConfigError
		return res, err
	}

	// -d/--dry-run reports the plan (the selected tasks, in the order
	// they would execute) without touching the output dir, cache, trace,
	// or recovery state — spec.md §6: "build the plan and list actions
	// without executing."
	if inv.DryRun {
		for _, name := range graphObj.TopologicalOrder() {
			if node, ok := graphObj.Node(name); ok && !node.Task.Visible {
				continue
			}
			report.Report(reporter.Event{Kind: reporter.EventTaskSkipped, TaskName: name, Reason: "DryRun", At: time.Now().UTC()})
		}
		res.ExitCode = ExitSuccess
		return res, nil
	}

	traceWriter, err := newTraceWriter(inv, graphHash)
	if err != nil {
		if runID != "" {
			_ = rec.RecordFailure(runID, &state.SystemFailureError{Code: "TraceInit", Message: err.Error(), Cause: err})
		}
		res.ExitCode = ExitConfigError
		return res, err
	}
	defer func() {
		// Always finalize trace output deterministically.
		_ = traceWriter.Finalize(res.GraphResult)
	}()

	if err := prepareOutputDir(inv.OutputDir); err != nil {
		if runID != "" {
			_ = rec.RecordFailure(runID, &state.WorkspaceFailureError{Code: "OutputDir", Message: err.Error(), Cause: err})
		}
		res.ExitCode = ExitConfigError
		return res, err
	}

	cache, err := cacheForMode(inv.ExecutionMode, inv.CacheDir)
	if err != nil {
		if runID != "" {
			_ = rec.RecordFailure(runID, &state.WorkspaceFailureError{Code: "CacheDir", Message: err.Error(), Cause: err})
		}
		res.ExitCode = ExitConfigError
		return res, err
	}

	// -a/--run-them-all disables the skip decision entirely (spec.md §6):
	// every candidate task executes, though its result is still cached so
	// a later run without -a can resume skipping from it.
	if inv.RunThemAll {
		cache = alwaysMissCache{Cache: cache}
	}

	runner := core.NewRunner(inv.WorkDir, cache)
	cacheRunner, err := dag.NewCacheAwareRunner(runner)
	if err != nil {
		res.ExitCode = ExitInternalError
		return res, err
	}

	// Create a checkpoint observer. Checkpoints are only meaningful for incremental/resume-only.
	var obs dag.NodeObserver
	if runID != "" && (inv.ExecutionMode == ExecutionModeIncremental || inv.ExecutionMode == ExecutionModeResumeOnly) {
		validator := &state.CheckpointValidator{Store: st, Cache: cache, Harvester: core.NewHarvester(inv.WorkDir)}
		obs = checkpointObserver{RunID: runID, Validator: validator}
	}

	// Resume planning (incremental/resume-only): best-effort attempt to reuse prior work.
	// Clean mode ignores all checkpoints.
	var executorToUse GraphExecutor = executor
	var previousRunID *string
	retryCount := 0
	var resumePlan *incremental.IncrementalPlan
	if inv.ExecutionMode == ExecutionModeIncremental || inv.ExecutionMode == ExecutionModeResumeOnly {
		prevID, perr := detectPreviousRunID(st, graphHash)
		if perr != nil {
			if inv.ExecutionMode == ExecutionModeResumeOnly {
				if runID != "" {
					_ = rec.StartRun(state.Run{RunID: runID, GraphHash: graphHash, StartTime: time.Now().UTC(), Mode: state.ExecutionMode(inv.ExecutionMode), RetryCount: 0, Status: "failed", PreviousRunID: nil})
					_ = rec.RecordFailure(runID, &state.ExecutionFailureError{NodeID: "", Code: "ResumeIneligible", Message: perr.Error(), Cause: perr})
				}
				res.ExitCode = ExitConfigError
				return res, perr
			}
		} else if prevID != "" {
			prevRun, lerr := st.LoadRun(prevID)
			if lerr == nil && prevRun.GraphHash == graphHash {
				// Resume is only meaningful after a non-successful termination.
				if _, ferr := st.LoadFailure(prevID); ferr == nil {
					checkpoints, cerr := st.LoadAllCheckpoints(prevID)
					if cerr == nil && len(checkpoints) > 0 {
							plan, checkpointNode, snap, invMap, corruption := buildResumePlan(ctx, graphObj, runner, cacheRunner, cache, checkpoints)
							if corruption != nil {
								// Resume-only hard-fails; incremental falls back to scratch execution.
								if inv.ExecutionMode == ExecutionModeResumeOnly {
									if runID != "" {
										_ = rec.StartRun(state.Run{RunID: runID, GraphHash: graphHash, StartTime: time.Now().UTC(), Mode: state.ExecutionMode(inv.ExecutionMode), RetryCount: 0, Status: "failed", PreviousRunID: nil})
										_ = rec.RecordFailure(runID, &state.WorkspaceFailureError{Code: "WorkspaceCorrupt", Message: corruption.Error(), Cause: corruption})
									}
									res.ExitCode = ExitConfigError
									return res, corruption
								}
								// incremental: ignore resume plan
							} else if plan != nil && checkpointNode != "" {
							candidatePrevID := prevID
							candidatePrevPtr := &candidatePrevID
							candidateRetry := prevRun.RetryCount + 1
							newRun := state.Run{RunID: runID, GraphHash: graphHash, StartTime: time.Now().UTC(), Mode: state.ExecutionMode(inv.ExecutionMode), RetryCount: candidateRetry, Status: "running", PreviousRunID: candidatePrevPtr}
							checker := &state.ResumeEligibilityChecker{Store: st, ProjectRoot: inv.WorkDir}
							if err := checker.Check(state.ResumeEligibilityRequest{NewRun: newRun, ResumeFromNodeID: checkpointNode, Graph: snap, Invalidation: invMap}); err == nil {
								resumePlan = plan
								previousRunID = candidatePrevPtr
								retryCount = candidateRetry
								if _, ok := executor.(defaultGraphExecutor); ok {
									executorToUse = cliGraphExecutor{Plan: resumePlan, Observer: obs, Jobs: inv.Jobs, QuitEarly: inv.QuitEarly}
								}
							} else if inv.ExecutionMode == ExecutionModeResumeOnly {
								if runID != "" {
									_ = rec.StartRun(state.Run{RunID: runID, GraphHash: graphHash, StartTime: time.Now().UTC(), Mode: state.ExecutionMode(inv.ExecutionMode), RetryCount: 0, Status: "failed", PreviousRunID: nil})
									_ = rec.RecordFailure(runID, &state.ExecutionFailureError{NodeID: "", Code: "ResumeIneligible", Message: err.Error(), Cause: err})
								}
								res.ExitCode = ExitConfigError
								return res, err
							}
						}
					}
				}
			}
		}
		if inv.ExecutionMode == ExecutionModeResumeOnly && resumePlan == nil {
			err := fmt.Errorf("resume-only mode requires an eligible previous run with checkpoints")
			if runID != "" {
				_ = rec.StartRun(state.Run{RunID: runID, GraphHash: graphHash, StartTime: time.Now().UTC(), Mode: state.ExecutionMode(inv.ExecutionMode), RetryCount: 0, Status: "failed", PreviousRunID: nil})
				_ = rec.RecordFailure(runID, &state.ExecutionFailureError{NodeID: "", Code: "ResumeIneligible", Message: err.Error(), Cause: err})
			}
			res.ExitCode = ExitConfigError
			return res, err
		}
	}

	// Record the run metadata now that we know GraphHash and any run linkage.
	if runID != "" {
		_ = rec.StartRun(state.Run{RunID: runID, GraphHash: graphHash, StartTime: time.Now().UTC(), Mode: state.ExecutionMode(inv.ExecutionMode), RetryCount: retryCount, Status: "running", PreviousRunID: previousRunID})
	}

	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			res.GraphResult = nil
			execErr = fmt.Errorf("panic: %v", r)
			if runID != "" {
				_ = rec.RecordFailure(runID, &state.SystemFailureError{Code: "Panic", Message: fmt.Sprintf("panic: %v", r), Cause: execErr})
			}
		}
	}()

	// If the caller provided the default executor, always run through the CLI-owned executor
	// so we can attach checkpoint observer (even when resume is not possible).
	if _, ok := executor.(defaultGraphExecutor); ok {
		executorToUse = cliGraphExecutor{Plan: resumePlan, Observer: obs, Jobs: inv.Jobs, QuitEarly: inv.QuitEarly}
	}

	var execRunner dag.TaskRunner = cacheRunner
	if gridCfg != nil && gridCfg.Driver != nil {
		selfExe, exeErr := os.Executable()
		if exeErr != nil {
			res.ExitCode = ExitConfigError
			return res, fmt.Errorf("resolving self executable for grid dispatch: %w", exeErr)
		}
		pool := &workerpool.WorkerPool{
			Name:   "grid",
			Kind:   workerpool.KindGrid,
			Rate:   gridCfg.GridJobs,
			Driver: gridCfg.Driver,
			Task:   grid.TaskOptions{Partition: gridCfg.Partition, TmpDir: gridCfg.TmpDir},
			Tmpdir: gridCfg.TmpDir,
		}
		poolRunner, perr := workerpool.NewPoolRunner(runner, workerpool.Router{Default: "grid"}, []*workerpool.WorkerPool{pool}, report, selfExe)
		if perr != nil {
			res.ExitCode = ExitConfigError
			return res, perr
		}
		execRunner = poolRunner
	}
	gr, err := executorToUse.Run(ctx, graphObj, execRunner)
	if err != nil {
		if runID != "" {
			_ = rec.RecordFailure(runID, &state.SystemFailureError{Code: "EngineError", Message: err.Error(), Cause: err})
		}
		res.ExitCode = ExitInternalError
		return res, err
	}
	res.GraphResult = gr
	res.ExitCode = translateGraphResultToExitCode(gr)
	if res.ExitCode == ExitGraphFailure && runID != "" {
		// Deterministically choose a representative failed node.
		failed := firstFailedNode(gr)
		_ = rec.RecordFailure(runID, &state.ExecutionFailureError{NodeID: failed, Code: "NodeFailed", Message: fmt.Sprintf("node %s failed", failed)})
	}
	return res, nil
}

type checkpointObserver struct {
	RunID     string
	Validator *state.CheckpointValidator
}

func (o checkpointObserver) OnTaskTerminal(task core.Task, result *dag.NodeResult, traceEvents []trace.TraceEvent) error {
	if o.RunID == "" {
		return fmt.Errorf("checkpoint observer: run id is empty")
	}
	if o.Validator == nil {
		return fmt.Errorf("checkpoint observer: validator is nil")
	}
	if result == nil {
		return fmt.Errorf("checkpoint observer: nil result")
	}
	if result.ExitCode != 0 {
		return nil
	}
	if task.Name == "" {
		return fmt.Errorf("checkpoint observer: task name is empty")
	}
	_, err := o.Validator.CreateAndSave(state.CheckpointInput{
		RunID:           o.RunID,
		NodeID:          task.Name,
		When:            time.Now().UTC(),
		TaskHash:        result.Hash,
		DeclaredOutputs: task.Outputs,
		ExitCode:        result.ExitCode,
		FromCache:       result.FromCache,
		TraceEvents:     traceEvents,
	})
	return err
}

func detectPreviousRunID(st *state.Store, graphHash string) (string, error) {
	if st == nil {
		return "", fmt.Errorf("nil store")
	}
	if graphHash == "" {
		return "", fmt.Errorf("graph hash is empty")
	}
	ids, err := st.ListRunIDs()
	if err != nil {
		return "", err
	}
	// Resume is only meaningful after a non-successful termination.
	// Prefer the most recent run with matching graph hash that has a persisted failure.
	var bestID string
	var bestTime time.Time
	for _, id := range ids {
		r, err := st.LoadRun(id)
		if err != nil {
			continue
		}
		if r.GraphHash != graphHash {
			continue
		}
		if _, ferr := st.LoadFailure(id); ferr != nil {
			continue
		}
		if bestID == "" || r.StartTime.After(bestTime) || (r.StartTime.Equal(bestTime) && r.RunID < bestID) {
			bestID = r.RunID
			bestTime = r.StartTime
		}
	}
	return bestID, nil
}

func buildResumePlan(ctx context.Context, g *dag.TaskGraph, runner *core.Runner, restoreRunner interface {
	Restore(ctx context.Context, task core.Task) (*dag.NodeResult, error)
}, cache core.Cache, checkpoints map[string]state.Checkpoint) (*incremental.IncrementalPlan, string, *incremental.GraphSnapshot, incremental.InvalidationMap, error) {
	if g == nil {
		return nil, "", nil, nil, fmt.Errorf("nil graph")
	}
	if runner == nil {
		return nil, "", nil, nil, fmt.Errorf("nil runner")
	}
	if cache == nil {
		return nil, "", nil, nil, fmt.Errorf("nil cache")
	}

	order := g.TopologicalOrder()
	upstream := make(map[string][]string, len(order))
	for _, e := range g.Edges() {
		upstream[e.To] = append(upstream[e.To], e.From)
	}
	for k := range upstream {
		sort.Strings(upstream[k])
	}

	invMap := make(incremental.InvalidationMap, len(order))
	snap := &incremental.GraphSnapshot{Nodes: make(map[string]incremental.NodeSnapshot, len(order))}

	computedHash := make(map[string]core.TaskHash, len(order))
	canReuse := make(map[string]bool, len(order))
	restored := make(map[string]bool, len(order))

	plan := &incremental.IncrementalPlan{Order: append([]string(nil), order...), Decisions: make(map[string]incremental.NodeExecutionDecision, len(order))}
	for _, name := range order {
		n, _ := g.Node(name)
		// Populate snapshot for eligibility checks (only Upstream is used today).
		snap.Nodes[name] = incremental.NodeSnapshot{Name: name, Upstream: append([]string(nil), upstream[name]...)}

		// If we plan to reuse upstream tasks, restore their outputs before hashing this task's inputs.
		for _, p := range upstream[name] {
			if plan.Decisions[p] != incremental.DecisionReuseCache {
				continue
			}
			if restored[p] {
				continue
			}
			if restoreRunner == nil {
				return nil, "", nil, nil, fmt.Errorf("restore runner is required to build resume plan after output dir was cleared")
			}
			pn, _ := g.Node(p)
			res, err := restoreRunner.Restore(ctx, pn.Task)
			if err != nil {
				return nil, "", nil, nil, err
			}
			if res == nil || res.ExitCode != 0 {
				return nil, "", nil, nil, fmt.Errorf("restoring %q for resume plan failed", p)
			}
			restored[p] = true
		}

		h, err := computeTaskHash(runner, n.Task)
		if err != nil {
			return nil, "", nil, nil, err
		}
		computedHash[name] = h

		cp, ok := checkpoints[name]
		if !ok || !cp.Valid {
			invMap[name] = incremental.InvalidationEntry{Invalidated: false, Reasons: nil}
			canReuse[name] = false
			plan.Decisions[name] = incremental.DecisionExecute
			continue
		}
		// Checkpoint invalidation marker: task hash mismatch.
		invalidated := false
		if len(cp.CacheKeys) == 0 || cp.CacheKeys[0] == "" {
			invalidated = true
		} else if cp.CacheKeys[0] != h.String() {
			invalidated = true
		}
		invMap[name] = incremental.InvalidationEntry{Invalidated: invalidated, Reasons: nil}
		if invalidated {
			canReuse[name] = false
			plan.Decisions[name] = incremental.DecisionExecute
			continue
		}
		exists, err := cache.Has(h)
		if err != nil {
			return nil, "", nil, nil, err
		}
		if !exists {
			return nil, "", nil, nil, fmt.Errorf("cache entry missing for checkpointed task %q", name)
		}
		canReuse[name] = true

		allUpstreamReuse := true
		for _, p := range upstream[name] {
			if plan.Decisions[p] != incremental.DecisionReuseCache {
				allUpstreamReuse = false
				break
			}
		}
		if allUpstreamReuse {
			plan.Decisions[name] = incremental.DecisionReuseCache
			if !restored[name] {
				if restoreRunner == nil {
					return nil, "", nil, nil, fmt.Errorf("restore runner is required to build resume plan after output dir was cleared")
				}
				res, err := restoreRunner.Restore(ctx, n.Task)
				if err != nil {
					return nil, "", nil, nil, err
				}
				if res == nil || res.ExitCode != 0 {
					return nil, "", nil, nil, fmt.Errorf("restoring %q for resume plan failed", name)
				}
				restored[name] = true
			}
		} else {
			plan.Decisions[name] = incremental.DecisionExecute
		}
	}

	checkpointNode := ""
	for _, name := range order {
		if plan.Decisions[name] == incremental.DecisionReuseCache {
			checkpointNode = name
			continue
		}
		break
	}
	if checkpointNode == "" {
		return nil, "", snap, invMap, nil
	}
	return plan, checkpointNode, snap, invMap, nil
}

func computeTaskHash(r *core.Runner, task core.Task) (core.TaskHash, error) {
	if r == nil {
		return "", fmt.Errorf("nil runner")
	}
	inputSet, err := r.Resolver.Resolve(task.Inputs)
	if err != nil {
		return "", fmt.Errorf("resolving inputs: %w", err)
	}
	hashInput := core.HashInput{Inputs: inputSet, Command: core.ActionsSignature(task.Actions), Env: task.Env, Outputs: task.Outputs, WorkingDir: r.WorkingDir}
	return r.Hasher.ComputeHash(hashInput), nil
}

func firstFailedNode(gr *dag.GraphResult) string {
	if gr == nil || len(gr.FinalState) == 0 {
		return ""
	}
	names := make([]string, 0, len(gr.FinalState))
	for n := range gr.FinalState {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if gr.FinalState[n] == dag.TaskFailed {
			return n
		}
	}
	return ""
}

func translateGraphResultToExitCode(gr *dag.GraphResult) int {
	if gr == nil {
		return ExitInternalError
	}
	for _, st := range gr.FinalState {
		if st == dag.TaskFailed {
			return ExitGraphFailure
		}
	}
	return ExitSuccess
}

func cacheForMode(mode ExecutionMode, cacheDir string) (core.Cache, error) {
	switch mode {
	case ExecutionModeIncremental:
		if cacheDir == "" {
			return nil, fmt.Errorf("cache dir is empty")
		}
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		return core.NewFileCache(cacheDir), nil
	case ExecutionModeResumeOnly:
		if cacheDir == "" {
			return nil, fmt.Errorf("cache dir is empty")
		}
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		return core.NewFileCache(cacheDir), nil
	case ExecutionModeClean:
		return noCache{}, nil
	default:
		return nil, fmt.Errorf("unknown execution mode: %q", mode)
	}
}

type noCache struct{}

func (noCache) Has(core.TaskHash) (bool, error) { return false, nil }
func (noCache) Get(core.TaskHash) (*core.CacheEntry, error) { return nil, nil }
func (noCache) Put(*core.CacheEntry) error { return nil }

// alwaysMissCache wraps a real cache so Has always reports a miss (every
// candidate task runs) while Get/Put still delegate to the underlying
// cache, so -a/--run-them-all still leaves a populated cache behind for
// a subsequent run without -a to skip from.
type alwaysMissCache struct {
	core.Cache
}

func (alwaysMissCache) Has(core.TaskHash) (bool, error) { return false, nil }

// deployDirectories creates inv.InputDir and inv.OutputDir (spec.md §6's
// "create any declared input/output directories" -i/-o hints) and
// returns without running anything.
func deployDirectories(inv CLIInvocation) error {
	for _, dir := range []string{inv.InputDir, inv.OutputDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("deploy: create dir %q: %w", dir, err)
		}
	}
	return nil
}

func prepareOutputDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("output dir is empty")
	}
	clean := filepath.Clean(dir)
	if clean == "/" {
		return fmt.Errorf("refusing to operate on output dir '/' ")
	}
	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(clean, 0o755)
		}
		return fmt.Errorf("stat output dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output dir is not a directory: %s", clean)
	}
	entries, err := os.ReadDir(clean)
	if err != nil {
		return fmt.Errorf("read output dir: %w", err)
	}
	for _, e := range entries {
		p := filepath.Join(clean, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("clear output dir: %w", err)
		}
	}
	return nil
}

// loadGraphAndHashSelected loads inv.GraphPath and narrows it to the
// subset workflow.Select resolves from inv's until_task/exclude_task/
// target/exclude_target filters (spec.md §4.3), then hashes the
// resulting (already-filtered) graph the same way loadGraphAndHash does.
// A CLIInvocation with no selection filters set behaves exactly like
// loadGraphAndHash, since LoadGraphFromFileWithSelection's zero-value
// Selection keeps every task.
func loadGraphAndHashSelected(inv CLIInvocation) (*dag.TaskGraph, string, error) {
	sel := workflow.Selection{
		UntilTask:     inv.UntilTask,
		ExcludeTask:   inv.ExcludeTask,
		Target:        inv.Target,
		ExcludeTarget: inv.ExcludeTarget,
	}
	g, err := LoadGraphFromFileWithSelection(inv.GraphPath, sel)
	if err != nil {
		return nil, "", err
	}
	return g, g.Hash().String(), nil
}

type traceFileWriter struct {
	enabled bool
	path    string
	graphHash string
}

func newTraceWriter(inv CLIInvocation, graphHash string) (*traceFileWriter, error) {
	if !inv.Trace.Enabled {
		return &traceFileWriter{enabled: false}, nil
	}
	if inv.Trace.Path == "" {
		return nil, fmt.Errorf("trace enabled but path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(inv.Trace.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	// Create an empty trace file eagerly so the destination is reserved and
	// so that even a panic results in a deterministic artifact.
	w := &traceFileWriter{enabled: true, path: inv.Trace.Path, graphHash: graphHash}
	return w, w.writeBytes(trace.ExecutionTrace{GraphHash: graphHash, Events: nil})
}

func (w *traceFileWriter) Finalize(gr *dag.GraphResult) error {
	if w == nil || !w.enabled {
		return nil
	}
	if gr != nil && len(gr.TraceBytes) > 0 {
		return writeFileAtomic(w.path, gr.TraceBytes, 0o644)
	}
	// If we don't have trace bytes (e.g., internal error or panic), still emit a valid
	// empty trace for this graph.
	return w.writeBytes(trace.ExecutionTrace{GraphHash: w.graphHash, Events: nil})
}

func (w *traceFileWriter) writeBytes(t trace.ExecutionTrace) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return err
	}
	return writeFileAtomic(w.path, b, 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
