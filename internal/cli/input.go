package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

const (
	ExitSuccess           = 0
	ExitGraphFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

type ExecutionMode string

const (
	ExecutionModeClean       ExecutionMode = "clean"
	ExecutionModeIncremental ExecutionMode = "incremental"
	ExecutionModeResumeOnly  ExecutionMode = "resume-only"
)

type TraceConfig struct {
	Enabled bool
	Path    string
}

// CLIInvocation is the fully canonicalized, deterministic description of a run.
//
// All paths are normalized (Clean) and all relative paths are resolved relative
// to WorkDir.
//
// NOTE: WorkDir is required and must be absolute; this prevents any dependency
// on the process current working directory.
type CLIInvocation struct {
	GraphPath      string
	WorkDir        string
	CacheDir       string
	OutputDir      string
	ExecutionMode  ExecutionMode
	Trace          TraceConfig
	OriginalGraph  string
	OriginalCache  string
	OriginalOutput string
	OriginalTrace  string

	// InputDir is the -i/--input directory hint (spec.md §6); unlike
	// Graph/Cache/Output it is optional, since not every invocation
	// declares tracked inputs rooted under one directory.
	InputDir         string
	OriginalInputDir string

	// Jobs is the local worker pool's concurrency (spec.md §6 -j).
	Jobs int
	// GridJobs is the grid worker pool's concurrency (spec.md §6 -J).
	GridJobs int
	// DryRun reports the plan (what would run) without executing anything.
	DryRun bool
	// RunThemAll disables incremental skipping, re-running every task.
	RunThemAll bool
	// QuitEarly stops scheduling new tasks as soon as one fails, instead
	// of continuing unaffected branches.
	QuitEarly bool

	// Selection filters, mirroring internal/workflow.Selection.
	UntilTask     []string
	ExcludeTask   []string
	Target        []string
	ExcludeTarget []string

	// Deploy marks a "deploy" style run per spec.md §6 --deploy.
	Deploy bool

	// GridPartition/GridTmpDir are grid dispatch overrides (spec.md §6).
	GridPartition string
	GridTmpDir    string
}

// stringSliceFlag collects a repeatable -flag value=x value=y flag into
// an ordered slice, the flag.Value idiom for multi-valued flags.
type stringSliceFlag struct {
	values []string
}

func (s *stringSliceFlag) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(s.values, ",")
}

func (s *stringSliceFlag) Set(v string) error {
	s.values = append(s.values, v)
	return nil
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses CLI flags into a canonical CLIInvocation.
//
// Determinism goals:
//   - Does not read env vars.
//   - Does not read/assume the process CWD.
//   - Requires WorkDir to be explicit and absolute.
func ParseInvocation(args []string) (CLIInvocation, error) {
	fs := flag.NewFlagSet("taskloom", flag.ContinueOnError)
	fs.SetOutput(io.Discard) // parsing errors are returned, not printed

	var workDir string
	var graphPath string
	var cacheDir string
	var outputDir string
	var inputDir string
	var tracePath string
	var mode string
	var jobs int
	var gridJobs int
	var dryRun bool
	var runThemAll bool
	var quitEarly bool
	var deploy bool
	var gridPartition string
	var gridTmpDir string
	var untilTask, excludeTask, target, excludeTarget stringSliceFlag

	fs.StringVar(&workDir, "workdir", "", "Absolute working directory. Required.")
	fs.StringVar(&graphPath, "graph", "", "Graph source path. Required.")
	fs.StringVar(&cacheDir, "cache-dir", "", "Cache directory. Required.")
	fs.StringVar(&outputDir, "output-dir", "", "Output directory. Required.")
	fs.StringVar(&inputDir, "i", "", "Input directory hint (optional).")
	fs.StringVar(&tracePath, "trace", "", "Trace output path (optional).")
	fs.StringVar(&mode, "mode", string(ExecutionModeIncremental), "Execution mode: clean|incremental|resume-only")
	fs.IntVar(&jobs, "j", 1, "Number of local worker jobs.")
	fs.IntVar(&gridJobs, "J", 1, "Number of grid worker jobs.")
	fs.BoolVar(&dryRun, "d", false, "Dry run: report the plan without executing.")
	fs.BoolVar(&runThemAll, "a", false, "Run every task, ignoring incremental skipping.")
	fs.BoolVar(&quitEarly, "e", false, "Quit scheduling as soon as one task fails.")
	fs.BoolVar(&deploy, "deploy", false, "Run in deploy mode.")
	fs.StringVar(&gridPartition, "partition", "", "Default grid partition override.")
	fs.StringVar(&gridTmpDir, "grid-tmpdir", "", "Grid scratch directory override.")
	fs.Var(&untilTask, "u", "Run until this task (repeatable).")
	fs.Var(&excludeTask, "U", "Exclude this task and its dependents (repeatable).")
	fs.Var(&target, "t", "Run only what this target needs (repeatable).")
	fs.Var(&excludeTarget, "T", "Exclude this target and its dependents (repeatable).")

	// We intentionally do not accept environment-derived defaults.
	if err := fs.Parse(args); err != nil {
		// flag package returns errors like: "flag provided but not defined: -x"
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return CLIInvocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	workDir = filepath.Clean(workDir)
	if workDir == "" {
		return CLIInvocation{}, invalidInvocationf("--workdir is required")
	}
	if !filepath.IsAbs(workDir) {
		return CLIInvocation{}, invalidInvocationf("--workdir must be an absolute path (got %q)", workDir)
	}

	if graphPath == "" {
		return CLIInvocation{}, invalidInvocationf("--graph is required")
	}
	if cacheDir == "" {
		return CLIInvocation{}, invalidInvocationf("--cache-dir is required")
	}
	if outputDir == "" {
		return CLIInvocation{}, invalidInvocationf("--output-dir is required")
	}

	parsedMode, err := parseExecutionMode(mode)
	if err != nil {
		return CLIInvocation{}, err
	}

	resolvedGraph, err := resolveUnderWorkDir(workDir, graphPath)
	if err != nil {
		return CLIInvocation{}, err
	}
	resolvedCache, err := resolveUnderWorkDir(workDir, cacheDir)
	if err != nil {
		return CLIInvocation{}, err
	}
	resolvedOutput, err := resolveUnderWorkDir(workDir, outputDir)
	if err != nil {
		return CLIInvocation{}, err
	}
	var resolvedInput string
	if strings.TrimSpace(inputDir) != "" {
		resolvedInput, err = resolveUnderWorkDir(workDir, inputDir)
		if err != nil {
			return CLIInvocation{}, err
		}
	}

	if jobs <= 0 {
		return CLIInvocation{}, invalidInvocationf("-j must be >= 1 (got %d)", jobs)
	}
	if gridJobs <= 0 {
		return CLIInvocation{}, invalidInvocationf("-J must be >= 1 (got %d)", gridJobs)
	}

	inv := CLIInvocation{
		WorkDir:        workDir,
		GraphPath:      resolvedGraph,
		CacheDir:       resolvedCache,
		OutputDir:      resolvedOutput,
		ExecutionMode:  parsedMode,
		OriginalGraph:  graphPath,
		OriginalCache:  cacheDir,
		OriginalOutput: outputDir,
		OriginalTrace:  tracePath,
		InputDir:         resolvedInput,
		OriginalInputDir: inputDir,
		Jobs:           jobs,
		GridJobs:       gridJobs,
		DryRun:         dryRun,
		RunThemAll:     runThemAll,
		QuitEarly:      quitEarly,
		UntilTask:      untilTask.values,
		ExcludeTask:    excludeTask.values,
		Target:         target.values,
		ExcludeTarget:  excludeTarget.values,
		Deploy:         deploy,
		GridPartition:  gridPartition,
		GridTmpDir:     gridTmpDir,
	}

	if strings.TrimSpace(tracePath) != "" {
		resolvedTrace, err := resolveUnderWorkDir(workDir, tracePath)
		if err != nil {
			return CLIInvocation{}, err
		}
		inv.Trace = TraceConfig{Enabled: true, Path: resolvedTrace}
	}

	return inv, nil
}

func parseExecutionMode(raw string) (ExecutionMode, error) {
	n := strings.ToLower(strings.TrimSpace(raw))
	switch ExecutionMode(n) {
	case ExecutionModeClean, ExecutionModeIncremental, ExecutionModeResumeOnly:
		return ExecutionMode(n), nil
	case "":
		return "", invalidInvocationf("--mode is required")
	default:
		return "", invalidInvocationf("invalid --mode %q (expected clean|incremental|resume-only)", raw)
	}
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}

	// If absolute, accept as-is; it is still deterministic.
	// If relative, resolve under WorkDir.
	if filepath.IsAbs(clean) {
		return clean, nil
	}

	// WorkDir is required to be absolute, so Join does not consult process CWD.
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// ExitCode extracts a semantic exit code from a ParseInvocation error.
// If the error is not a known invocation error, it returns ExitInternalError.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if err == nil {
		return ExitSuccess
	}
	return ExitInternalError
}
