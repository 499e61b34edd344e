// Command taskloom is the cobra-wrapped entrypoint over internal/cli's
// deterministic, env-free invocation core. Cobra only supplies
// argv/help/flag-binding ergonomics here: the root command hands its raw
// args straight to cli.ParseInvocation and then cli.Execute (or the
// grid-dispatch path) without reparsing them, so
// the deterministic path itself is never touched by cobra (SPEC_FULL.md
// §2). A hidden "run-envelope" subcommand is the remote side of
// internal/transport's pickled-task handoff (spec.md §4.8): it is what
// transport.Stage's generated runner script re-invokes this same binary
// with, on a grid node or subprocess worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/spf13/cobra"

	"taskloom/internal/cli"
	"taskloom/internal/config"
	"taskloom/internal/grid/awsbatch"
	"taskloom/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && args[0] == "run-envelope" {
		return runEnvelope(args[1:])
	}

	var exitCode int
	root := newRootCommand(&exitCode)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var invErr *cli.InvocationError
		if errors.As(err, &invErr) {
			fmt.Fprintln(os.Stderr, invErr.Message)
			return invErr.ExitCode
		}
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitInternalError
	}
	return exitCode
}

// newRootCommand builds the cobra entrypoint. DisableFlagParsing is set
// because internal/cli.ParseInvocation owns the real flag grammar
// (--workdir/--graph/-j/-J/-u/-t/...); cobra's job here is argv routing
// to run-envelope and the --help/usage text a user sees on misuse, not
// flag semantics. *exitCode receives the semantic exit code Execute
// produces, since cobra's RunE only propagates an error.
func newRootCommand(exitCode *int) *cobra.Command {
	root := &cobra.Command{
		Use:                "taskloom",
		Short:              "Incremental task-graph execution engine",
		Long:               "taskloom runs a declared task DAG incrementally, skipping tasks whose tracked inputs and outputs are unchanged since the last run.",
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hasHelpFlag(args) {
				return cmd.Help()
			}
			inv, err := cli.ParseInvocation(args)
			if err != nil {
				*exitCode = cli.ExitCode(err)
				return err
			}

			var result cli.CLIResult
			if inv.GridPartition != "" {
				result, err = executeWithGridDispatch(cmd.Context(), inv)
			} else {
				result, err = cli.Execute(cmd.Context(), inv)
			}
			*exitCode = result.ExitCode
			return err
		},
	}
	root.AddCommand(newConfigValidateCommand())
	return root
}

// newConfigValidateCommand exposes internal/config.Load as a standalone
// "config-validate" subcommand: an operator can check a .taskloom config
// file (and TASKLOOM_-prefixed env overrides) before wiring it into a
// scheduler or CI step. This command owns its own flag parsing (cobra's
// default), unlike the root command above.
func newConfigValidateCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "config-validate",
		Short: "Load and validate a .taskloom config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config OK: jobs=%d grid_jobs=%d backend_dir=%q\n", cfg.Jobs, cfg.GridJobs, cfg.BackendDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a .taskloom config file (optional).")
	return cmd
}

// executeWithGridDispatch is taken instead of the plain cli.Execute path
// whenever the invocation names a grid partition (the -partition flag,
// spec.md §6): it loads the ambient .taskloom config for
// the AWS Batch job queue/definition (internal/config.GridConfig),
// builds a real aws-sdk-go-v2 Batch client from the process's default
// credential chain, and wraps it as the grid.Driver that
// cli.ExecuteWithRunner routes every task through (internal/runner.PoolRunner,
// spec.md §4.5/§4.7). A config or credential failure here is an
// ExitConfigError, matching cli.Execute's own config-error handling.
func executeWithGridDispatch(ctx context.Context, inv cli.CLIInvocation) (cli.CLIResult, error) {
	cfg, err := config.Load("")
	if err != nil {
		return cli.CLIResult{ExitCode: cli.ExitConfigError}, err
	}
	if cfg.Grid.JobQueue == "" || cfg.Grid.JobDefinitionARN == "" {
		err := fmt.Errorf("grid dispatch requested (-partition=%q) but grid.job_queue/grid.job_definition_arn are not set in .taskloom config", inv.GridPartition)
		return cli.CLIResult{ExitCode: cli.ExitConfigError}, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return cli.CLIResult{ExitCode: cli.ExitConfigError}, fmt.Errorf("loading AWS config for grid dispatch: %w", err)
	}
	client := batch.NewFromConfig(awsCfg)
	driver := awsbatch.New(client, cfg.Grid.JobQueue, cfg.Grid.JobDefinitionARN)

	gridCfg := &cli.GridDispatchConfig{
		Driver:    driver,
		GridJobs:  inv.GridJobs,
		Partition: inv.GridPartition,
		TmpDir:    inv.GridTmpDir,
	}
	return cli.ExecuteWithRunner(ctx, inv, cli.DefaultExecutor(), gridCfg)
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "--help" {
			return true
		}
	}
	return false
}

// runEnvelope is the remote worker side of internal/transport's
// pickled-task transport: it reads the Envelope blob a grid job or
// subprocess was staged with, executes its actions against
// transport.Default (the process-wide registered-function table, see
// transport.Registry's doc comment), and writes the Result blob back for
// the dispatching process to poll for and decode.
func runEnvelope(args []string) int {
	fs := flag.NewFlagSet("run-envelope", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var in, out string
	fs.StringVar(&in, "in", "", "Path to the envelope blob to execute.")
	fs.StringVar(&out, "out", "", "Path to write the result blob to.")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitInvalidInvocation
	}
	if in == "" || out == "" {
		fmt.Fprintln(os.Stderr, "run-envelope: --in and --out are required")
		return cli.ExitInvalidInvocation
	}

	raw, err := os.ReadFile(in)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitInternalError
	}
	env, err := transport.DecodeEnvelope(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitInternalError
	}

	result := transport.Run(context.Background(), env, transport.Default)

	encoded, err := transport.EncodeResult(result)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitInternalError
	}
	if err := os.WriteFile(out, encoded, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitInternalError
	}
	if result.ExitCode != 0 {
		return cli.ExitGraphFailure
	}
	return cli.ExitSuccess
}
