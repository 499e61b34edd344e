package grid

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"taskloom/internal/reporter"
)

// RunOptions configure one task's grid submission/retry cycle.
type RunOptions struct {
	Driver     Driver
	ScriptPath string
	Resource   ResourceRequest
	Depends    int
	Task       TaskOptions
	Report     reporter.Reporter
	TaskName   string
}

// Outcome is the terminal result of running a task through the grid
// state machine, independent of which Driver handled it.
type Outcome struct {
	State    JobState
	ExitCode int
	JobID    string
}

// Run drives one task through SUBMIT → QUEUED → RUNNING → STOPPED →
// terminal, resubmitting with scaled resources on MEMKILL/TIMEOUT up to
// MaxTries, mirroring anadama2's grid_worker.py retry behavior. It
// blocks until a terminal, non-retryable outcome or ctx cancellation.
func Run(ctx context.Context, o RunOptions) (Outcome, error) {
	maxTries := o.Task.MaxTries
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	report := o.Report
	if report == nil {
		report = reporter.Nop
	}

	resolved, err := o.Resource.Resolve(o.Depends)
	if err != nil {
		return Outcome{}, fmt.Errorf("grid: resolve resources: %w", err)
	}

	for attempt := 1; attempt <= maxTries; attempt++ {
		jobID, err := o.Driver.Submit(ctx, o.ScriptPath, ResourceRequest{
			TimeMinutes: NewFormulaOrLiteral(fmt.Sprint(resolved.TimeMinutes)),
			MemMB:       NewFormulaOrLiteral(fmt.Sprint(resolved.MemMB)),
			Cores:       resolved.Cores,
		}, o.Task)
		if err != nil {
			return Outcome{}, fmt.Errorf("grid: submit: %w", err)
		}
		report.Report(reporter.Event{Kind: reporter.EventTaskGridSubmit, TaskName: o.TaskName, Worker: o.Driver.Name(), Attempt: attempt})

		status, err := poll(ctx, o.Driver, jobID)
		if err != nil {
			return Outcome{}, err
		}

		if !isRetryable(status.State) || attempt == maxTries {
			return Outcome{State: status.State, ExitCode: status.ExitCode, JobID: jobID}, nil
		}

		reason := string(status.State)
		switch status.State {
		case StateMemkill:
			resolved = resolved.ScaleMem()
		case StateTimeout:
			resolved = resolved.StretchTime()
		}
		report.Report(reporter.Event{Kind: reporter.EventTaskGridRetry, TaskName: o.TaskName, Worker: o.Driver.Name(), Reason: reason, Attempt: attempt})
	}
	return Outcome{}, fmt.Errorf("grid: exhausted retries without a terminal state")
}

func isRetryable(s JobState) bool {
	return s == StateMemkill || s == StateTimeout
}

// poll refreshes job status until it reaches a terminal state, using an
// exponential backoff between polls so a long-running grid job doesn't
// hammer the scheduler's status API the way a fixed-interval loop would.
func poll(ctx context.Context, d Driver, jobID string) (JobStatus, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = PollInterval
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0 // bounded by ctx, not wall-clock here

	var last JobStatus
	op := func() error {
		status, err := d.Poll(ctx, jobID)
		if err != nil {
			return err
		}
		last = status
		if !IsTerminal(status.State) {
			return fmt.Errorf("grid: job %s not yet terminal (%s)", jobID, status.State)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			_ = d.Cancel(context.Background(), jobID)
			return JobStatus{}, ctx.Err()
		}
		return JobStatus{}, fmt.Errorf("grid: poll job %s: %w", jobID, err)
	}
	return last, nil
}
