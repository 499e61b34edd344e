package reporter

import (
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Console is a human-facing progress reporter: colored one-line
// transitions as they happen, plus a summary table of failures at
// RunFinished. It is the adjacent-but-out-of-scope rendering layer
// spec.md §1 calls out; the engine only ever talks to the Reporter
// interface, never to Console directly.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	noColor bool
	failed  []Event
}

// NewConsole builds a Console reporter writing to w. If w is nil, it
// defaults to os.Stdout.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{out: w}
}

func (c *Console) Report(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Kind {
	case EventTaskStarted:
		c.line(color.FgCyan, "→ %-24s started (%s)", e.TaskName, e.Worker)
	case EventTaskSkipped:
		c.line(color.FgBlue, "· %-24s skipped (%s)", e.TaskName, e.Reason)
	case EventTaskCompleted:
		c.line(color.FgGreen, "✓ %-24s completed", e.TaskName)
	case EventTaskFailed:
		c.failed = append(c.failed, e)
		c.line(color.FgRed, "✗ %-24s failed: %s", e.TaskName, e.Err)
	case EventTaskGridSubmit:
		c.line(color.FgYellow, "… %-24s submitted to grid (attempt %d)", e.TaskName, e.Attempt)
	case EventTaskGridRetry:
		c.line(color.FgYellow, "… %-24s retrying after %s (attempt %d)", e.TaskName, e.Reason, e.Attempt)
	case EventRunFinished:
		c.summary(e)
	}
}

func (c *Console) line(attr color.Attribute, format string, args ...any) {
	color.New(attr).Fprintf(c.out, format+"\n", args...)
}

func (c *Console) summary(e Event) {
	if len(c.failed) == 0 {
		color.New(color.FgGreen).Fprintln(c.out, "run complete: all tasks succeeded")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(c.out)
	t.AppendHeader(table.Row{"Task", "Error"})
	for _, f := range c.failed {
		t.AppendRow(table.Row{f.TaskName, f.Err})
	}
	color.New(color.FgRed).Fprintln(c.out, "run complete: failures observed")
	t.Render()
}
