// Package reporter is the C9 external-collaborator interface: the core
// emits lifecycle events on this fixed interface, and concrete rendering
// (console/log/metrics sinks) lives outside the deterministic execution
// path — spec.md §1 names report rendering as out of core scope, but the
// event sink that could feed one is very much in scope.
//
// Reporter implementations must never affect execution: a slow or
// panicking sink is the caller's problem, not the engine's. MultiReporter
// enforces this by catching Report-time panics from a single sink so
// one misbehaving reporter can't take down the whole run.
package reporter

import "time"

// EventKind mirrors anadama2's reporters.py hook names
// (task_skipped/task_started/task_completed/...).
type EventKind string

const (
	EventTaskStarted     EventKind = "TaskStarted"
	EventTaskSkipped     EventKind = "TaskSkipped"
	EventTaskCompleted   EventKind = "TaskCompleted"
	EventTaskFailed      EventKind = "TaskFailed"
	EventTaskGridSubmit  EventKind = "TaskGridSubmitted"
	EventTaskGridRetry   EventKind = "TaskGridRetried"
	EventRunStarted      EventKind = "RunStarted"
	EventRunFinished     EventKind = "RunFinished"
)

// Event is one lifecycle notification. Unlike trace.TraceEvent (the
// canonical, timestamp-free execution record used for replay/hashing),
// Event is real-time and carries wall-clock time for human/metrics
// consumption; it is never hashed or compared for equality.
type Event struct {
	Kind      EventKind
	TaskName  string
	Worker    string // worker pool name, empty for run-level events
	Reason    string // e.g. "UpstreamFailed", "CacheHit", "MEMKILL", "TIMEOUT"
	Err       string // non-empty on EventTaskFailed
	Attempt   int    // grid submission attempt number, 1 for the first submission; 0 on non-grid events
	At        time.Time
	RunFailed bool // set on EventRunFinished
}

// Reporter receives lifecycle events. Implementations must be safe for
// concurrent use: events arrive from the coordinator goroutine and,
// for grid/local worker state transitions, from worker goroutines too.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a plain function to the Reporter interface.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// MultiReporter fans one event out to every child reporter in turn,
// recovering a panic from any one sink so it cannot affect another sink or
// the caller; sinks are called synchronously, so a slow sink delays the
// ones after it and the caller.
type MultiReporter struct {
	sinks []Reporter
}

// NewMulti builds a MultiReporter over the given sinks, dropping any nil
// entries (a caller building the list conditionally need not filter it).
func NewMulti(sinks ...Reporter) *MultiReporter {
	m := &MultiReporter{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiReporter) Report(e Event) {
	if m == nil {
		return
	}
	for _, s := range m.sinks {
		reportSafely(s, e)
	}
}

func reportSafely(s Reporter, e Event) {
	defer func() { _ = recover() }()
	s.Report(e)
}

// Nop is a Reporter that discards every event; the default when no sink
// was configured (e.g. dry-run invocations, unit tests).
var Nop Reporter = ReporterFunc(func(Event) {})
