package reporter

import "taskloom/internal/logging"

// Logging is a Reporter that writes every lifecycle event as a
// structured log line, the anadama2 LoggerReporter equivalent
// (reporters.py's base Reporter + LoggerReporter).
type Logging struct {
	log *logging.Logger
}

// NewLogging wraps an *logging.Logger as a Reporter.
func NewLogging(l *logging.Logger) *Logging {
	return &Logging{log: l}
}

func (r *Logging) Report(e Event) {
	if r == nil || r.log == nil {
		return
	}
	fields := []logging.Field{
		logging.String("kind", string(e.Kind)),
		logging.String("task", e.TaskName),
	}
	if e.Worker != "" {
		fields = append(fields, logging.String("worker", e.Worker))
	}
	if e.Reason != "" {
		fields = append(fields, logging.String("reason", e.Reason))
	}
	if e.Attempt > 0 {
		fields = append(fields, logging.Int("attempt", e.Attempt))
	}

	switch e.Kind {
	case EventTaskFailed:
		fields = append(fields, logging.String("error", e.Err))
		r.log.Error("task failed", fields...)
	case EventRunFinished:
		if e.RunFailed {
			r.log.Warn("run finished with failures", fields...)
		} else {
			r.log.Info("run finished", fields...)
		}
	default:
		r.log.Info("task transition", fields...)
	}
}
