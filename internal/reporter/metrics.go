package reporter

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a Reporter that projects lifecycle events onto Prometheus
// counters/gauges, scraped by whatever /metrics handler the CLI exposes.
// It never touches the registry it was handed beyond registering its own
// instruments, so the caller controls the registry lifetime.
type Metrics struct {
	transitions *prometheus.CounterVec
	gridRetries *prometheus.CounterVec
	inFlight    prometheus.Gauge
}

// NewMetrics registers the reporter's instruments against reg and returns
// the reporter. Pass prometheus.NewRegistry() for an isolated registry per
// run, or prometheus.DefaultRegisterer for a long-lived process.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskloom",
			Name:      "task_transitions_total",
			Help:      "Count of task lifecycle transitions by kind.",
		}, []string{"kind"}),
		gridRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskloom",
			Name:      "grid_retries_total",
			Help:      "Count of grid job resubmissions by reason (MEMKILL, TIMEOUT).",
		}, []string{"reason"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskloom",
			Name:      "tasks_in_flight",
			Help:      "Number of tasks currently running (local or grid).",
		}),
	}
	for _, c := range []prometheus.Collector{m.transitions, m.gridRetries, m.inFlight} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errorsAs(err, &are) {
				return nil, err
			}
		}
	}
	return m, nil
}

func errorsAs(err error, target *prometheus.AlreadyRegisteredError) bool {
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		*target = are
		return true
	}
	return false
}

func (m *Metrics) Report(e Event) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(e.Kind)).Inc()
	switch e.Kind {
	case EventTaskStarted, EventTaskGridSubmit:
		m.inFlight.Inc()
	case EventTaskCompleted, EventTaskFailed:
		m.inFlight.Dec()
	case EventTaskGridRetry:
		m.gridRetries.WithLabelValues(e.Reason).Inc()
	}
}
