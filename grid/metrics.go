package grid

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the grid's counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	applied  prometheus.Counter
	errored  prometheus.Counter
	warned   prometheus.Counter
	inFlight prometheus.Gauge
}

// NewMetrics builds the migration counters and registers them when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgmig",
			Name:      "migrations_applied_total",
			Help:      "Migration scripts that committed successfully.",
		}),
		errored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgmig",
			Name:      "migrations_errored_total",
			Help:      "Migration scripts that exited non-zero.",
		}),
		warned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgmig",
			Name:      "migrations_warned_total",
			Help:      "Migration scripts that succeeded with a WARNING notice.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgmig",
			Name:      "migrations_in_flight",
			Help:      "Migration scripts currently executing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.applied, m.errored, m.warned, m.inFlight)
	}
	return m
}

func (m *Metrics) scriptStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) scriptFinished(errored, warned bool) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	switch {
	case errored:
		m.errored.Inc()
	case warned:
		m.warned.Inc()
		m.applied.Inc()
	default:
		m.applied.Inc()
	}
}
