package pgmig

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/clickup/pg-mig/dest"
	"github.com/clickup/pg-mig/grid"
)

// Option customizes an Orchestrator.
type Option interface {
	apply(o *Orchestrator)
}

type optionFn func(o *Orchestrator)

func (f optionFn) apply(o *Orchestrator) {
	f(o)
}

// WithRunner substitutes the SQL runner (tests inject a fake here).
func WithRunner(r dest.SqlRunner) Option {
	return optionFn(func(o *Orchestrator) {
		o.runner = r
	})
}

// WithLogger substitutes the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return optionFn(func(o *Orchestrator) {
		o.log = log
	})
}

// WithMetrics registers the grid counters on the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return optionFn(func(o *Orchestrator) {
		o.metrics = grid.NewMetrics(reg)
	})
}

// WithProgress installs a callback fed by the workers' 200 ms heartbeat.
func WithProgress(onTick func(grid.Snapshot)) Option {
	return optionFn(func(o *Orchestrator) {
		o.onTick = onTick
	})
}
