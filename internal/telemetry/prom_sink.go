package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PromSink exposes the scanner's activity as Prometheus counters and
// gauges, named and shaped after chidi150c-coinbase/metrics.go's
// CounterVec/GaugeVec convention.
type PromSink struct {
	edgesSeen       prometheus.Counter
	edgesActionable prometheus.Counter
	actionsTaken    prometheus.Counter
	tickDuration    prometheus.Histogram
	decisionsByCode *prometheus.CounterVec
	executionState  *prometheus.GaugeVec
}

// NewPromSink builds a PromSink and registers its collectors against reg.
// Pass prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer's underlying registry in production.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	s := &PromSink{
		edgesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracket_edges_seen_total",
			Help: "Actionable and non-actionable evaluator results seen.",
		}),
		edgesActionable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracket_edges_actionable_total",
			Help: "Evaluator results that cleared every rejection threshold.",
		}),
		actionsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracket_actions_taken_total",
			Help: "Two-Phase Executor invocations handed an actionable edge.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bracket_tick_duration_seconds",
			Help:    "Wall-clock duration of one scanner tick.",
			Buckets: prometheus.DefBuckets,
		}),
		decisionsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracket_decisions_total",
			Help: "Decision events emitted, by outcome code.",
		}, []string{"code"}),
		executionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bracket_executions_state",
			Help: "Count of persisted executions currently in each state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		s.edgesSeen,
		s.edgesActionable,
		s.actionsTaken,
		s.tickDuration,
		s.decisionsByCode,
		s.executionState,
	)
	return s
}

func (s *PromSink) RecordDecision(ctx context.Context, d Decision) {
	s.decisionsByCode.WithLabelValues(string(d.Code)).Inc()
	s.edgesSeen.Inc()
	if d.Code == CodeActionable {
		s.edgesActionable.Inc()
	}
}

func (s *PromSink) RecordTick(ctx context.Context, t Tick) {
	s.tickDuration.Observe(t.TickMS / 1000)
	s.actionsTaken.Add(float64(t.ActionsTaken))
}

// SetExecutionStateGauge reports the current count of persisted executions
// in state. The gauge changes only when a caller invokes this; the app
// wiring does not call it.
func (s *PromSink) SetExecutionStateGauge(state string, count int) {
	s.executionState.WithLabelValues(state).Set(float64(count))
}
