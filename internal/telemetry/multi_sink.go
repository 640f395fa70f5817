package telemetry

import (
	"context"
	"log/slog"
	"sync"
)

// MultiSink fans a single event out to every underlying sink, each bounded
// by Deadline independently: a slow sink is abandoned for that call and
// logged once, never blocking the caller or the other sinks.
type MultiSink struct {
	sinks  []Sink
	logger *slog.Logger

	warnOnce sync.Once
}

// NewMultiSink builds a MultiSink over the given sinks, in call order.
func NewMultiSink(logger *slog.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger.With("component", "telemetry")}
}

func (m *MultiSink) RecordDecision(ctx context.Context, d Decision) {
	for _, sink := range m.sinks {
		m.callWithDeadline(func(callCtx context.Context) { sink.RecordDecision(callCtx, d) })
	}
}

func (m *MultiSink) RecordTick(ctx context.Context, t Tick) {
	for _, sink := range m.sinks {
		m.callWithDeadline(func(callCtx context.Context) { sink.RecordTick(callCtx, t) })
	}
}

// callWithDeadline runs fn in its own goroutine bounded by Deadline. If fn
// has not returned by the deadline, callWithDeadline returns anyway; the
// goroutine is abandoned (it will finish on its own time, harmlessly,
// since sinks are required to have no side effects the caller depends on).
func (m *MultiSink) callWithDeadline(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), Deadline)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.warnOnce.Do(func() {
			m.logger.Warn("telemetry sink exceeded deadline, dropping", "deadline", Deadline)
		})
	}
}
