package telemetry

import (
	"context"
	"log/slog"
)

// LogSink writes every event as a structured slog line. Always on: it is
// the sink of last resort when Prometheus is disabled or unreachable.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "telemetry")}
}

func (s *LogSink) RecordDecision(ctx context.Context, d Decision) {
	attrs := []any{
		"slug", d.Slug,
		"market_label", d.MarketLabel,
		"code", d.Code,
		"message", d.Message,
	}
	if d.EdgeCents != nil {
		attrs = append(attrs, "edge_cents", *d.EdgeCents)
	}
	for k, v := range d.Extra {
		attrs = append(attrs, k, v)
	}
	s.logger.Info("decision", attrs...)
}

func (s *LogSink) RecordTick(ctx context.Context, t Tick) {
	s.logger.Info("tick",
		"ws_connected", t.WSConnected,
		"last_message_age_sec", t.LastMessageAgeSec,
		"event_driven", t.EventDriven,
		"tick_ms", t.TickMS,
		"tradeable_markets", t.TradeableMarkets,
		"evaluated_markets", t.EvaluatedMarkets,
		"dirty_tokens", t.DirtyTokens,
		"gamma_calls", t.GammaCalls,
		"clob_calls", t.CLOBCalls,
		"sidecar_posts", t.SidecarPosts,
		"edges_seen", t.EdgesSeen,
		"edges_actionable", t.EdgesActionable,
		"actions_taken", t.ActionsTaken,
		"last_error", t.LastError,
	)
}
