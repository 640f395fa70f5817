package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// SidecarSink posts Decision and Tick events as JSON to an external
// dashboard service over HTTP. Every call is rate-limited client-side so a
// misbehaving or slow sidecar can never turn into a flood of outbound
// requests; a limiter reservation that isn't immediately available drops
// the post rather than queuing it, since a skipped telemetry post is
// harmless and a blocked one is not.
type SidecarSink struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSidecarSink builds a SidecarSink posting to baseURL. ratePerSec and
// burst bound the outbound request rate; postTimeout bounds each HTTP call
// independently of the package-wide Deadline the caller already applies.
func NewSidecarSink(baseURL string, ratePerSec float64, burst int, postTimeout time.Duration, logger *slog.Logger) *SidecarSink {
	if burst < 1 {
		burst = 1
	}
	return &SidecarSink{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(postTimeout).
			SetHeader("Content-Type", "application/json"),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		logger:  logger.With("component", "telemetry_sidecar"),
	}
}

func (s *SidecarSink) RecordDecision(ctx context.Context, d Decision) {
	s.post(ctx, "/btc15/decision", map[string]any{
		"ts":           d.TS,
		"slug":         d.Slug,
		"market_label": d.MarketLabel,
		"code":         d.Code,
		"message":      d.Message,
		"edge_cents":   d.EdgeCents,
		"extra":        d.Extra,
	})
}

func (s *SidecarSink) RecordTick(ctx context.Context, t Tick) {
	s.post(ctx, "/btc15/telemetry", map[string]any{
		"ts":                t.TS,
		"ws_connected":      t.WSConnected,
		"event_driven":      t.EventDriven,
		"tick_ms":           t.TickMS,
		"tradeable_markets": t.TradeableMarkets,
		"evaluated_markets": t.EvaluatedMarkets,
		"dirty_tokens":      t.DirtyTokens,
		"gamma_calls":       t.GammaCalls,
		"clob_calls":        t.CLOBCalls,
		"sidecar_posts":     t.SidecarPosts,
		"edges_seen":        t.EdgesSeen,
		"edges_actionable":  t.EdgesActionable,
		"actions_taken":     t.ActionsTaken,
		"last_error":        t.LastError,
	})
}

// post sends body to path if the limiter grants an immediate reservation;
// otherwise it drops the post silently. Failures are logged at debug level
// only, since a sidecar being down must never look like an operational
// problem with the scanner.
func (s *SidecarSink) post(ctx context.Context, path string, body map[string]any) {
	if !s.limiter.Allow() {
		return
	}
	resp, err := s.http.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		s.logger.Debug("sidecar post failed", "path", path, "error", err)
		return
	}
	if resp.IsError() {
		s.logger.Debug("sidecar post rejected", "path", path, "status", resp.StatusCode())
	}
}
