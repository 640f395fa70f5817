// Package scanner implements the per-tick orchestration loop: refresh the
// catalog, pick a tradeable set, obtain each bracket's books, evaluate, and
// route fillable edges to the executor or to telemetry. Six steps in fixed
// order every tick, event-driven dirty-set draining capped at
// event_max_markets_per_tick, and best-effort telemetry emission around
// every step so a telemetry failure never aborts the tick.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bracketarb/internal/evaluator"
	"bracketarb/internal/executor"
	"bracketarb/internal/slug"
	"bracketarb/internal/telemetry"
	"bracketarb/pkg/types"
)

// Config tunes the tick loop's cadence and event-driven behavior.
type Config struct {
	EventDriven               bool
	EventWaitSec              int
	EventMaxMarketsPerTick    int
	TickInterval              time.Duration
	AutoExecuteThresholdCents decimal.Decimal
	LimitPriceSlippage        decimal.Decimal
}

// DefaultConfig returns the documented scanner defaults.
func DefaultConfig() Config {
	return Config{
		EventDriven:               true,
		EventWaitSec:              2,
		EventMaxMarketsPerTick:    8,
		TickInterval:              2 * time.Second,
		AutoExecuteThresholdCents: decimal.NewFromInt(2),
		LimitPriceSlippage:        decimal.NewFromFloat(0.003),
	}
}

// catalogSource is the subset of *catalog.Catalog the scanner needs.
type catalogSource interface {
	NeedsRefresh(now time.Time) bool
	Resolve(ctx context.Context, slugs []string) ([]types.MarketMetadata, error)
	Tradeable(now time.Time) map[string]types.MarketMetadata
}

// bookSource is the subset of *book.Store the scanner needs.
type bookSource interface {
	Bracket(upToken, downToken string) (types.BracketBooks, bool)
	Updates() <-chan struct{}
	TakeDirty() []string
	ApplySnapshot(tokenID string, bids, asks []types.PriceLevel, ts time.Time)
}

// restFetcher is the subset of *exchange.Client the scanner needs for the
// REST orderbook fallback when a streamed snapshot isn't available yet.
type restFetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// bracketExecutor is the subset of *executor.Executor the scanner needs.
type bracketExecutor interface {
	ExecuteBracket(ctx context.Context, req executor.Request) (bool, executor.RejectReason, error)
}

// openChecker is the subset of *store.Store the scanner needs to skip
// brackets that already have a non-terminal execution.
type openChecker interface {
	HasOpenBySlug(ctx context.Context, slug string) (bool, error)
}

// Scanner runs the per-tick orchestration loop.
type Scanner struct {
	cfg       Config
	evalCfg   evaluator.Config
	catalog   catalogSource
	books     bookSource
	rest      restFetcher
	exec      bracketExecutor
	openCheck openChecker
	sink      telemetry.Sink
	logger    *slog.Logger

	slugOffsets []int

	mu          sync.Mutex
	tokenToSlug map[string]string
}

// New constructs a Scanner wired to every upstream component.
func New(
	cfg Config,
	evalCfg evaluator.Config,
	cat catalogSource,
	books bookSource,
	rest restFetcher,
	exec bracketExecutor,
	openCheck openChecker,
	sink telemetry.Sink,
	logger *slog.Logger,
) *Scanner {
	return &Scanner{
		cfg:         cfg,
		evalCfg:     evalCfg,
		catalog:     cat,
		books:       books,
		rest:        rest,
		exec:        exec,
		openCheck:   openCheck,
		sink:        sink,
		logger:      logger.With("component", "scanner"),
		slugOffsets: slug.DefaultOffsets,
		tokenToSlug: make(map[string]string),
	}
}

// Run drives the tick loop until ctx is canceled. Intended to be supervised
// by an errgroup.Group alongside the book aggregator's ingest goroutine and
// the executor's background resume pass.
func (s *Scanner) Run(ctx context.Context) error {
	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if s.cfg.EventDriven {
			wait := time.Duration(s.cfg.EventWaitSec) * time.Second
			if wait <= 0 {
				continue
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-s.books.Updates():
				timer.Stop()
			case <-timer.C:
			}
		} else {
			timer := time.NewTimer(s.cfg.TickInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// tickStats accumulates one tick's telemetry.Tick fields; assembled and
// emitted in the deferred block regardless of how the tick exits.
type tickStats struct {
	start            time.Time
	tradeableMarkets int
	evaluatedMarkets int
	dirtyTokens      int
	gammaCalls       int
	clobCalls        int
	sidecarPosts     int
	edgesSeen        int
	edgesActionable  int
	actionsTaken     int
	lastError        string
}

// tick runs one full pass of the six-step contract.
func (s *Scanner) tick(ctx context.Context) {
	stats := &tickStats{start: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			stats.lastError = fmt.Sprintf("panic: %v", r)
			s.emitDecision(ctx, stats, telemetry.Decision{
				TS:      time.Now().UTC(),
				Code:    telemetry.CodeError,
				Message: stats.lastError,
			})
		}
		s.emitTick(ctx, stats)
	}()

	// Step 1: refresh the catalog if its window has gone stale.
	now := time.Now().UTC()
	if s.catalog.NeedsRefresh(now) {
		slugs := slug.CandidateSlugs(now, s.slugOffsets)
		if _, err := s.catalog.Resolve(ctx, slugs); err != nil {
			stats.lastError = err.Error()
			s.logger.Warn("catalog refresh failed", "error", err)
		}
		stats.gammaCalls++
	}

	// Step 2: compute the tradeable set.
	tradeable := s.catalog.Tradeable(now)
	stats.tradeableMarkets = len(tradeable)
	if len(tradeable) == 0 {
		s.emitDecision(ctx, stats, telemetry.Decision{
			TS:      time.Now().UTC(),
			Code:    telemetry.CodeNoTradeable,
			Message: "no tradeable markets in window",
		})
		return
	}

	s.rebuildTokenToSlug(tradeable)

	// Step 3: event-driven wait + drain-dirty-set, or full iteration.
	selected := s.selectMarkets(tradeable, stats)
	stats.evaluatedMarkets = len(selected)

	// Steps 4-5: per-bracket skip/fetch/evaluate/route.
	for _, meta := range selected {
		s.evaluateMarket(ctx, meta, stats)
	}
}

// selectMarkets applies event-driven dirty-token draining when enabled,
// falling back to a full scan of the tradeable set otherwise.
func (s *Scanner) selectMarkets(tradeable map[string]types.MarketMetadata, stats *tickStats) []types.MarketMetadata {
	if !s.cfg.EventDriven {
		out := make([]types.MarketMetadata, 0, len(tradeable))
		for _, m := range tradeable {
			out = append(out, m)
		}
		return out
	}

	dirtyTokens := s.books.TakeDirty()
	stats.dirtyTokens = len(dirtyTokens)

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	out := make([]types.MarketMetadata, 0, s.cfg.EventMaxMarketsPerTick)
	maxMarkets := s.cfg.EventMaxMarketsPerTick
	if maxMarkets <= 0 {
		maxMarkets = 1
	}
	for _, tokenID := range dirtyTokens {
		slugName, ok := s.tokenToSlug[tokenID]
		if !ok {
			continue
		}
		meta, ok := tradeable[slugName]
		if !ok {
			continue
		}
		if _, ok := seen[slugName]; ok {
			continue
		}
		seen[slugName] = struct{}{}
		out = append(out, meta)
		if len(out) >= maxMarkets {
			break
		}
	}
	return out
}

func (s *Scanner) rebuildTokenToSlug(tradeable map[string]types.MarketMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenToSlug = make(map[string]string, len(tradeable)*2)
	for _, m := range tradeable {
		if m.UpTokenID == "" || m.DownTokenID == "" {
			continue
		}
		s.tokenToSlug[m.UpTokenID] = m.Slug
		s.tokenToSlug[m.DownTokenID] = m.Slug
	}
}

// evaluateMarket runs steps 4-5 for a single bracket: skip-if-open, obtain
// books, evaluate, route.
func (s *Scanner) evaluateMarket(ctx context.Context, meta types.MarketMetadata, stats *tickStats) {
	label := meta.Question
	if label == "" {
		label = meta.Slug
	}

	open, err := s.openCheck.HasOpenBySlug(ctx, meta.Slug)
	if err != nil {
		stats.lastError = err.Error()
		s.emitDecision(ctx, stats, telemetry.Decision{
			TS: time.Now().UTC(), Slug: meta.Slug, MarketLabel: label,
			Code: telemetry.CodeError, Message: fmt.Sprintf("check open execution: %v", err),
		})
		return
	}
	if open {
		s.emitDecision(ctx, stats, telemetry.Decision{
			TS: time.Now().UTC(), Slug: meta.Slug, MarketLabel: label,
			Code: telemetry.CodeSkipOpenPosition, Message: "already has an open execution",
		})
		return
	}

	if meta.UpTokenID == "" || meta.DownTokenID == "" {
		s.emitDecision(ctx, stats, telemetry.Decision{
			TS: time.Now().UTC(), Slug: meta.Slug, MarketLabel: label,
			Code: telemetry.CodeInvalidTokenIDs, Message: "missing up/down token id",
		})
		return
	}

	books, ok := s.fetchBracketBooks(ctx, meta, stats)
	if !ok {
		s.emitDecision(ctx, stats, telemetry.Decision{
			TS: time.Now().UTC(), Slug: meta.Slug, MarketLabel: label,
			Code: telemetry.CodeBookEmpty, Message: "orderbook unavailable or empty",
		})
		return
	}

	result := evaluator.Evaluate(books, s.evalCfg)
	if !result.Actionable {
		code := telemetry.CodeNotFillable
		if result.Reason == evaluator.RejectNoSizeFound {
			code = telemetry.CodeSkipSizeZero
		}
		s.emitDecision(ctx, stats, telemetry.Decision{
			TS: time.Now().UTC(), Slug: meta.Slug, MarketLabel: label,
			Code: code, Message: string(result.Reason),
		})
		return
	}

	stats.edgesSeen++
	edgeCents, _ := result.Order.ExpectedEdgeCents.Float64()

	s.emitDecision(ctx, stats, telemetry.Decision{
		TS: time.Now().UTC(), Slug: meta.Slug, MarketLabel: label,
		Code: telemetry.CodeActionable, Message: "fillable bracket opportunity",
		EdgeCents: &edgeCents,
		Extra: map[string]any{
			"total_cost": result.Order.TotalCost.String(),
		},
	})

	if result.Order.ExpectedEdgeCents.LessThan(s.cfg.AutoExecuteThresholdCents) {
		s.emitDecision(ctx, stats, telemetry.Decision{
			TS: time.Now().UTC(), Slug: meta.Slug, MarketLabel: label,
			Code: telemetry.CodeEdgeTooSmall, Message: "edge below auto-execute threshold",
			EdgeCents: &edgeCents,
		})
		return
	}

	stats.edgesActionable++
	s.route(ctx, meta, books, result, stats)
}

// fetchBracketBooks prefers a streamed snapshot and falls back to REST,
// installing any REST fetch into the shared book store so later ticks can
// reuse it without another round trip.
func (s *Scanner) fetchBracketBooks(ctx context.Context, meta types.MarketMetadata, stats *tickStats) (types.BracketBooks, bool) {
	if books, ok := s.books.Bracket(meta.UpTokenID, meta.DownTokenID); ok {
		return books, true
	}

	up, okUp := s.fetchRESTBook(ctx, meta.UpTokenID, stats)
	down, okDown := s.fetchRESTBook(ctx, meta.DownTokenID, stats)
	if !okUp || !okDown {
		return types.BracketBooks{}, false
	}

	return types.BracketBooks{UpBook: up, DownBook: down, TakenAt: time.Now().UTC()}, true
}

func (s *Scanner) fetchRESTBook(ctx context.Context, tokenID string, stats *tickStats) (types.MarketBook, bool) {
	resp, err := s.rest.GetOrderBook(ctx, tokenID)
	stats.clobCalls++
	if err != nil {
		s.logger.Debug("rest book fetch failed", "token_id", tokenID, "error", err)
		return types.MarketBook{}, false
	}

	bids := make([]types.PriceLevel, 0, len(resp.Bids))
	for _, l := range resp.Bids {
		if lvl, err := l.Decimal(); err == nil && lvl.Size.IsPositive() {
			bids = append(bids, lvl)
		}
	}
	asks := make([]types.PriceLevel, 0, len(resp.Asks))
	for _, l := range resp.Asks {
		if lvl, err := l.Decimal(); err == nil && lvl.Size.IsPositive() {
			asks = append(asks, lvl)
		}
	}
	if len(bids) == 0 && len(asks) == 0 {
		return types.MarketBook{}, false
	}

	ts := time.Now().UTC()
	s.books.ApplySnapshot(tokenID, bids, asks, ts)
	return types.MarketBook{TokenID: tokenID, BidLevels: bids, AskLevels: asks, LastUpdateTS: ts}, true
}

// route sends an actionable bracket at or above the auto-execute threshold
// to the executor.
func (s *Scanner) route(ctx context.Context, meta types.MarketMetadata, books types.BracketBooks, result evaluator.Result, stats *tickStats) {
	label := meta.Question
	if label == "" {
		label = meta.Slug
	}

	// Limit prices are padded off the best ask, not the ladder-walk's
	// volume-weighted average cost: a multi-level fill's average can sit
	// below the price of the deepest level consumed, which would under-fill
	// a GTC order placed at that average.
	upAsk, _ := books.UpBook.BestAsk()
	downAsk, _ := books.DownBook.BestAsk()
	padding := decimal.NewFromInt(1).Add(s.cfg.LimitPriceSlippage)

	req := executor.Request{
		ExecutionID:            executor.DeriveExecutionID(meta.Slug, meta.UpTokenID, meta.DownTokenID, result.Order.TargetShares),
		Slug:                   meta.Slug,
		UpToken:                meta.UpTokenID,
		DownToken:              meta.DownTokenID,
		TargetShares:           result.Order.TargetShares,
		UpPriceLimit:           upAsk.Price.Mul(padding),
		DownPriceLimit:         downAsk.Price.Mul(padding),
		EstimatedTotalNotional: result.Order.TotalCost,
	}

	ok, reason, err := s.exec.ExecuteBracket(ctx, req)
	edgeCents, _ := result.Order.ExpectedEdgeCents.Float64()

	if err != nil {
		stats.lastError = err.Error()
		s.emitDecision(ctx, stats, telemetry.Decision{
			TS: time.Now().UTC(), Slug: meta.Slug, MarketLabel: label,
			Code: telemetry.CodeExecuteFailed, Message: err.Error(), EdgeCents: &edgeCents,
		})
		return
	}
	if reason == executor.RejectTradingDisabled {
		s.emitDecision(ctx, stats, telemetry.Decision{
			TS: time.Now().UTC(), Slug: meta.Slug, MarketLabel: label,
			Code: telemetry.CodeKillSwitch, Message: "live execution blocked: trading disabled", EdgeCents: &edgeCents,
		})
		return
	}
	if reason != executor.RejectNone {
		s.emitDecision(ctx, stats, telemetry.Decision{
			TS: time.Now().UTC(), Slug: meta.Slug, MarketLabel: label,
			Code: telemetry.CodeExecuteFailed, Message: string(reason), EdgeCents: &edgeCents,
		})
		return
	}
	if !ok {
		s.emitDecision(ctx, stats, telemetry.Decision{
			TS: time.Now().UTC(), Slug: meta.Slug, MarketLabel: label,
			Code: telemetry.CodeExecuteFailed, Message: "execution did not reach DONE", EdgeCents: &edgeCents,
		})
		return
	}

	stats.actionsTaken++
}

func (s *Scanner) emitDecision(ctx context.Context, stats *tickStats, d telemetry.Decision) {
	if s.sink == nil {
		return
	}
	stats.sidecarPosts++
	s.sink.RecordDecision(ctx, d)
}

func (s *Scanner) emitTick(ctx context.Context, stats *tickStats) {
	if s.sink == nil {
		return
	}
	s.sink.RecordTick(ctx, telemetry.Tick{
		TS:               time.Now().UTC(),
		EventDriven:      s.cfg.EventDriven,
		TickMS:           float64(time.Since(stats.start).Milliseconds()),
		TradeableMarkets: stats.tradeableMarkets,
		EvaluatedMarkets: stats.evaluatedMarkets,
		DirtyTokens:      stats.dirtyTokens,
		GammaCalls:       stats.gammaCalls,
		CLOBCalls:        stats.clobCalls,
		// +1 counts this tick post itself, mirroring decision-post accounting.
		SidecarPosts:    stats.sidecarPosts + 1,
		EdgesSeen:       stats.edgesSeen,
		EdgesActionable: stats.edgesActionable,
		ActionsTaken:    stats.actionsTaken,
		LastError:       stats.lastError,
	})
}
