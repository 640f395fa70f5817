package scanner

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bracketarb/internal/evaluator"
	"bracketarb/internal/executor"
	"bracketarb/internal/telemetry"
	"bracketarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func level(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: d(price), Size: d(size)}
}

// fakeCatalog implements catalogSource with a fixed tradeable set; Resolve
// is a no-op since tests seed the set directly.
type fakeCatalog struct {
	needsRefresh bool
	tradeable    map[string]types.MarketMetadata
	resolveCalls int
}

func (f *fakeCatalog) NeedsRefresh(now time.Time) bool { return f.needsRefresh }
func (f *fakeCatalog) Resolve(ctx context.Context, slugs []string) ([]types.MarketMetadata, error) {
	f.resolveCalls++
	return nil, nil
}
func (f *fakeCatalog) Tradeable(now time.Time) map[string]types.MarketMetadata { return f.tradeable }

// fakeBooks implements bookSource over a plain map, with manual dirty/notify
// control so tests can drive the event-driven path deterministically.
type fakeBooks struct {
	mu     sync.Mutex
	books  map[string]types.MarketBook
	dirty  []string
	notify chan struct{}
}

func newFakeBooks() *fakeBooks {
	return &fakeBooks{books: make(map[string]types.MarketBook), notify: make(chan struct{}, 1)}
}

func (f *fakeBooks) set(tokenID string, up []types.PriceLevel, down []types.PriceLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[tokenID] = types.MarketBook{TokenID: tokenID, BidLevels: up, AskLevels: down, LastUpdateTS: time.Now().UTC()}
}

func (f *fakeBooks) Bracket(upToken, downToken string) (types.BracketBooks, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok1 := f.books[upToken]
	down, ok2 := f.books[downToken]
	if !ok1 || !ok2 {
		return types.BracketBooks{}, false
	}
	return types.BracketBooks{UpBook: up, DownBook: down, TakenAt: time.Now().UTC()}, true
}

func (f *fakeBooks) Updates() <-chan struct{} { return f.notify }

func (f *fakeBooks) TakeDirty() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.dirty
	f.dirty = nil
	return out
}

func (f *fakeBooks) ApplySnapshot(tokenID string, bids, asks []types.PriceLevel, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[tokenID] = types.MarketBook{TokenID: tokenID, BidLevels: bids, AskLevels: asks, LastUpdateTS: ts}
}

func (f *fakeBooks) markDirty(tokenID string) {
	f.mu.Lock()
	f.dirty = append(f.dirty, tokenID)
	f.mu.Unlock()
}

// fakeRest never serves books; REST fallback is exercised in evaluateMarket
// tests only when a market's books are absent from fakeBooks entirely, which
// none of these tests rely on (every market is pre-seeded in fakeBooks).
type fakeRest struct{ calls int }

func (f *fakeRest) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	f.calls++
	return nil, context.DeadlineExceeded
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []executor.Request
	ok     bool
	reason executor.RejectReason
	err    error
}

func (f *fakeExecutor) ExecuteBracket(ctx context.Context, req executor.Request) (bool, executor.RejectReason, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.ok, f.reason, f.err
}

type fakeOpenCheck struct{ open map[string]bool }

func (f *fakeOpenCheck) HasOpenBySlug(ctx context.Context, slug string) (bool, error) {
	return f.open[slug], nil
}

// recordingSink captures every Decision/Tick for assertions.
type recordingSink struct {
	mu        sync.Mutex
	decisions []telemetry.Decision
	ticks     int
}

func newRecordingSink() *recordingSink { return &recordingSink{} }

func (r *recordingSink) RecordDecision(ctx context.Context, d telemetry.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recordingSink) RecordTick(ctx context.Context, t telemetry.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
}

func (r *recordingSink) codes() []telemetry.DecisionCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]telemetry.DecisionCode, len(r.decisions))
	for i, d := range r.decisions {
		out[i] = d.Code
	}
	return out
}

func testMeta(slug, up, down string, expirySec time.Duration) types.MarketMetadata {
	return types.MarketMetadata{
		Slug:        slug,
		Question:    slug + " question",
		UpTokenID:   up,
		DownTokenID: down,
		EndTime:     time.Now().UTC().Add(expirySec),
	}
}

func evalCfg() evaluator.Config {
	return evaluator.Config{
		MinEdgeCents:        d("1"),
		MaxSpread:           d("0.03"),
		MinDepthNotional:    d("50"),
		MaxPositionNotional: d("40"),
		BinarySearchIters:   20,
	}
}

func TestTickEmitsNoTradeableWhenCatalogEmpty(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{tradeable: map[string]types.MarketMetadata{}}
	books := newFakeBooks()
	exec := &fakeExecutor{}
	openCheck := &fakeOpenCheck{open: map[string]bool{}}
	sink := newRecordingSink()

	s := New(DefaultConfig(), evalCfg(), cat, books, &fakeRest{}, exec, openCheck, sink, testLogger())
	s.tick(context.Background())

	if len(exec.calls) != 0 {
		t.Errorf("expected no executor calls, got %d", len(exec.calls))
	}
	codes := sink.codes()
	if len(codes) != 1 || codes[0] != telemetry.CodeNoTradeable {
		t.Errorf("decisions = %v, want exactly [NO_TRADEABLE]", codes)
	}
	if sink.ticks != 1 {
		t.Errorf("expected exactly 1 tick emitted, got %d", sink.ticks)
	}
}

func TestTickSkipsBracketWithOpenExecution(t *testing.T) {
	t.Parallel()

	meta := testMeta("btc-updown-15m-1", "up-1", "down-1", 5*time.Minute)
	cat := &fakeCatalog{tradeable: map[string]types.MarketMetadata{meta.Slug: meta}}
	books := newFakeBooks()
	books.set("up-1", []types.PriceLevel{level("0.49", "100")}, []types.PriceLevel{level("0.51", "100")})
	books.set("down-1", []types.PriceLevel{level("0.49", "100")}, []types.PriceLevel{level("0.51", "100")})
	exec := &fakeExecutor{}
	openCheck := &fakeOpenCheck{open: map[string]bool{meta.Slug: true}}

	cfg := DefaultConfig()
	cfg.EventDriven = false
	s := New(cfg, evalCfg(), cat, books, &fakeRest{}, exec, openCheck, nil, testLogger())
	s.tick(context.Background())

	if len(exec.calls) != 0 {
		t.Errorf("expected no executor calls for a slug with an open execution, got %d", len(exec.calls))
	}
}

func TestTickRoutesActionableEdgeAboveThresholdToExecutor(t *testing.T) {
	t.Parallel()

	meta := testMeta("btc-updown-15m-2", "up-2", "down-2", 5*time.Minute)
	cat := &fakeCatalog{tradeable: map[string]types.MarketMetadata{meta.Slug: meta}}
	books := newFakeBooks()
	// Sum of asks well under 1.0 => large edge, comfortably above the 2c
	// auto-execute threshold and the 1c min-edge floor.
	books.set("up-2", []types.PriceLevel{level("0.44", "200")}, []types.PriceLevel{level("0.45", "200")})
	books.set("down-2", []types.PriceLevel{level("0.44", "200")}, []types.PriceLevel{level("0.45", "200")})
	exec := &fakeExecutor{ok: true, reason: executor.RejectNone}
	openCheck := &fakeOpenCheck{open: map[string]bool{}}
	sink := newRecordingSink()

	cfg := DefaultConfig()
	cfg.EventDriven = false
	s := New(cfg, evalCfg(), cat, books, &fakeRest{}, exec, openCheck, sink, testLogger())
	s.tick(context.Background())

	if len(exec.calls) != 1 {
		t.Fatalf("expected exactly 1 executor call, got %d", len(exec.calls))
	}
	if exec.calls[0].Slug != meta.Slug {
		t.Errorf("routed slug = %q, want %q", exec.calls[0].Slug, meta.Slug)
	}
	if !exec.calls[0].TargetShares.IsPositive() {
		t.Error("expected a positive target share size")
	}

	codes := sink.codes()
	if len(codes) == 0 || codes[0] != telemetry.CodeActionable {
		t.Errorf("expected an ACTIONABLE decision first, got %v", codes)
	}
}

func TestRouteUsesBestAskNotAverageCostForPriceLimit(t *testing.T) {
	t.Parallel()

	// Two ask levels on the up leg: the ladder walk consumes both to fill
	// 105 shares, so the volume-weighted average (≈0.4571) sits below the
	// price of the deepest level (0.60) the walk actually touched. A GTC
	// order must be limited off the best ask, not that average, or it
	// under-fills at the exchange.
	meta := testMeta("btc-updown-15m-avg", "up-avg", "down-avg", 5*time.Minute)
	books := types.BracketBooks{
		UpBook: types.MarketBook{
			TokenID:   "up-avg",
			AskLevels: []types.PriceLevel{level("0.45", "100"), level("0.60", "5")},
		},
		DownBook: types.MarketBook{
			TokenID:   "down-avg",
			AskLevels: []types.PriceLevel{level("0.30", "200")},
		},
	}

	shares := d("105")
	upCost, avgUp, ok := costToFillForTest(books.UpBook.AskLevels, shares)
	if !ok {
		t.Fatal("expected up leg fillable at 105 shares")
	}
	if !avgUp.LessThan(d("0.60")) {
		t.Fatalf("expected avg price %s below the deepest level touched (0.60)", avgUp)
	}
	downCost, _, ok := costToFillForTest(books.DownBook.AskLevels, shares)
	if !ok {
		t.Fatal("expected down leg fillable at 105 shares")
	}

	result := evaluator.Result{
		Actionable: true,
		Order: types.OptimalOrder{
			TargetShares:      shares,
			UpCost:            upCost,
			DownCost:          downCost,
			TotalCost:         upCost.Add(downCost),
			ExpectedEdgeCents: d("5"),
		},
	}

	exec := &fakeExecutor{ok: true, reason: executor.RejectNone}
	s := New(DefaultConfig(), evalCfg(), &fakeCatalog{}, newFakeBooks(), &fakeRest{}, exec, &fakeOpenCheck{}, nil, testLogger())
	s.route(context.Background(), meta, books, result, &tickStats{})

	if len(exec.calls) != 1 {
		t.Fatalf("expected exactly 1 executor call, got %d", len(exec.calls))
	}
	wantUpLimit := d("0.45").Mul(d("1").Add(DefaultConfig().LimitPriceSlippage))
	gotUpLimit := exec.calls[0].UpPriceLimit
	if !gotUpLimit.Equal(wantUpLimit) {
		t.Errorf("UpPriceLimit = %s, want %s (best ask * (1+slippage))", gotUpLimit, wantUpLimit)
	}
	if gotUpLimit.Equal(avgUp) {
		t.Error("UpPriceLimit must not equal the ladder-walk average cost")
	}
}

// costToFillForTest mirrors evaluator.costToFill's unexported ladder walk so
// this test can derive a realistic Order without reaching into the
// evaluator package.
func costToFillForTest(levels []types.PriceLevel, target decimal.Decimal) (decimal.Decimal, decimal.Decimal, bool) {
	remaining := target
	total := decimal.Zero
	for _, lvl := range levels {
		take := lvl.Size
		if take.GreaterThan(remaining) {
			take = remaining
		}
		total = total.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
	}
	if remaining.GreaterThan(decimal.Zero) {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	return total, total.Div(target), true
}

func TestTickEventDrivenOnlyScansDirtyTokensUpToCap(t *testing.T) {
	t.Parallel()

	metaA := testMeta("btc-updown-15m-a", "up-a", "down-a", 5*time.Minute)
	metaB := testMeta("btc-updown-15m-b", "up-b", "down-b", 5*time.Minute)
	cat := &fakeCatalog{tradeable: map[string]types.MarketMetadata{
		metaA.Slug: metaA,
		metaB.Slug: metaB,
	}}
	books := newFakeBooks()
	books.set("up-a", []types.PriceLevel{level("0.44", "200")}, []types.PriceLevel{level("0.45", "200")})
	books.set("down-a", []types.PriceLevel{level("0.44", "200")}, []types.PriceLevel{level("0.45", "200")})
	books.set("up-b", []types.PriceLevel{level("0.44", "200")}, []types.PriceLevel{level("0.45", "200")})
	books.set("down-b", []types.PriceLevel{level("0.44", "200")}, []types.PriceLevel{level("0.45", "200")})
	books.markDirty("up-a") // only market A's token is dirty

	exec := &fakeExecutor{ok: true}
	openCheck := &fakeOpenCheck{open: map[string]bool{}}

	cfg := DefaultConfig()
	cfg.EventWaitSec = 0
	cfg.EventMaxMarketsPerTick = 8
	s := New(cfg, evalCfg(), cat, books, &fakeRest{}, exec, openCheck, nil, testLogger())
	s.tick(context.Background())

	if len(exec.calls) != 1 {
		t.Fatalf("expected exactly 1 executor call (market B was never dirty), got %d", len(exec.calls))
	}
	if exec.calls[0].Slug != metaA.Slug {
		t.Errorf("routed slug = %q, want %q", exec.calls[0].Slug, metaA.Slug)
	}
}

func TestTickNeverPanicsWithNilSink(t *testing.T) {
	// Telemetry is best-effort and optional: a nil sink must not crash the
	// tick loop.
	t.Parallel()

	cat := &fakeCatalog{tradeable: map[string]types.MarketMetadata{}}
	books := newFakeBooks()
	exec := &fakeExecutor{}
	openCheck := &fakeOpenCheck{open: map[string]bool{}}

	s := New(DefaultConfig(), evalCfg(), cat, books, &fakeRest{}, exec, openCheck, nil, testLogger())
	s.tick(context.Background())
}
