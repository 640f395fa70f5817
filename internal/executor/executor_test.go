package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bracketarb/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory executionStore fake, grounded on the same
// upsert-by-execution_id shape as store.Store but without SQLite.
type memStore struct {
	mu      sync.Mutex
	records map[string]types.ExecutionRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]types.ExecutionRecord)}
}

func (m *memStore) Get(ctx context.Context, executionID string) (*types.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[executionID]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (m *memStore) Upsert(ctx context.Context, rec *types.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[rec.ExecutionID] = *rec
	return nil
}

// fakeRisk is a permissive riskRegister fake; individual tests override
// fields to force specific rejections.
type fakeRisk struct {
	tradingEnabled bool
	openCount      int
	dailySum       decimal.Decimal
}

func (f *fakeRisk) TradingEnabled() bool { return f.tradingEnabled }
func (f *fakeRisk) CountOpenNonTerminal(ctx context.Context) (int, error) {
	return f.openCount, nil
}
func (f *fakeRisk) SumEstimatedNotionalForUTCDay(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	return f.dailySum, nil
}

// fakePlacer mirrors the Python original's FakeLegExecutor: records every
// call and lets tests script per-call fill outcomes.
type fakePlacer struct {
	mu    sync.Mutex
	calls []string

	placeErr     error
	legAFills    bool
	legBFills    bool
	nextOrderSeq int
	cancelCalls  []string
}

func newFakePlacer() *fakePlacer {
	return &fakePlacer{legAFills: true, legBFills: true}
}

func (f *fakePlacer) PlaceLimit(ctx context.Context, order types.UserOrder) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextOrderSeq++
	f.calls = append(f.calls, fmt.Sprintf("place:%s", order.TokenID))
	if f.placeErr != nil {
		return "", "", f.placeErr
	}
	return fmt.Sprintf("order-%d", f.nextOrderSeq), fmt.Sprintf(`{"order_id":"order-%d"}`, f.nextOrderSeq), nil
}

func (f *fakePlacer) WaitUntilFilled(ctx context.Context, orderID string, targetSize decimal.Decimal, timeout time.Duration) (bool, types.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("confirm:%s", orderID))

	fills := f.legAFills
	if len(f.calls) > 0 {
		// Distinguish leg A vs leg B confirmation by call-order parity: the
		// executor always confirms leg A (2nd call) before leg B (4th call).
		if f.countPhase("confirm") == 2 {
			fills = f.legBFills
		}
	}
	if fills {
		return true, types.OpenOrder{ID: orderID, Status: "FILLED"}, nil
	}
	return false, types.OpenOrder{ID: orderID, Status: "live"}, nil
}

func (f *fakePlacer) countPhase(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakePlacer) Cancel(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, orderID)
	return nil
}

func (f *fakePlacer) GetOrder(ctx context.Context, orderID string) (types.OpenOrder, error) {
	return types.OpenOrder{ID: orderID, Status: "FILLED"}, nil
}

func testRequest(executionID string) Request {
	return Request{
		ExecutionID:            executionID,
		Slug:                   "btc-updown-15m-1234",
		UpToken:                "up-token",
		DownToken:              "down-token",
		TargetShares:           d("10"),
		UpPriceLimit:           d("0.51"),
		DownPriceLimit:         d("0.51"),
		EstimatedTotalNotional: d("10"),
	}
}

func TestDeriveExecutionIDIsDeterministic(t *testing.T) {
	t.Parallel()

	a := DeriveExecutionID("slug-1", "up", "down", d("40.001"))
	b := DeriveExecutionID("slug-1", "up", "down", d("40.009"))
	if a != b {
		t.Errorf("expected quantization to collapse 40.001 and 40.009 to the same id, got %q vs %q", a, b)
	}

	c := DeriveExecutionID("slug-1", "up", "down", d("41"))
	if a == c {
		t.Error("expected a different target_shares to produce a different execution_id")
	}
}

func TestExecuteBracketHappyPathReachesDone(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	risk := &fakeRisk{tradingEnabled: true}
	pl := newFakePlacer()
	ex := New(st, risk, pl, DefaultConfig(), true, decimal.Zero, decimal.Zero, 10, testLogger())

	req := testRequest("exec-happy")
	ok, reason, err := ex.ExecuteBracket(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecuteBracket: %v", err)
	}
	if !ok || reason != RejectNone {
		t.Fatalf("expected success, got ok=%v reason=%q", ok, reason)
	}

	rec, err := st.Get(context.Background(), "exec-happy")
	if err != nil || rec == nil {
		t.Fatalf("expected a persisted record, err=%v rec=%v", err, rec)
	}
	if rec.State != types.StateDone {
		t.Errorf("state = %q, want DONE", rec.State)
	}
	if rec.LegAExternalID == "" || rec.LegBExternalID == "" {
		t.Error("expected both leg external IDs to be persisted")
	}
}

func TestExecuteBracketIsIdempotentOnSecondCall(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	risk := &fakeRisk{tradingEnabled: true}
	pl := newFakePlacer()
	ex := New(st, risk, pl, DefaultConfig(), true, decimal.Zero, decimal.Zero, 10, testLogger())

	req := testRequest("exec-idempotent")
	if _, _, err := ex.ExecuteBracket(context.Background(), req); err != nil {
		t.Fatalf("first ExecuteBracket: %v", err)
	}
	callsAfterFirst := len(pl.calls)

	ok, _, err := ex.ExecuteBracket(context.Background(), req)
	if err != nil {
		t.Fatalf("second ExecuteBracket: %v", err)
	}
	if !ok {
		t.Error("expected second call on a DONE record to report success")
	}
	if len(pl.calls) != callsAfterFirst {
		t.Errorf("expected no new placer calls on idempotent replay, got %d new", len(pl.calls)-callsAfterFirst)
	}
}

func TestExecuteBracketRejectsWhenTradingDisabledAndNotDryRun(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	risk := &fakeRisk{tradingEnabled: false}
	pl := newFakePlacer()
	ex := New(st, risk, pl, DefaultConfig(), false, decimal.Zero, decimal.Zero, 10, testLogger())

	ok, reason, err := ex.ExecuteBracket(context.Background(), testRequest("exec-disabled"))
	if err != nil {
		t.Fatalf("ExecuteBracket: %v", err)
	}
	if ok || reason != RejectTradingDisabled {
		t.Errorf("expected RejectTradingDisabled, got ok=%v reason=%q", ok, reason)
	}
	if len(pl.calls) != 0 {
		t.Error("expected no placer calls when trading is disabled")
	}
}

func TestExecuteBracketRejectsOverPerBracketCap(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	risk := &fakeRisk{tradingEnabled: true}
	pl := newFakePlacer()
	ex := New(st, risk, pl, DefaultConfig(), true, d("5"), decimal.Zero, 10, testLogger())

	req := testRequest("exec-cap")
	req.EstimatedTotalNotional = d("10")
	ok, reason, err := ex.ExecuteBracket(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecuteBracket: %v", err)
	}
	if ok || reason != RejectPerBracketCap {
		t.Errorf("expected RejectPerBracketCap, got ok=%v reason=%q", ok, reason)
	}
}

func TestExecuteBracketRejectsOverOpenBracketsCap(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	risk := &fakeRisk{tradingEnabled: true, openCount: 2}
	pl := newFakePlacer()
	ex := New(st, risk, pl, DefaultConfig(), true, decimal.Zero, decimal.Zero, 2, testLogger())

	ok, reason, err := ex.ExecuteBracket(context.Background(), testRequest("exec-open-cap"))
	if err != nil {
		t.Fatalf("ExecuteBracket: %v", err)
	}
	if ok || reason != RejectOpenBracketsCap {
		t.Errorf("expected RejectOpenBracketsCap, got ok=%v reason=%q", ok, reason)
	}
}

// P5: the persisted state sequence is a prefix of a valid DAG path;
// a leg-B timeout aborts without touching leg A's external ID.
func TestExecuteBracketLegBTimeoutAbortsWithoutUnwindingLegA(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	risk := &fakeRisk{tradingEnabled: true}
	pl := newFakePlacer()
	pl.legBFills = false
	ex := New(st, risk, pl, DefaultConfig(), true, decimal.Zero, decimal.Zero, 10, testLogger())

	ok, _, err := ex.ExecuteBracket(context.Background(), testRequest("exec-legb-timeout"))
	if err != nil {
		t.Fatalf("ExecuteBracket: %v", err)
	}
	if ok {
		t.Fatal("expected leg B timeout to abort, not succeed")
	}

	rec, err := st.Get(context.Background(), "exec-legb-timeout")
	if err != nil || rec == nil {
		t.Fatalf("expected a persisted record, err=%v rec=%v", err, rec)
	}
	if rec.State != types.StateAborted {
		t.Errorf("state = %q, want ABORTED", rec.State)
	}
	if rec.LegAExternalID == "" {
		t.Error("expected leg A external id to remain recorded for the exit manager")
	}
	if !rec.State.Terminal() {
		t.Error("expected ABORTED to be a terminal state")
	}
}

// P6: resuming a crashed LEG_A_PLACED record never places leg A twice.
func TestResumeAllDoesNotRePlaceLegA(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	risk := &fakeRisk{tradingEnabled: true}
	pl := newFakePlacer()
	ex := New(st, risk, pl, DefaultConfig(), true, decimal.Zero, decimal.Zero, 10, testLogger())

	crashed := types.ExecutionRecord{
		ExecutionID:            "exec-crashed",
		Slug:                   "btc-updown-15m-1234",
		UpToken:                "up-token",
		DownToken:              "down-token",
		TargetShares:           d("10"),
		State:                  types.StateLegAPlaced,
		LegAExternalID:         "order-pre-crash",
		EstimatedTotalNotional: d("10"),
	}
	if err := st.Upsert(context.Background(), &crashed); err != nil {
		t.Fatalf("seed crashed record: %v", err)
	}

	ex.ResumeAll(context.Background(), []types.ExecutionRecord{crashed})

	for _, call := range pl.calls {
		if call == "place:up-token" {
			t.Errorf("expected leg A to never be re-placed on resume, but saw %q", call)
		}
	}

	rec, err := st.Get(context.Background(), "exec-crashed")
	if err != nil || rec == nil {
		t.Fatalf("expected a persisted record, err=%v rec=%v", err, rec)
	}
	if rec.State != types.StateDone && rec.State != types.StateLegAFilled {
		t.Errorf("state = %q, want DONE or LEG_A_FILLED after resume", rec.State)
	}
}
