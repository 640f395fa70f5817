package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bracketarb/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brackets.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(executionID string) *types.ExecutionRecord {
	return &types.ExecutionRecord{
		ExecutionID:            executionID,
		Slug:                   "btc-updown-15m-1234",
		UpToken:                "up-token",
		DownToken:              "down-token",
		TargetShares:           decimal.NewFromInt(40),
		State:                  types.StatePlanned,
		EstimatedTotalNotional: decimal.NewFromInt(40),
		BackendTag:             "direct-clob",
	}
}

func TestUpsertThenGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("exec-1")
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set on first insert")
	}

	got, err := s.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record, got nil")
	}
	if got.State != types.StatePlanned {
		t.Errorf("state = %q, want PLANNED", got.State)
	}
	if !got.TargetShares.Equal(decimal.NewFromInt(40)) {
		t.Errorf("target_shares = %s, want 40", got.TargetShares)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing execution, got %+v", got)
	}
}

func TestUpsertPreservesCreatedAtAcrossTransitions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("exec-2")
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert (insert): %v", err)
	}
	firstCreated := rec.CreatedAt

	rec.State = types.StateLegAPlaced
	rec.LegAExternalID = "order-abc"
	rec.CreatedAt = time.Time{} // caller shouldn't need to track this themselves
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}

	got, err := s.Get(ctx, "exec-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != types.StateLegAPlaced {
		t.Errorf("state = %q, want LEG_A_PLACED", got.State)
	}
	if got.LegAExternalID != "order-abc" {
		t.Errorf("leg_a_external_id = %q, want order-abc", got.LegAExternalID)
	}
	if !got.CreatedAt.Equal(firstCreated) {
		t.Errorf("created_at = %v, want the first insert's %v", got.CreatedAt, firstCreated)
	}
}

func TestCountOpenNonTerminal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsertState(t, s, "exec-open-1", types.StatePlanned)
	mustUpsertState(t, s, "exec-open-2", types.StateLegBPlaced)
	mustUpsertState(t, s, "exec-done", types.StateDone)
	mustUpsertState(t, s, "exec-aborted", types.StateAborted)

	count, err := s.CountOpenNonTerminal(ctx)
	if err != nil {
		t.Fatalf("CountOpenNonTerminal: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestSumEstimatedNotionalForUTCDay(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	today := time.Now().UTC()

	recA := sampleRecord("exec-today-a")
	recA.EstimatedTotalNotional = decimal.NewFromInt(40)
	recA.CreatedAt = today
	if err := s.Upsert(ctx, recA); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	recB := sampleRecord("exec-today-b")
	recB.EstimatedTotalNotional = decimal.NewFromInt(25)
	recB.CreatedAt = today
	if err := s.Upsert(ctx, recB); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	recOld := sampleRecord("exec-yesterday")
	recOld.EstimatedTotalNotional = decimal.NewFromInt(1000)
	recOld.CreatedAt = today.AddDate(0, 0, -1)
	if err := s.Upsert(ctx, recOld); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	sum, err := s.SumEstimatedNotionalForUTCDay(ctx, today)
	if err != nil {
		t.Fatalf("SumEstimatedNotionalForUTCDay: %v", err)
	}
	if !sum.Equal(decimal.NewFromInt(65)) {
		t.Errorf("sum = %s, want 65 (yesterday's 1000 must be excluded)", sum)
	}
}

func TestListAbortedWithOpenLegA(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	unhedged := sampleRecord("exec-unhedged")
	unhedged.State = types.StateAborted
	unhedged.LegAExternalID = "order-a"
	if err := s.Upsert(ctx, unhedged); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hedged := sampleRecord("exec-hedged-aborted")
	hedged.State = types.StateAborted
	hedged.LegAExternalID = "order-a2"
	hedged.LegBExternalID = "order-b2"
	if err := s.Upsert(ctx, hedged); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	notAborted := sampleRecord("exec-still-open")
	notAborted.State = types.StateLegAPlaced
	notAborted.LegAExternalID = "order-a3"
	if err := s.Upsert(ctx, notAborted); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.ListAbortedWithOpenLegA(ctx)
	if err != nil {
		t.Fatalf("ListAbortedWithOpenLegA: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 unhedged aborted record, got %d", len(got))
	}
	if got[0].ExecutionID != "exec-unhedged" {
		t.Errorf("execution_id = %q, want exec-unhedged", got[0].ExecutionID)
	}
}

func TestListResumable(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsertState(t, s, "exec-resume-a", types.StateLegAPlaced)
	mustUpsertState(t, s, "exec-resume-b", types.StateLegBPlaced)
	mustUpsertState(t, s, "exec-done", types.StateDone)
	mustUpsertState(t, s, "exec-planned", types.StatePlanned)

	got, err := s.ListResumable(ctx)
	if err != nil {
		t.Fatalf("ListResumable: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 resumable records, got %d", len(got))
	}
}

func TestHasOpenBySlug(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	open, err := s.HasOpenBySlug(ctx, "btc-updown-15m-1234")
	if err != nil {
		t.Fatalf("HasOpenBySlug: %v", err)
	}
	if open {
		t.Fatal("expected no open execution before any record exists")
	}

	mustUpsertState(t, s, "exec-open-slug", types.StateLegAPlaced)

	open, err = s.HasOpenBySlug(ctx, "btc-updown-15m-1234")
	if err != nil {
		t.Fatalf("HasOpenBySlug: %v", err)
	}
	if !open {
		t.Error("expected an open execution once a non-terminal record exists for the slug")
	}

	rec, err := s.Get(ctx, "exec-open-slug")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rec.State = types.StateDone
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert (done): %v", err)
	}

	open, err = s.HasOpenBySlug(ctx, "btc-updown-15m-1234")
	if err != nil {
		t.Fatalf("HasOpenBySlug: %v", err)
	}
	if open {
		t.Error("expected no open execution once the only record reached DONE")
	}
}

func mustUpsertState(t *testing.T, s *Store, executionID string, state types.ExecutionState) {
	t.Helper()
	rec := sampleRecord(executionID)
	rec.State = state
	if err := s.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("Upsert(%s): %v", executionID, err)
	}
}
