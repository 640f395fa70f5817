package book

import (
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

func TestApplySnapshotThenGet(t *testing.T) {
	t.Parallel()

	s := NewStore()
	now := time.Now().UTC()
	s.ApplySnapshot("tok1", []types.PriceLevel{{Price: d("0.55"), Size: d("100")}}, []types.PriceLevel{{Price: d("0.56"), Size: d("50")}}, now)

	got, ok := s.Get("tok1")
	if !ok {
		t.Fatal("expected book to be present after snapshot")
	}
	bid, ok := got.BestBid()
	if !ok || !bid.Price.Equal(d("0.55")) {
		t.Errorf("unexpected best bid: %+v ok=%v", bid, ok)
	}
}

func TestGetReturnsIndependentClone(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplySnapshot("tok1", []types.PriceLevel{{Price: d("0.5"), Size: d("10")}}, nil, time.Now().UTC())

	got, _ := s.Get("tok1")
	got.BidLevels[0].Price = d("0.99")

	got2, _ := s.Get("tok1")
	if got2.BidLevels[0].Price.Equal(d("0.99")) {
		t.Error("mutating a returned clone affected the store's internal state")
	}
}

// P3: book monotonicity — deltas applied to a snapshot never produce
// crossed or duplicate-priced levels.
func TestApplyPriceChangesUpsertAndRemove(t *testing.T) {
	t.Parallel()

	s := NewStore()
	now := time.Now().UTC()
	s.ApplySnapshot("tok1",
		[]types.PriceLevel{{Price: d("0.50"), Size: d("10")}},
		[]types.PriceLevel{{Price: d("0.55"), Size: d("10")}},
		now,
	)

	// Upsert a new bid level above the existing one.
	s.ApplyPriceChanges([]PriceChange{
		{TokenID: "tok1", Side: "BUY", Price: d("0.52"), Size: d("5")},
	}, now.Add(time.Second))

	got, _ := s.Get("tok1")
	if len(got.BidLevels) != 2 {
		t.Fatalf("expected 2 bid levels after upsert, got %d", len(got.BidLevels))
	}
	if !got.BidLevels[0].Price.Equal(d("0.52")) {
		t.Errorf("expected 0.52 to sort first (descending), got %+v", got.BidLevels)
	}

	// Remove the original level via a zero-size delta.
	s.ApplyPriceChanges([]PriceChange{
		{TokenID: "tok1", Side: "BUY", Price: d("0.50"), Size: decimal.Zero},
	}, now.Add(2*time.Second))

	got, _ = s.Get("tok1")
	if len(got.BidLevels) != 1 {
		t.Fatalf("expected 1 bid level after removal, got %d", len(got.BidLevels))
	}
	if got.BidLevels[0].Price.Equal(d("0.50")) {
		t.Error("removed level still present")
	}
}

func TestApplyPriceChangesIgnoresUnseenToken(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplyPriceChanges([]PriceChange{
		{TokenID: "never-snapshotted", Side: "BUY", Price: d("0.5"), Size: d("1")},
	}, time.Now().UTC())

	if _, ok := s.Get("never-snapshotted"); ok {
		t.Error("a delta for a token with no prior snapshot should not create a book")
	}
}

func TestTakeDirtyDrainsAndResets(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplySnapshot("tok1", nil, nil, time.Now().UTC())
	s.ApplySnapshot("tok2", nil, nil, time.Now().UTC())

	dirty := s.TakeDirty()
	if len(dirty) != 2 {
		t.Fatalf("expected 2 dirty tokens, got %d", len(dirty))
	}
	if more := s.TakeDirty(); len(more) != 0 {
		t.Errorf("expected dirty set to be empty after draining, got %v", more)
	}
}

func TestBracketRequiresBothLegs(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplySnapshot("up", []types.PriceLevel{{Price: d("0.4"), Size: d("10")}}, nil, time.Now().UTC())

	if _, ok := s.Bracket("up", "down"); ok {
		t.Error("expected Bracket to fail when only one leg has a book")
	}

	s.ApplySnapshot("down", []types.PriceLevel{{Price: d("0.5"), Size: d("10")}}, nil, time.Now().UTC())
	bb, ok := s.Bracket("up", "down")
	if !ok {
		t.Fatal("expected Bracket to succeed once both legs have books")
	}
	if bb.UpBook.TokenID != "up" || bb.DownBook.TokenID != "down" {
		t.Errorf("unexpected bracket books: %+v", bb)
	}
}

func TestForgetRemovesBook(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplySnapshot("tok1", nil, nil, time.Now().UTC())
	s.Forget("tok1")

	if _, ok := s.Get("tok1"); ok {
		t.Error("expected book to be gone after Forget")
	}
}
