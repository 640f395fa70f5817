// Package book is a local mirror of the CLOB order book for every tracked
// token, kept current from REST snapshots and WebSocket deltas. It tracks
// an arbitrary set of token IDs concurrently, since the scanner follows
// many brackets' UP/DOWN tokens at once.
package book

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bracketarb/pkg/types"
)

// Store holds the latest MarketBook for every tracked token ID, keyed by
// token ID. A single RWMutex guards the whole map; callers receive cloned
// snapshots (types.MarketBook.Clone), never live references into the
// internal book state, so a held snapshot can never be mutated out from
// under its reader.
type Store struct {
	mu     sync.RWMutex
	books  map[string]types.MarketBook
	dirty  map[string]struct{}
	notify chan struct{}
}

// NewStore creates an empty book store.
func NewStore() *Store {
	return &Store{
		books:  make(map[string]types.MarketBook),
		dirty:  make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Updates returns a channel that receives a signal whenever one or more
// books change. The channel is coalescing: a burst of updates produces at
// most one pending signal, so consumers should drain the dirty set via
// TakeDirty rather than count receives.
func (s *Store) Updates() <-chan struct{} { return s.notify }

func (s *Store) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// ApplySnapshot installs a full order book for tokenID, replacing whatever
// was there (REST load, or a WS "book" event).
func (s *Store) ApplySnapshot(tokenID string, bids, asks []types.PriceLevel, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.books[tokenID] = types.MarketBook{
		TokenID:      tokenID,
		BidLevels:    cloneLevels(bids),
		AskLevels:    cloneLevels(asks),
		LastUpdateTS: ts,
	}
	s.dirty[tokenID] = struct{}{}
	s.wake()
}

// PriceChange is a single incremental level update: size 0 removes the
// level entirely, any other size upserts it.
type PriceChange struct {
	TokenID string
	Side    string // "BUY" (bid) or "SELL" (ask)
	Price   decimal.Decimal
	Size    decimal.Decimal
}

// ApplyPriceChanges merges a batch of incremental deltas into the existing
// book for each token: deltas for a token not yet seen are dropped, since a
// delta can't be safely applied without a prior snapshot to delta against.
func (s *Store) ApplyPriceChanges(changes []PriceChange, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[string]struct{})
	for _, c := range changes {
		b, ok := s.books[c.TokenID]
		if !ok {
			continue
		}
		switch c.Side {
		case "BUY":
			b.BidLevels = mergeLevel(b.BidLevels, c.Price, c.Size, true)
		case "SELL":
			b.AskLevels = mergeLevel(b.AskLevels, c.Price, c.Size, false)
		default:
			continue
		}
		b.LastUpdateTS = ts
		s.books[c.TokenID] = b
		touched[c.TokenID] = struct{}{}
	}
	if len(touched) == 0 {
		return
	}
	for id := range touched {
		s.dirty[id] = struct{}{}
	}
	s.wake()
}

// mergeLevel upserts or removes a single price level, keeping bids sorted
// descending and asks sorted ascending.
func mergeLevel(levels []types.PriceLevel, price, size decimal.Decimal, descending bool) []types.PriceLevel {
	idx := -1
	for i, l := range levels {
		if l.Price.Equal(price) {
			idx = i
			break
		}
	}

	if size.IsZero() {
		if idx == -1 {
			return levels
		}
		return append(levels[:idx], levels[idx+1:]...)
	}

	if idx != -1 {
		levels[idx].Size = size
		return levels
	}

	insertAt := len(levels)
	for i, l := range levels {
		if descending && price.GreaterThan(l.Price) {
			insertAt = i
			break
		}
		if !descending && price.LessThan(l.Price) {
			insertAt = i
			break
		}
	}
	out := make([]types.PriceLevel, 0, len(levels)+1)
	out = append(out, levels[:insertAt]...)
	out = append(out, types.PriceLevel{Price: price, Size: size})
	out = append(out, levels[insertAt:]...)
	return out
}

// Get returns a cloned snapshot of the book for tokenID.
func (s *Store) Get(tokenID string) (types.MarketBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[tokenID]
	if !ok {
		return types.MarketBook{}, false
	}
	return b.Clone(), true
}

// Bracket returns cloned snapshots of both legs of a bracket.
func (s *Store) Bracket(upToken, downToken string) (types.BracketBooks, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	up, ok1 := s.books[upToken]
	down, ok2 := s.books[downToken]
	if !ok1 || !ok2 {
		return types.BracketBooks{}, false
	}
	return types.BracketBooks{
		UpBook:   up.Clone(),
		DownBook: down.Clone(),
		TakenAt:  time.Now().UTC(),
	}, true
}

// TakeDirty returns and clears the set of token IDs that changed since the
// last call.
func (s *Store) TakeDirty() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		out = append(out, id)
	}
	s.dirty = make(map[string]struct{})
	return out
}

// Forget removes a token's book entirely, used once a market's bucket has
// expired and its tokens are no longer tracked.
func (s *Store) Forget(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, tokenID)
	delete(s.dirty, tokenID)
}

func cloneLevels(in []types.PriceLevel) []types.PriceLevel {
	if in == nil {
		return nil
	}
	out := make([]types.PriceLevel, len(in))
	copy(out, in)
	return out
}
