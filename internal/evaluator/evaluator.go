// Package evaluator is a pure function over a bracket's two order books
// that decides fillability, cost, and optimal size: same five-step
// rejection cascade and binary-search sizing bound throughout, built on
// exact decimal arithmetic rather than floats so size and edge selection
// stay reproducible.
package evaluator

import (
	"github.com/shopspring/decimal"

	"bracketarb/pkg/types"
)

// Config tunes rejection thresholds and the sizing search bound.
type Config struct {
	MinEdgeCents        decimal.Decimal
	MaxSpread           decimal.Decimal
	MinDepthNotional    decimal.Decimal
	MaxPositionNotional decimal.Decimal
	BinarySearchIters   int
}

// DefaultConfig returns the documented rejection thresholds and sizing defaults.
func DefaultConfig() Config {
	return Config{
		MinEdgeCents:        decimal.NewFromInt(1),
		MaxSpread:           decimal.NewFromFloat(0.03),
		MinDepthNotional:    decimal.NewFromInt(50),
		MaxPositionNotional: decimal.NewFromInt(40),
		BinarySearchIters:   20,
	}
}

// RejectReason enumerates why an Evaluate call declined to recommend a trade.
type RejectReason string

const (
	RejectNone          RejectReason = ""
	RejectEdgeTooSmall  RejectReason = "EDGE_TOO_SMALL"
	RejectSpreadTooWide RejectReason = "SPREAD_TOO_WIDE"
	RejectDepthTooThin  RejectReason = "DEPTH_TOO_THIN"
	RejectUnfillable    RejectReason = "UNFILLABLE"
	RejectNoSizeFound   RejectReason = "NO_SIZE_FOUND"
)

// Result is the evaluator's verdict for one bracket at one point in time.
type Result struct {
	Actionable bool
	Reason     RejectReason
	Order      types.OptimalOrder
}

// Evaluate runs the five-step algorithm against a snapshot of both legs'
// books. Pure: no I/O, no shared state, safe to call concurrently.
func Evaluate(books types.BracketBooks, cfg Config) Result {
	upAsk, ok := books.UpBook.BestAsk()
	if !ok {
		return Result{Reason: RejectUnfillable}
	}
	downAsk, ok := books.DownBook.BestAsk()
	if !ok {
		return Result{Reason: RejectUnfillable}
	}

	// Step 1: hot-path edge reject at best ask.
	sumAsks := upAsk.Price.Add(downAsk.Price)
	minEdgeFraction := cfg.MinEdgeCents.Div(decimal.NewFromInt(100))
	if sumAsks.GreaterThanOrEqual(decimal.NewFromInt(1).Sub(minEdgeFraction)) {
		return Result{Reason: RejectEdgeTooSmall}
	}

	// Step 2: spread reject.
	if spreadTooWide(books.UpBook, cfg.MaxSpread) || spreadTooWide(books.DownBook, cfg.MaxSpread) {
		return Result{Reason: RejectSpreadTooWide}
	}

	// Step 3: top-of-book depth reject.
	if upAsk.Notional().LessThan(cfg.MinDepthNotional) || downAsk.Notional().LessThan(cfg.MinDepthNotional) {
		return Result{Reason: RejectDepthTooThin}
	}

	// Steps 4-5: size selection via bounded binary search.
	shares, edgeCents, ok := optimalSize(books, cfg)
	if !ok || shares.IsZero() || shares.IsNegative() {
		return Result{Reason: RejectNoSizeFound}
	}

	upCost, _, upOk := costToFill(books.UpBook.AskLevels, shares)
	downCost, _, downOk := costToFill(books.DownBook.AskLevels, shares)
	if !upOk || !downOk {
		return Result{Reason: RejectUnfillable}
	}

	return Result{
		Actionable: true,
		Order: types.OptimalOrder{
			TargetShares:      shares,
			UpCost:            upCost,
			DownCost:          downCost,
			TotalCost:         upCost.Add(downCost),
			ExpectedEdgeCents: edgeCents,
		},
	}
}

func spreadTooWide(b types.MarketBook, maxSpread decimal.Decimal) bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return true // missing a side of the book: treat as unbounded spread
	}
	return ask.Price.Sub(bid.Price).GreaterThan(maxSpread)
}

// costToFill walks levels (already sorted ascending by price for asks) in
// order, accumulating the cheapest cost first to keep the running sum
// additively stable. Returns (totalCost, avgPrice, ok); ok=false means the
// ladder exhausted before reaching targetShares.
func costToFill(levels []types.PriceLevel, targetShares decimal.Decimal) (decimal.Decimal, decimal.Decimal, bool) {
	if targetShares.IsZero() || targetShares.IsNegative() {
		return decimal.Zero, decimal.Zero, true
	}

	remaining := targetShares
	totalCost := decimal.Zero

	for _, lvl := range levels {
		take := lvl.Size
		if take.GreaterThan(remaining) {
			take = remaining
		}
		totalCost = totalCost.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
	}

	if remaining.GreaterThan(decimal.Zero) {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}

	avgPrice := totalCost.Div(targetShares)
	return totalCost, avgPrice, true
}

// optimalSize binary-searches [0, maxPositionNotional/0.3] for the largest
// fillable size maintaining at least cfg.MinEdgeCents.
func optimalSize(books types.BracketBooks, cfg Config) (decimal.Decimal, decimal.Decimal, bool) {
	cheapSideApprox := decimal.NewFromFloat(0.3)
	low := decimal.Zero
	high := cfg.MaxPositionNotional.Div(cheapSideApprox)

	bestShares := decimal.Zero
	bestEdge := decimal.Zero
	found := false

	for i := 0; i < cfg.BinarySearchIters; i++ {
		mid := low.Add(high).Div(decimal.NewFromInt(2))

		upCost, _, upOk := costToFill(books.UpBook.AskLevels, mid)
		downCost, _, downOk := costToFill(books.DownBook.AskLevels, mid)
		if !upOk || !downOk {
			high = mid
			continue
		}

		totalCost := upCost.Add(downCost)
		if totalCost.GreaterThan(cfg.MaxPositionNotional) {
			high = mid
			continue
		}

		edge := mid.Sub(totalCost).Mul(decimal.NewFromInt(100))
		if edge.GreaterThanOrEqual(cfg.MinEdgeCents) {
			bestShares = mid
			bestEdge = edge
			found = true
			low = mid
		} else {
			high = mid
		}
	}

	return bestShares, bestEdge, found
}
