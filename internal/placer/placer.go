// Package placer defines the narrow interface the two-phase executor uses
// to place, poll, and cancel a single leg, independent of which exchange
// backend fulfills it. Exactly one implementation is wired behind this
// interface (internal/exchange's direct-CLOB client); a heuristic or
// prompt-driven backend with only approximate fill confirmation is
// deliberately not supported, since the executor's fill detection must be
// exact.
package placer

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bracketarb/pkg/types"
)

// OrderPlacer is the minimal surface the executor needs to run one leg of a
// bracket. Every method is safe to call concurrently for distinct orders.
type OrderPlacer interface {
	// PlaceLimit places a single GTC limit order and returns its exchange
	// order ID and the raw response blob (persisted for crash-resume).
	PlaceLimit(ctx context.Context, order types.UserOrder) (orderID string, raw string, err error)

	// WaitUntilFilled polls until the order is fully filled, terminally
	// rejected/cancelled, or timeout elapses (whichever first). filled
	// reports whether a full fill was observed before the deadline.
	WaitUntilFilled(ctx context.Context, orderID string, targetSize decimal.Decimal, timeout time.Duration) (filled bool, last types.OpenOrder, err error)

	// Cancel best-effort cancels an order; a caller should not treat an
	// already-filled-or-gone order as an error.
	Cancel(ctx context.Context, orderID string) error

	// GetOrder fetches current order state without side effects.
	GetOrder(ctx context.Context, orderID string) (types.OpenOrder, error)
}

// DefaultPollInterval matches the Python original's 0.5s poll cadence.
const DefaultPollInterval = 500 * time.Millisecond

// OrderLooksFilled reports whether raw represents a fully-filled order,
// reimplementing the Python original's _order_looks_filled heuristic:
// a terminal FILLED/EXECUTED status counts immediately; a terminal
// CANCELED/REJECTED/FAILED status never does; otherwise fall back to the
// numeric remaining/matched-vs-target fields.
func OrderLooksFilled(raw types.OpenOrder, targetSize decimal.Decimal) bool {
	switch raw.Status {
	case "FILLED", "EXECUTED", "matched":
		return true
	case "CANCELED", "CANCELLED", "REJECTED", "FAILED", "cancelled":
		return false
	}

	if raw.SizeRemaining != "" {
		if remaining, err := decimal.NewFromString(raw.SizeRemaining); err == nil {
			if remaining.LessThanOrEqual(decimal.Zero) {
				return true
			}
		}
	}

	effectiveTarget := targetSize
	if effectiveTarget.IsZero() && raw.OriginalSize != "" {
		if sz, err := decimal.NewFromString(raw.OriginalSize); err == nil {
			effectiveTarget = sz
		}
	}

	if raw.SizeMatched != "" && !effectiveTarget.IsZero() {
		matched, err := decimal.NewFromString(raw.SizeMatched)
		if err == nil {
			return matched.GreaterThanOrEqual(effectiveTarget)
		}
	}

	return false
}
