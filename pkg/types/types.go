// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order wire types,
// market metadata, order book snapshots, execution records, and WebSocket
// event payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. The exchange
// supports four tick sizes; each market has a fixed tick size that
// determines the minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// ————————————————————————————————————————————————————————————————————————
// Bracket identity and market metadata
// ————————————————————————————————————————————————————————————————————————

// BucketSeconds is the alignment window for a bracket identifier: 15 minutes.
const BucketSeconds = 900

// Outcome labels a bracket's two complementary sides.
type Outcome string

const (
	OutcomeUp   Outcome = "UP"
	OutcomeDown Outcome = "DOWN"
)

// MarketMetadata is the catalog's cached record for one bracket. Immutable
// once cached: created when first discovered, destroyed when EndTime has
// passed by a grace window.
type MarketMetadata struct {
	Slug          string
	ConditionID   string
	Question      string
	EndTime       time.Time
	Outcomes      [2]string // [UP_label, DOWN_label]
	UpTokenID     string
	DownTokenID   string
	InitialVolume decimal.Decimal
	LastSeen      time.Time
}

// SecondsToExpiry returns how many seconds remain until EndTime, relative to now.
func (m MarketMetadata) SecondsToExpiry(now time.Time) float64 {
	return m.EndTime.Sub(now).Seconds()
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book. Price lies in
// [0,1]; Size is non-negative. Both are exact decimals, never floats — the
// exchange quotes prices and sizes as decimal strings over the wire, and the
// evaluator's fillability arithmetic must be exact (see internal/evaluator).
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Notional returns Price * Size.
func (l PriceLevel) Notional() decimal.Decimal {
	return l.Price.Mul(l.Size)
}

// MarketBook is a per-token order book snapshot: bid levels sorted
// descending by price, ask levels sorted ascending by price, zero-size
// levels absent. Invariants: within a side, prices are strictly monotonic
// and sizes strictly positive; best_bid < best_ask or one side is empty.
type MarketBook struct {
	TokenID      string
	BidLevels    []PriceLevel // descending
	AskLevels    []PriceLevel // ascending
	LastUpdateTS time.Time
}

// BestBid returns the best (highest) bid level, or false if there are no bids.
func (b MarketBook) BestBid() (PriceLevel, bool) {
	if len(b.BidLevels) == 0 {
		return PriceLevel{}, false
	}
	return b.BidLevels[0], true
}

// BestAsk returns the best (lowest) ask level, or false if there are no asks.
func (b MarketBook) BestAsk() (PriceLevel, bool) {
	if len(b.AskLevels) == 0 {
		return PriceLevel{}, false
	}
	return b.AskLevels[0], true
}

// IsEmpty reports whether the book has no levels on either side. An empty
// book is a valid, representable state, treated by the evaluator as
// non-fillable.
func (b MarketBook) IsEmpty() bool {
	return len(b.BidLevels) == 0 && len(b.AskLevels) == 0
}

// Clone returns a deep copy safe to hand to a reader outside the aggregator's
// lock.
func (b MarketBook) Clone() MarketBook {
	out := MarketBook{
		TokenID:      b.TokenID,
		LastUpdateTS: b.LastUpdateTS,
		BidLevels:    make([]PriceLevel, len(b.BidLevels)),
		AskLevels:    make([]PriceLevel, len(b.AskLevels)),
	}
	copy(out.BidLevels, b.BidLevels)
	copy(out.AskLevels, b.AskLevels)
	return out
}

// BracketBooks is the logical pair of books for one bracket's two outcome
// tokens, assembled on demand.
type BracketBooks struct {
	UpBook   MarketBook
	DownBook MarketBook
	TakenAt  time.Time
}

// OptimalOrder is the evaluator's transient recommendation for one bracket:
// the largest fillable size under configured caps, and its economics.
type OptimalOrder struct {
	TargetShares      decimal.Decimal
	UpCost            decimal.Decimal
	DownCost          decimal.Decimal
	TotalCost         decimal.Decimal
	ExpectedEdgeCents decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Execution record (two-phase executor state)
// ————————————————————————————————————————————————————————————————————————

// ExecutionState enumerates the two-phase executor's state machine.
// Terminal states: DONE, ABORTED.
type ExecutionState string

const (
	StatePlanned    ExecutionState = "PLANNED"
	StateLegAPlaced ExecutionState = "LEG_A_PLACED"
	StateLegAFilled ExecutionState = "LEG_A_FILLED"
	StateLegBPlaced ExecutionState = "LEG_B_PLACED"
	StateHedgedFill ExecutionState = "HEDGED_FILLED"
	StateDone       ExecutionState = "DONE"
	StateAborted    ExecutionState = "ABORTED"
)

// Terminal reports whether the state is a terminal state of the DAG.
func (s ExecutionState) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// forwardEdges encodes the state DAG's single forward path per state; every
// non-terminal state may also transition to ABORTED, which is added
// implicitly by CanTransitionTo rather than listed here.
var forwardEdges = map[ExecutionState]ExecutionState{
	StatePlanned:    StateLegAPlaced,
	StateLegAPlaced: StateLegAFilled,
	StateLegAFilled: StateLegBPlaced,
	StateLegBPlaced: StateHedgedFill,
	StateHedgedFill: StateDone,
}

// CanTransitionTo reports whether moving from s to next is a legal single
// edge of the DAG: the one designated forward edge, or ABORTED from any
// non-terminal state.
func (s ExecutionState) CanTransitionTo(next ExecutionState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateAborted {
		return true
	}
	return forwardEdges[s] == next
}

// ExecutionRecord is the persisted state of one bracket execution attempt.
// Records are never deleted, only state-terminated. The executor is the
// sole writer.
type ExecutionRecord struct {
	ExecutionID            string
	Slug                   string
	UpToken                string
	DownToken              string
	TargetShares           decimal.Decimal
	State                  ExecutionState
	CreatedAt              time.Time
	UpdatedAt              time.Time
	LegAExternalID         string
	LegBExternalID         string
	LegARawBlob            string
	LegBRawBlob            string
	EstimatedTotalNotional decimal.Decimal
	BackendTag             string
}

// RiskLedger is a derived, read-on-demand view: open-execution count, sum of
// estimated notional for executions created on the current UTC day, and a
// process-wide trading_enabled flag.
type RiskLedger struct {
	OpenExecutionCount     int
	EstimatedNotionalToday decimal.Decimal
	TradingEnabled         bool
}

// ————————————————————————————————————————————————————————————————————————
// Order placer wire types (adapted from the direct-CLOB REST surface)
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation passed to the placer.
// The exchange client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string
	Price      decimal.Decimal
	Size       decimal.Decimal
	Side       Side
	OrderType  OrderType
	TickSize   TickSize
	Expiration int64 // unix timestamp, 0 = no expiry
	FeeRateBps int
}

// SignedOrder is the on-chain order format the CLOB API expects. MakerAmount
// and TakerAmount are in 6-decimal base units (1e6 = $1 of USDC, or one
// token).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens.
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
}

// OrderResponse is the REST API response for an order placement.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// OpenOrder represents a live or historical order on the CLOB, as returned
// by GET /order/{id}. Used to drive wait_until_filled and resume-path checks.
type OpenOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"` // "live", "matched", "cancelled", ...
	Market        string `json:"market"`
	AssetID       string `json:"asset_id"`
	Side          string `json:"side"`
	OriginalSize  string `json:"original_size"`
	SizeMatched   string `json:"size_matched"`
	SizeRemaining string `json:"size_remaining"`
	Price         string `json:"price"`
}

// CancelResponse is returned by DELETE /order.
type CancelResponse struct {
	Canceled []string `json:"canceled"`
}

// ————————————————————————————————————————————————————————————————————————
// Exchange REST wire types (catalog + book)
// ————————————————————————————————————————————————————————————————————————

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Bids      []WireLevel `json:"bids"`
	Asks      []WireLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

// WireLevel is a price level as the exchange encodes it over REST/WS:
// string-encoded decimals.
type WireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Decimal parses a WireLevel into a PriceLevel. Malformed or non-positive
// entries are the caller's responsibility to filter (invariant violation
// handling lives in internal/book).
func (l WireLevel) Decimal() (PriceLevel, error) {
	price, err := decimal.NewFromString(l.Price)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("parse price %q: %w", l.Price, err)
	}
	size, err := decimal.NewFromString(l.Size)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("parse size %q: %w", l.Size, err)
	}
	return PriceLevel{Price: price, Size: size}, nil
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events (market channel only — the core never needs the user
// channel since fill confirmation is done by polling GET /order)
// ————————————————————————————————————————————————————————————————————————

// WSBookEvent is a full order book snapshot from the market WS channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType string      `json:"event_type"` // always "book"
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Timestamp int64       `json:"timestamp"` // unix ms
	Bids      []WireLevel `json:"bids"`
	Asks      []WireLevel `json:"asks"`
}

// WSPriceChangeItem is a single price level update within a price_change
// event.
type WSPriceChangeItem struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // 0 removes the level
	Side    string `json:"side"` // "BUY" or "SELL"
}

// PriceDecimal parses Price, defaulting to zero on malformed input.
func (i WSPriceChangeItem) PriceDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(i.Price)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// SizeDecimal parses Size, defaulting to zero on malformed input.
func (i WSPriceChangeItem) SizeDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(i.Size)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// WSPriceChangeEvent is an incremental order book update, possibly batched
// over multiple tokens.
type WSPriceChangeEvent struct {
	EventType    string              `json:"event_type"` // always "price_change"
	Timestamp    int64               `json:"timestamp"`
	PriceChanges []WSPriceChangeItem `json:"price_changes"`
}

// WSSubscribeMsg is the subscription message sent when connecting to the
// market channel, and also reused for incremental subscribe/unsubscribe
// updates after the connection is established.
type WSSubscribeMsg struct {
	Type      string   `json:"type"` // "market"
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation,omitempty"` // "", "subscribe", or "unsubscribe"
}
