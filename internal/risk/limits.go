// Package risk is a small process-wide state with exactly three read
// operations the executor consults before placing a leg. Reads are live
// queries against the execution store, never a separate mutable cache, so
// a counter can never drift from what is actually on disk. Unlike a
// continuous market-making risk manager, there is no live per-market
// exposure or PnL tracking: a one-shot bracket execution holds no position
// once DONE, so the only things worth gating are open-bracket count, daily
// notional, and the kill switch.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bracketarb/internal/store"
)

// execStore is the subset of *store.Store the Register reads from.
type execStore interface {
	CountOpenNonTerminal(ctx context.Context) (int, error)
	SumEstimatedNotionalForUTCDay(ctx context.Context, day time.Time) (decimal.Decimal, error)
}

var _ execStore = (*store.Store)(nil)

// Register answers the three questions the executor's risk gate asks, in
// the order the gate asks them: trading enabled, daily notional sum,
// open-bracket count.
type Register struct {
	store execStore

	mu               sync.RWMutex
	tradingEnabled   bool // config-sourced kill switch; dry-run bypasses this
	killSwitchActive bool
	killSwitchUntil  time.Time
	killReason       string

	logger *slog.Logger
}

// NewRegister builds a Register whose trading_enabled default comes from
// config and whose open-count/daily-sum reads go straight to store.
func NewRegister(st execStore, tradingEnabled bool, logger *slog.Logger) *Register {
	return &Register{
		store:          st,
		tradingEnabled: tradingEnabled,
		logger:         logger.With("component", "risk"),
	}
}

// TradingEnabled reports whether live (non-dry-run) order placement is
// currently permitted: the config flag, ANDed with "no kill switch
// cooldown in effect".
func (r *Register) TradingEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.killSwitchActive {
		if time.Now().After(r.killSwitchUntil) {
			r.killSwitchActive = false
			r.logger.Info("kill switch cooldown expired")
		} else {
			return false
		}
	}
	return r.tradingEnabled
}

// CountOpenNonTerminal reports how many executions are not yet DONE or
// ABORTED, backing the open-brackets cap.
func (r *Register) CountOpenNonTerminal(ctx context.Context) (int, error) {
	count, err := r.store.CountOpenNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("count open non-terminal: %w", err)
	}
	return count, nil
}

// SumEstimatedNotionalForUTCDay reports the running total of estimated
// notional for executions created on the given UTC day, backing the
// daily cap.
func (r *Register) SumEstimatedNotionalForUTCDay(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	sum, err := r.store.SumEstimatedNotionalForUTCDay(ctx, day)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum estimated notional for day: %w", err)
	}
	return sum, nil
}

// Kill engages the trading kill switch for cooldown, disabling
// TradingEnabled until it elapses. Dry-run executions are unaffected, since
// they never reach the wire regardless of this flag.
func (r *Register) Kill(reason string, cooldown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.killSwitchActive = true
	r.killSwitchUntil = time.Now().Add(cooldown)
	r.killReason = reason
	r.logger.Error("risk kill switch engaged", "reason", reason, "cooldown_until", r.killSwitchUntil)
}

// SetTradingEnabled flips the process-wide trading_enabled flag, e.g. from
// an operator toggling config at runtime.
func (r *Register) SetTradingEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tradingEnabled = enabled
}

// KillSwitchStatus reports whether the kill switch is currently active and
// why, for telemetry.
func (r *Register) KillSwitchStatus() (active bool, reason string, until time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.killSwitchActive, r.killReason, r.killSwitchUntil
}
