// Package executor is the crash-safe, idempotent state machine that turns
// one evaluator recommendation into two confirmed fills or a clean abort:
// risk gate, persist external ID before awaiting confirmation, resume
// without re-placing. Leg placement goes through a single
// placer.OrderPlacer interface backed by one concrete implementation
// (exchange.DirectPlacer) — no heuristic-confirmation backend.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bracketarb/internal/placer"
	"bracketarb/internal/risk"
	"bracketarb/internal/store"
	"bracketarb/pkg/types"
)

// executionNamespace is the fixed UUIDv5 namespace for deriving
// execution_id from a bracket's identifying fields.
var executionNamespace = uuid.MustParse("8f14e45f-ceea-467e-bd36-6587b9a2b1b4")

// quantizeStep is the precision target_shares is truncated to before
// hashing, matching the two-decimal share precision PriceToAmounts already
// enforces on the wire.
const quantizeStep = 2

// DeriveExecutionID computes the deterministic execution_id for a bracket
// attempt: UUIDv5 over the namespace and
// "slug|up_token|down_token|target_shares.String()", with target_shares
// quantized to quantizeStep decimals first so repeated evaluator runs
// against an unchanged book converge on the same ID.
func DeriveExecutionID(slug, upToken, downToken string, targetShares decimal.Decimal) string {
	quantized := targetShares.Truncate(quantizeStep)
	name := fmt.Sprintf("%s|%s|%s|%s", slug, upToken, downToken, quantized.String())
	return uuid.NewSHA1(executionNamespace, []byte(name)).String()
}

// Config tunes the executor's leg timeouts.
type Config struct {
	LegATimeoutSeconds int
	LegBTimeoutSeconds int
	MaxUnhedgedSeconds int
}

// DefaultConfig returns the documented executor timeout defaults.
func DefaultConfig() Config {
	return Config{
		LegATimeoutSeconds: 12,
		LegBTimeoutSeconds: 18,
		MaxUnhedgedSeconds: 25,
	}
}

// Request is one bracket execution attempt's input.
type Request struct {
	ExecutionID            string
	Slug                   string
	UpToken                string
	DownToken              string
	TargetShares           decimal.Decimal
	UpPriceLimit           decimal.Decimal
	DownPriceLimit         decimal.Decimal
	EstimatedTotalNotional decimal.Decimal
}

// executionStore is the subset of *store.Store the executor needs.
type executionStore interface {
	Get(ctx context.Context, executionID string) (*types.ExecutionRecord, error)
	Upsert(ctx context.Context, rec *types.ExecutionRecord) error
}

var _ executionStore = (*store.Store)(nil)

// riskRegister is the subset of *risk.Register the executor's gate needs.
type riskRegister interface {
	TradingEnabled() bool
	CountOpenNonTerminal(ctx context.Context) (int, error)
	SumEstimatedNotionalForUTCDay(ctx context.Context, day time.Time) (decimal.Decimal, error)
}

var _ riskRegister = (*risk.Register)(nil)

// Executor drives one bracket at a time through the state DAG. Safe for
// concurrent use across distinct execution_ids; the store's own
// transactional upserts serialize concurrent writers to the same row.
type Executor struct {
	store      executionStore
	risk       riskRegister
	placer     placer.OrderPlacer
	cfg        Config
	backendTag string

	dryRun                         bool
	maxEstimatedNotionalPerBracket decimal.Decimal
	dailyEstimatedNotionalCap      decimal.Decimal
	maxOpenBrackets                int

	logger *slog.Logger
}

// New builds an Executor. maxEstimatedNotionalPerBracket and
// dailyEstimatedNotionalCap of zero mean "uncapped", matching the Python
// original's falsy-zero convention.
func New(
	st executionStore,
	reg riskRegister,
	p placer.OrderPlacer,
	cfg Config,
	dryRun bool,
	maxEstimatedNotionalPerBracket decimal.Decimal,
	dailyEstimatedNotionalCap decimal.Decimal,
	maxOpenBrackets int,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		store:                          st,
		risk:                           reg,
		placer:                         p,
		cfg:                            cfg,
		backendTag:                     "direct-clob",
		dryRun:                         dryRun,
		maxEstimatedNotionalPerBracket: maxEstimatedNotionalPerBracket,
		dailyEstimatedNotionalCap:      dailyEstimatedNotionalCap,
		maxOpenBrackets:                maxOpenBrackets,
		logger:                         logger.With("component", "executor"),
	}
}

// RejectReason names why ExecuteBracket declined to run (or abandoned) an
// execution, for telemetry's Decision event.
type RejectReason string

const (
	RejectNone            RejectReason = ""
	RejectTradingDisabled RejectReason = "TRADING_DISABLED"
	RejectPerBracketCap   RejectReason = "PER_BRACKET_CAP"
	RejectDailyCap        RejectReason = "DAILY_CAP"
	RejectOpenBracketsCap RejectReason = "OPEN_BRACKETS_CAP"
)

// ExecuteBracket runs (or resumes) one bracket execution to completion,
// returning success iff the record reaches DONE in this call or a prior
// persisted run. Mirrors execute_bracket's seven-step contract exactly.
func (e *Executor) ExecuteBracket(ctx context.Context, req Request) (bool, RejectReason, error) {
	// Step 1: risk gate, checked in the Python original's exact order.
	if reason := e.riskGate(ctx, req); reason != RejectNone {
		return false, reason, nil
	}

	// Step 2: idempotent start.
	rec, err := e.store.Get(ctx, req.ExecutionID)
	if err != nil {
		return false, RejectNone, fmt.Errorf("load execution %s: %w", req.ExecutionID, err)
	}
	if rec == nil {
		rec = &types.ExecutionRecord{
			ExecutionID:            req.ExecutionID,
			Slug:                   req.Slug,
			UpToken:                req.UpToken,
			DownToken:              req.DownToken,
			TargetShares:           req.TargetShares,
			State:                  types.StatePlanned,
			EstimatedTotalNotional: req.EstimatedTotalNotional,
			BackendTag:             e.backendTag,
		}
		if err := e.store.Upsert(ctx, rec); err != nil {
			return false, RejectNone, fmt.Errorf("persist planned execution %s: %w", req.ExecutionID, err)
		}
	}

	if rec.State.Terminal() {
		return rec.State == types.StateDone, RejectNone, nil
	}

	startUnhedged := time.Now()

	// Step 3: leg A (place-then-confirm, or resume-by-confirm-only).
	if rec.State == types.StatePlanned {
		if err := e.runLegA(ctx, rec, req); err != nil {
			return false, RejectNone, err
		}
	} else if rec.State == types.StateLegAPlaced {
		if err := e.resumeLegA(ctx, rec, req); err != nil {
			return false, RejectNone, err
		}
	}
	if rec.State == types.StateAborted {
		return false, RejectNone, nil
	}

	// Step 4: unhedged guard, before starting leg B.
	if rec.State == types.StateLegAFilled {
		if time.Since(startUnhedged) > time.Duration(e.cfg.MaxUnhedgedSeconds)*time.Second {
			return e.abort(ctx, rec, "unhedged guard exceeded before leg B start")
		}
	}

	// Step 5: leg B (place-then-confirm, or resume-by-confirm-only).
	if rec.State == types.StateLegAFilled {
		if err := e.runLegB(ctx, rec, req); err != nil {
			return false, RejectNone, err
		}
	} else if rec.State == types.StateLegBPlaced {
		if err := e.resumeLegB(ctx, rec, req); err != nil {
			return false, RejectNone, err
		}
	}
	if rec.State == types.StateAborted {
		return false, RejectNone, nil
	}

	// Step 7 (commit): every transition above is already flushed before the
	// next exchange call; this is the final transition, HEDGED_FILLED->DONE.
	if rec.State == types.StateHedgedFill {
		rec.State = types.StateDone
		if err := e.store.Upsert(ctx, rec); err != nil {
			return false, RejectNone, fmt.Errorf("persist done %s: %w", req.ExecutionID, err)
		}
		return true, RejectNone, nil
	}

	return false, RejectNone, nil
}

// riskGate checks four conditions, in order: live-trading-disabled,
// per-bracket cap, daily cap, open-brackets cap.
func (e *Executor) riskGate(ctx context.Context, req Request) RejectReason {
	if !e.dryRun && !e.risk.TradingEnabled() {
		return RejectTradingDisabled
	}

	if e.maxEstimatedNotionalPerBracket.IsPositive() && req.EstimatedTotalNotional.GreaterThan(e.maxEstimatedNotionalPerBracket) {
		return RejectPerBracketCap
	}

	if e.dailyEstimatedNotionalCap.IsPositive() {
		spent, err := e.risk.SumEstimatedNotionalForUTCDay(ctx, time.Now().UTC())
		if err != nil {
			e.logger.Warn("daily cap check failed, failing closed", "error", err)
			return RejectDailyCap
		}
		if spent.Add(req.EstimatedTotalNotional).GreaterThan(e.dailyEstimatedNotionalCap) {
			return RejectDailyCap
		}
	}

	if e.maxOpenBrackets > 0 {
		open, err := e.risk.CountOpenNonTerminal(ctx)
		if err != nil {
			e.logger.Warn("open-brackets check failed, failing closed", "error", err)
			return RejectOpenBracketsCap
		}
		if open >= e.maxOpenBrackets {
			return RejectOpenBracketsCap
		}
	}

	return RejectNone
}

// runLegA places leg A fresh: PLANNED -> LEG_A_PLACED (persisted before
// confirmation) -> LEG_A_FILLED or ABORTED.
func (e *Executor) runLegA(ctx context.Context, rec *types.ExecutionRecord, req Request) error {
	rec.State = types.StateLegAPlaced
	if err := e.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist leg a placed %s: %w", req.ExecutionID, err)
	}

	orderID, raw, err := e.placer.PlaceLimit(ctx, types.UserOrder{
		TokenID:   req.UpToken,
		Price:     req.UpPriceLimit,
		Size:      req.TargetShares,
		Side:      types.BUY,
		OrderType: types.OrderTypeGTC,
		TickSize:  types.Tick001,
	})
	if err != nil {
		e.logger.Error("leg a placement failed", "execution_id", req.ExecutionID, "error", err)
		_, _, abortErr := e.abort(ctx, rec, "leg a placement error: "+err.Error())
		return abortErr
	}

	// Persist external ID immediately, before awaiting confirmation: a
	// crash after this point must still resume against the placed order
	// rather than risk placing a duplicate.
	rec.LegAExternalID = orderID
	rec.LegARawBlob = raw
	if err := e.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist leg a external id %s: %w", req.ExecutionID, err)
	}

	return e.confirmLegA(ctx, rec, req)
}

// resumeLegA re-drives a record found in LEG_A_PLACED (by ResumeAll or by
// ExecuteBracket): confirm without re-placing.
func (e *Executor) resumeLegA(ctx context.Context, rec *types.ExecutionRecord, req Request) error {
	return e.confirmLegA(ctx, rec, req)
}

func (e *Executor) confirmLegA(ctx context.Context, rec *types.ExecutionRecord, req Request) error {
	timeout := time.Duration(e.cfg.LegATimeoutSeconds) * time.Second
	filled, last, err := e.placer.WaitUntilFilled(ctx, rec.LegAExternalID, req.TargetShares, timeout)
	if err != nil {
		e.logger.Error("leg a confirmation error", "execution_id", req.ExecutionID, "error", err)
	}
	if !filled {
		_ = e.placer.Cancel(ctx, rec.LegAExternalID)
		_, _, abortErr := e.abort(ctx, rec, "leg a not filled within timeout")
		if abortErr != nil {
			return abortErr
		}
		return nil
	}
	_ = last

	rec.State = types.StateLegAFilled
	if err := e.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist leg a filled %s: %w", req.ExecutionID, err)
	}
	return nil
}

// runLegB places leg B fresh: LEG_A_FILLED -> LEG_B_PLACED (persisted
// before confirmation) -> HEDGED_FILLED or ABORTED. A leg B timeout is
// never auto-unwound; leg A remains owned for an external exit manager.
func (e *Executor) runLegB(ctx context.Context, rec *types.ExecutionRecord, req Request) error {
	rec.State = types.StateLegBPlaced
	if err := e.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist leg b placed %s: %w", req.ExecutionID, err)
	}

	orderID, raw, err := e.placer.PlaceLimit(ctx, types.UserOrder{
		TokenID:   req.DownToken,
		Price:     req.DownPriceLimit,
		Size:      req.TargetShares,
		Side:      types.BUY,
		OrderType: types.OrderTypeGTC,
		TickSize:  types.Tick001,
	})
	if err != nil {
		e.logger.Error("leg b placement failed", "execution_id", req.ExecutionID, "error", err)
		_, _, abortErr := e.abort(ctx, rec, "leg b placement error: "+err.Error())
		return abortErr
	}

	rec.LegBExternalID = orderID
	rec.LegBRawBlob = raw
	if err := e.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist leg b external id %s: %w", req.ExecutionID, err)
	}

	return e.confirmLegB(ctx, rec, req)
}

func (e *Executor) resumeLegB(ctx context.Context, rec *types.ExecutionRecord, req Request) error {
	return e.confirmLegB(ctx, rec, req)
}

func (e *Executor) confirmLegB(ctx context.Context, rec *types.ExecutionRecord, req Request) error {
	timeout := time.Duration(e.cfg.LegBTimeoutSeconds) * time.Second
	filled, last, err := e.placer.WaitUntilFilled(ctx, rec.LegBExternalID, req.TargetShares, timeout)
	if err != nil {
		e.logger.Error("leg b confirmation error", "execution_id", req.ExecutionID, "error", err)
	}
	if !filled {
		_ = e.placer.Cancel(ctx, rec.LegBExternalID)
		_, _, abortErr := e.abort(ctx, rec, "leg b not filled within timeout, leg a left unhedged")
		if abortErr != nil {
			return abortErr
		}
		return nil
	}
	_ = last

	rec.State = types.StateHedgedFill
	if err := e.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist hedged filled %s: %w", req.ExecutionID, err)
	}
	return nil
}

func (e *Executor) abort(ctx context.Context, rec *types.ExecutionRecord, reason string) (bool, RejectReason, error) {
	rec.State = types.StateAborted
	e.logger.Warn("execution aborted", "execution_id", rec.ExecutionID, "reason", reason)
	if err := e.store.Upsert(ctx, rec); err != nil {
		return false, RejectNone, fmt.Errorf("persist aborted %s: %w", rec.ExecutionID, err)
	}
	return false, RejectNone, nil
}

// ResumeAll re-drives every record left in LEG_A_PLACED or LEG_B_PLACED at
// process start. A placed leg is confirmed via its stored external ID and
// never placed again; a resumed leg A that fills goes on to place leg B.
func (e *Executor) ResumeAll(ctx context.Context, records []types.ExecutionRecord) {
	for _, rec := range records {
		req := Request{
			ExecutionID:            rec.ExecutionID,
			Slug:                   rec.Slug,
			UpToken:                rec.UpToken,
			DownToken:              rec.DownToken,
			TargetShares:           rec.TargetShares,
			EstimatedTotalNotional: rec.EstimatedTotalNotional,
		}
		r := rec
		switch r.State {
		case types.StateLegAPlaced:
			if err := e.resumeLegA(ctx, &r, req); err != nil {
				e.logger.Error("resume leg a failed", "execution_id", r.ExecutionID, "error", err)
				continue
			}
			if r.State == types.StateLegAFilled {
				if err := e.runLegB(ctx, &r, req); err != nil {
					e.logger.Error("resume leg b start failed", "execution_id", r.ExecutionID, "error", err)
				}
			}
			if r.State == types.StateHedgedFill {
				r.State = types.StateDone
				if err := e.store.Upsert(ctx, &r); err != nil {
					e.logger.Error("resume commit failed", "execution_id", r.ExecutionID, "error", err)
				}
			}
		case types.StateLegBPlaced:
			if err := e.resumeLegB(ctx, &r, req); err != nil {
				e.logger.Error("resume leg b failed", "execution_id", r.ExecutionID, "error", err)
				continue
			}
			if r.State == types.StateHedgedFill {
				r.State = types.StateDone
				if err := e.store.Upsert(ctx, &r); err != nil {
					e.logger.Error("resume commit failed", "execution_id", r.ExecutionID, "error", err)
				}
			}
		}
	}
}
