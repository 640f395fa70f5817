// Bracket arb — a scanner/executor bot that buys both legs of a BTC
// 15-minute up/down bracket on Polymarket whenever their combined ask
// price sums to less than $1, locking in the spread as riskless profit
// at resolution.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts the app, waits for SIGINT/SIGTERM
//	internal/app          — orchestrator: wires catalog → book store → scanner → executor
//	internal/catalog      — resolves and caches bracket market metadata from the Gamma API
//	internal/book         — local order book mirror and the market WebSocket feed that fills it
//	internal/evaluator    — computes fillable size and edge for a bracket pair
//	internal/scanner      — the per-tick loop: refresh catalog, pick candidates, evaluate, route
//	internal/executor     — two-phase commit: place leg A, confirm, place leg B, confirm or abort
//	internal/risk         — kill switch, daily notional cap, concurrent open-bracket cap
//	internal/exchange     — REST client, L1/L2 auth, rate limiting, order placer
//	internal/store        — SQLite-backed execution ledger (survives restarts)
//	internal/telemetry    — structured decision/tick logging and Prometheus exposition
//
// How it makes money:
//
//	Each 15-minute BTC bracket market has an "up" token and a "down" token
//	that together must resolve to exactly $1. Whenever the best asks on
//	both legs sum to less than $1 minus fees, buying both locks in the
//	difference as profit regardless of which side resolves. A leg that
//	does not fill within its timeout is cancelled and the execution is
//	aborted; a leg A that already filled is left in place, not unwound.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bracketarb/internal/app"
	"bracketarb/internal/config"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BRACKET_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	a, err := app.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create app", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("bracket arb bot starting",
		"trading_enabled", cfg.TradingEnabled,
		"max_open_brackets", cfg.Executor.MaxOpenBrackets,
		"max_position_notional", cfg.Evaluator.MaxPositionNotional,
		"dry_run", cfg.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			logger.Error("app exited with error", "error", err)
		}
		cancel()
	}

	a.Stop()
	logger.Info("bracket arb bot stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
