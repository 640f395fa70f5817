// Package app wires together every component into the running bracket-arb
// bot: market data ingestion, the scanner's tick loop, and the two-phase
// executor's background resume pass.
//
// Lifecycle is New/Run/Stop, one goroutine per subsystem, supervised by
// golang.org/x/sync/errgroup so a fatal subsystem error triggers a
// coordinated shutdown of the rest.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"bracketarb/internal/book"
	"bracketarb/internal/catalog"
	"bracketarb/internal/config"
	"bracketarb/internal/evaluator"
	"bracketarb/internal/exchange"
	"bracketarb/internal/executor"
	"bracketarb/internal/risk"
	"bracketarb/internal/scanner"
	"bracketarb/internal/store"
	"bracketarb/internal/telemetry"
)

// decimalFromFloat converts a YAML-sourced float64 config value into a
// decimal.Decimal once at startup; all runtime arithmetic stays decimal.
func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// App owns the lifecycle of every wired component.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	client *exchange.Client
	auth   *exchange.Auth
	stream *book.Stream

	catalog      *catalog.Catalog
	books        *book.Store
	store        *store.Store
	risk         *risk.Register
	exec         *executor.Executor
	scan         *scanner.Scanner
	telemetrySrv *telemetry.Server

	subscribed map[string]bool
}

// New wires every component from cfg. If L2 API credentials aren't
// configured, it derives them via L1 (EIP-712) auth.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("new auth: %w", err)
	}

	client := exchange.NewClient(cfg, auth, logger)

	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
		auth.SetCredentials(*creds)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := risk.NewRegister(st, cfg.TradingEnabled, logger)

	placer := exchange.NewDirectPlacer(client)
	execCfg := executor.Config{
		LegATimeoutSeconds: cfg.Executor.LegATimeoutSeconds,
		LegBTimeoutSeconds: cfg.Executor.LegBTimeoutSeconds,
		MaxUnhedgedSeconds: cfg.Executor.MaxUnhedgedSeconds,
	}
	exec := executor.New(
		st, reg, placer, execCfg, cfg.DryRun,
		decimalFromFloat(cfg.Executor.MaxEstimatedNotionalPerBracket),
		decimalFromFloat(cfg.Executor.DailyEstimatedNotionalCap),
		cfg.Executor.MaxOpenBrackets,
		logger,
	)

	catCfg := catalog.Config{
		GammaBaseURL:        cfg.API.GammaBaseURL,
		TradeableMinMinutes: cfg.Catalog.TradeableMinMinutes,
		TradeableMaxMinutes: cfg.Catalog.TradeableMaxMinutes,
		NoTradeTailSeconds:  cfg.Catalog.NoTradeTailSeconds,
		RefreshInterval:     cfg.Catalog.CacheRefreshIntervalSec,
	}
	cat := catalog.New(catCfg, logger)

	books := book.NewStore()
	stream := book.NewStream(cfg.API.WSMarketURL, books, logger)

	evalCfg := evaluator.Config{
		MinEdgeCents:        decimalFromFloat(cfg.Evaluator.MinEdgeCents),
		MaxSpread:           decimalFromFloat(cfg.Evaluator.MaxSpread),
		MinDepthNotional:    decimalFromFloat(cfg.Evaluator.MinDepthNotional),
		MaxPositionNotional: decimalFromFloat(cfg.Evaluator.MaxPositionNotional),
		BinarySearchIters:   evaluator.DefaultConfig().BinarySearchIters,
	}

	sinks := []telemetry.Sink{telemetry.NewLogSink(logger)}
	var telemetrySrv *telemetry.Server
	if cfg.Telemetry.PrometheusEnabled {
		promReg := prometheus.NewRegistry()
		sinks = append(sinks, telemetry.NewPromSink(promReg))
		telemetrySrv = telemetry.NewServer(cfg.Telemetry.PrometheusAddr, promReg, logger)
	}
	if cfg.Telemetry.SidecarEnabled {
		sinks = append(sinks, telemetry.NewSidecarSink(
			cfg.Telemetry.SidecarURL,
			cfg.Telemetry.SidecarRatePerSec,
			cfg.Telemetry.SidecarBurst,
			cfg.Telemetry.SidecarPostTimeout,
			logger,
		))
	}
	sink := &wsStatusSink{inner: telemetry.NewMultiSink(logger, sinks...), stream: stream}

	limitPriceSlippage := scanner.DefaultConfig().LimitPriceSlippage
	if cfg.Scanner.LimitPriceSlippage > 0 {
		limitPriceSlippage = decimalFromFloat(cfg.Scanner.LimitPriceSlippage)
	}

	scanCfg := scanner.Config{
		EventDriven:               cfg.Scanner.EventDriven,
		EventWaitSec:              cfg.Scanner.EventWaitSec,
		EventMaxMarketsPerTick:    cfg.Scanner.EventMaxMarketsPerTick,
		TickInterval:              time.Duration(cfg.Scanner.TickIntervalMS) * time.Millisecond,
		AutoExecuteThresholdCents: decimalFromFloat(cfg.Evaluator.AutoExecuteThresholdCents),
		LimitPriceSlippage:        limitPriceSlippage,
	}
	scan := scanner.New(scanCfg, evalCfg, cat, books, client, exec, st, sink, logger)

	return &App{
		cfg:          cfg,
		logger:       logger.With("component", "app"),
		client:       client,
		auth:         auth,
		stream:       stream,
		catalog:      cat,
		books:        books,
		store:        st,
		risk:         reg,
		exec:         exec,
		scan:         scan,
		telemetrySrv: telemetrySrv,
		subscribed:   make(map[string]bool),
	}, nil
}

// wsStatusSink injects the market stream's connection health into every
// Tick event before forwarding, since the scanner has no reason to depend
// on the exchange/book-streaming packages directly.
type wsStatusSink struct {
	inner  telemetry.Sink
	stream *book.Stream
}

func (w *wsStatusSink) RecordDecision(ctx context.Context, d telemetry.Decision) {
	w.inner.RecordDecision(ctx, d)
}

func (w *wsStatusSink) RecordTick(ctx context.Context, t telemetry.Tick) {
	st := w.stream.Status()
	t.WSConnected = st.Connected
	t.LastMessageAgeSec = st.LastMessageAge.Seconds()
	w.inner.RecordTick(ctx, t)
}

// Run starts every subsystem and blocks until ctx is canceled or a fatal
// subsystem error occurs.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.stream.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("book stream: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.subscribeNewTokens(ctx)
		return nil
	})

	g.Go(func() error {
		records, err := a.store.ListResumable(ctx)
		if err != nil {
			return fmt.Errorf("list resumable executions: %w", err)
		}
		if len(records) > 0 {
			a.logger.Info("resuming in-flight executions", "count", len(records))
			a.exec.ResumeAll(ctx, records)
		}
		return nil
	})

	if a.telemetrySrv != nil {
		g.Go(func() error {
			if err := a.telemetrySrv.Start(); err != nil {
				return fmt.Errorf("telemetry server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := a.scan.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("scanner: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Stop cancels all live orders as a shutdown safety net and closes owned
// resources. Call after Run returns.
func (a *App) Stop() {
	a.logger.Info("shutting down")

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.client.CancelAll(cancelCtx); err != nil {
		a.logger.Error("failed to cancel all orders on shutdown", "error", err)
	}

	if a.telemetrySrv != nil {
		if err := a.telemetrySrv.Stop(); err != nil {
			a.logger.Error("failed to stop telemetry server", "error", err)
		}
	}

	if err := a.stream.Close(); err != nil {
		a.logger.Error("failed to close book stream", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", "error", err)
	}

	a.logger.Info("shutdown complete")
}

// subscribeNewTokens periodically subscribes the book stream to any
// tradeable market's tokens it isn't already subscribed to, keyed off the
// catalog's own refresh cadence so it tracks the same window the scanner
// evaluates.
func (a *App) subscribeNewTokens(ctx context.Context) {
	interval := a.cfg.Catalog.CacheRefreshIntervalSec
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.resubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.resubscribe()
		}
	}
}

func (a *App) resubscribe() {
	tradeable := a.catalog.Tradeable(time.Now().UTC())
	var newIDs []string
	for _, meta := range tradeable {
		for _, tokenID := range []string{meta.UpTokenID, meta.DownTokenID} {
			if tokenID == "" || a.subscribed[tokenID] {
				continue
			}
			a.subscribed[tokenID] = true
			newIDs = append(newIDs, tokenID)
		}
	}
	if len(newIDs) == 0 {
		return
	}
	if err := a.stream.Subscribe(newIDs); err != nil {
		a.logger.Warn("ws subscribe failed", "error", err, "count", len(newIDs))
	}
}
