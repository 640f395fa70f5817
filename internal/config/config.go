// Package config defines all configuration for the bracket-arbitrage bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BRACKET_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; section names follow the component layout of the bot itself
// (catalog, evaluator, executor, scanner, ...) rather than a flat list.
type Config struct {
	DryRun         bool            `mapstructure:"dry_run"`
	TradingEnabled bool            `mapstructure:"trading_enabled"`
	Wallet         WalletConfig    `mapstructure:"wallet"`
	API            APIConfig       `mapstructure:"api"`
	Catalog        CatalogConfig   `mapstructure:"catalog"`
	Evaluator      EvaluatorConfig `mapstructure:"evaluator"`
	Executor       ExecutorConfig  `mapstructure:"executor"`
	Scanner        ScannerConfig   `mapstructure:"scanner"`
	Store          StoreConfig     `mapstructure:"store"`
	Logging        LoggingConfig   `mapstructure:"logging"`
	Telemetry      TelemetryConfig `mapstructure:"telemetry"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds exchange API endpoints and optional pre-derived L2
// credentials. There is no WSUserURL: the core never opens a user channel,
// since fills are confirmed by polling GET /order instead.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// CatalogConfig tunes the market catalog's tradeable-window detection and
// refresh cadence.
type CatalogConfig struct {
	TradeableMinMinutes     float64       `mapstructure:"tradeable_min_minutes"`
	TradeableMaxMinutes     float64       `mapstructure:"tradeable_max_minutes"`
	NoTradeTailSeconds      float64       `mapstructure:"no_trade_tail_seconds"`
	CacheRefreshIntervalSec time.Duration `mapstructure:"cache_refresh_interval_sec"`
}

// EvaluatorConfig tunes the evaluator's rejection thresholds and sizing cap.
type EvaluatorConfig struct {
	MinEdgeCents              float64 `mapstructure:"min_edge_cents"`
	MaxSpread                 float64 `mapstructure:"max_spread"`
	MinDepthNotional          float64 `mapstructure:"min_depth_notional"`
	MaxPositionNotional       float64 `mapstructure:"max_position_notional"`
	AutoExecuteThresholdCents float64 `mapstructure:"auto_execute_threshold_cents"`
}

// ExecutorConfig tunes the two-phase executor's timeouts and risk caps.
// Zero for a notional cap means "uncapped".
type ExecutorConfig struct {
	LegATimeoutSeconds             int     `mapstructure:"leg_a_timeout_seconds"`
	LegBTimeoutSeconds             int     `mapstructure:"leg_b_timeout_seconds"`
	MaxUnhedgedSeconds             int     `mapstructure:"max_unhedged_seconds"`
	MaxOpenBrackets                int     `mapstructure:"max_open_brackets"`
	MaxEstimatedNotionalPerBracket float64 `mapstructure:"max_estimated_notional_per_bracket"`
	DailyEstimatedNotionalCap      float64 `mapstructure:"daily_estimated_notional_cap"`
}

// ScannerConfig controls the per-tick orchestration loop. TickIntervalMS
// governs the poll-mode timer used when event_driven is false.
type ScannerConfig struct {
	EventDriven            bool    `mapstructure:"event_driven"`
	EventWaitSec           int     `mapstructure:"event_wait_sec"`
	EventMaxMarketsPerTick int     `mapstructure:"event_max_markets_per_tick"`
	TickIntervalMS         int     `mapstructure:"tick_interval_ms"`
	LimitPriceSlippage     float64 `mapstructure:"limit_price_slippage"`
}

// StoreConfig sets where the execution ledger is persisted.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig controls the process-wide slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig controls the telemetry sink's Prometheus exposition and
// its optional outbound posting to an external sidecar dashboard.
type TelemetryConfig struct {
	PrometheusEnabled bool   `mapstructure:"prometheus_enabled"`
	PrometheusAddr    string `mapstructure:"prometheus_addr"`

	SidecarEnabled     bool          `mapstructure:"sidecar_enabled"`
	SidecarURL         string        `mapstructure:"sidecar_url"`
	SidecarRatePerSec  float64       `mapstructure:"sidecar_rate_per_sec"`
	SidecarBurst       int           `mapstructure:"sidecar_burst"`
	SidecarPostTimeout time.Duration `mapstructure:"sidecar_post_timeout"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BRACKET_PRIVATE_KEY, BRACKET_API_KEY,
// BRACKET_API_SECRET, BRACKET_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BRACKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("BRACKET_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("BRACKET_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("BRACKET_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("BRACKET_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("BRACKET_DRY_RUN") == "true" || os.Getenv("BRACKET_DRY_RUN") == "1" {
		cfg.DryRun = true
	}
	if os.Getenv("BRACKET_TRADING_ENABLED") == "true" || os.Getenv("BRACKET_TRADING_ENABLED") == "1" {
		cfg.TradingEnabled = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set BRACKET_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Evaluator.MaxPositionNotional <= 0 {
		return fmt.Errorf("evaluator.max_position_notional must be > 0")
	}
	if c.Executor.MaxOpenBrackets <= 0 {
		return fmt.Errorf("executor.max_open_brackets must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Telemetry.SidecarEnabled && c.Telemetry.SidecarURL == "" {
		return fmt.Errorf("telemetry.sidecar_url is required when telemetry.sidecar_enabled is true")
	}
	return nil
}
