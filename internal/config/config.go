// Package config defines the top-level configuration for arbot and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBOT_* environment variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Binance    BinanceConfig    `toml:"binance"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Trading    TradingConfig    `toml:"trading"`
	Risk       RiskConfig       `toml:"risk"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Scanner    ScannerConfig    `toml:"scanner"`
	Executor   ExecutorConfig   `toml:"executor"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds Polymarket API endpoints and credentials. Credentials
// may alternatively live in an encrypted file (see creds_path).
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
	CredsPath     string `toml:"creds_path"`     // encrypted credential file
	CredsPassword string `toml:"creds_password"` // password for creds_path
}

// BinanceConfig holds the reference price feed parameters.
type BinanceConfig struct {
	WsURL          string   `toml:"ws_url"`
	Symbols        []string `toml:"symbols"`
	StalenessBound duration `toml:"staleness_bound"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TradingConfig holds bankroll and position-count limits.
type TradingConfig struct {
	Bankroll               float64 `toml:"bankroll"`
	MaxConcurrentPositions int     `toml:"max_concurrent_positions"`
}

// RiskConfig holds the risk guard limits. Percentages are of bankroll.
type RiskConfig struct {
	ArbPositionPct      float64  `toml:"arb_position_pct"`      // per-trade cap, arb strategies
	LatePositionPct     float64  `toml:"late_position_pct"`     // per-trade cap, late_market
	DailyExposurePct    float64  `toml:"daily_exposure_pct"`    // daily committed cap
	DailyLossHaltPct    float64  `toml:"daily_loss_halt_pct"`   // realized-loss breaker
	MaxConsecutiveFails int      `toml:"max_consecutive_fails"` // failure-count breaker
	BreakerCooldown     duration `toml:"breaker_cooldown"`
	SlippageTolerance   float64  `toml:"slippage_tolerance"` // fraction, e.g. 0.003
}

// StrategyConfig holds per-strategy detection parameters.
type StrategyConfig struct {
	MinEdge   float64          `toml:"min_edge"` // minimum profit fraction, e.g. 0.02
	OneOfMany OneOfManyConfig  `toml:"one_of_many"`
	YesNo     YesNoConfig      `toml:"yes_no"`
	Late      LateMarketConfig `toml:"late_market"`
}

// OneOfManyConfig tunes the one-of-many arbitrage strategy.
type OneOfManyConfig struct {
	Enabled      bool     `toml:"enabled"`
	MaxSpreadPct float64  `toml:"max_spread_pct"`
	TTL          duration `toml:"ttl"`
}

// YesNoConfig tunes the binary YES/NO arbitrage strategy.
type YesNoConfig struct {
	Enabled      bool     `toml:"enabled"`
	MaxSpreadPct float64  `toml:"max_spread_pct"`
	TTL          duration `toml:"ttl"`
}

// LateMarketConfig tunes the late-market sure-side strategy.
type LateMarketConfig struct {
	Enabled          bool     `toml:"enabled"`
	Symbol           string   `toml:"symbol"`       // reference feed symbol, e.g. "btcusdt"
	WindowStart      duration `toml:"window_start"` // before close, window opens
	WindowEnd        duration `toml:"window_end"`   // before close, window shuts
	MinDeviationPct  float64  `toml:"min_deviation_pct"`
	MaxVolatilityPct float64  `toml:"max_volatility_pct"`
	MaxEntryPrice    float64  `toml:"max_entry_price"`
	MaxSpreadPct     float64  `toml:"max_spread_pct"`
	TTL              duration `toml:"ttl"` // seconds-scale; edge decays fast
}

// ScannerConfig tunes the market catalog poll loop.
type ScannerConfig struct {
	Interval       duration `toml:"interval"`
	MinVolume      float64  `toml:"min_volume"`
	MinTimeToClose duration `toml:"min_time_to_close"`
	MaxMarkets     int      `toml:"max_markets"`
	StalenessBound duration `toml:"staleness_bound"` // snapshot age past which no execution
}

// ExecutorConfig tunes order placement.
type ExecutorConfig struct {
	DryRun           bool     `toml:"dry_run"`
	FillTimeout      duration `toml:"fill_timeout"`
	MaxRetries       int      `toml:"max_retries"`
	ResolverInterval duration `toml:"resolver_interval"`
	SnapshotInterval duration `toml:"snapshot_interval"`
}

// ArchiveConfig tunes the S3 archiver job.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// MaxArbPositionUSD is the per-trade cap for the arbitrage strategies.
func (c *Config) MaxArbPositionUSD() float64 {
	return c.Trading.Bankroll * c.Risk.ArbPositionPct / 100
}

// MaxLatePositionUSD is the per-trade cap for the late-market strategy.
func (c *Config) MaxLatePositionUSD() float64 {
	return c.Trading.Bankroll * c.Risk.LatePositionPct / 100
}

// MaxDailyExposureUSD is the daily committed-cost cap.
func (c *Config) MaxDailyExposureUSD() float64 {
	return c.Trading.Bankroll * c.Risk.DailyExposurePct / 100
}

// DailyLossHaltUSD is the realized daily loss that trips the breaker.
func (c *Config) DailyLossHaltUSD() float64 {
	return c.Trading.Bankroll * c.Risk.DailyLossHaltPct / 100
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:  "https://clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
		},
		Binance: BinanceConfig{
			WsURL:          "wss://stream.binance.com:9443/ws",
			Symbols:        []string{"btcusdt", "ethusdt", "solusdt", "xrpusdt"},
			StalenessBound: duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbot-archive",
			ForcePathStyle: true,
		},
		Trading: TradingConfig{
			Bankroll:               5000,
			MaxConcurrentPositions: 10,
		},
		Risk: RiskConfig{
			ArbPositionPct:      2.0,
			LatePositionPct:     1.5,
			DailyExposurePct:    25.0,
			DailyLossHaltPct:    5.0,
			MaxConsecutiveFails: 3,
			BreakerCooldown:     duration{30 * time.Minute},
			SlippageTolerance:   0.003,
		},
		Strategy: StrategyConfig{
			MinEdge: 0.02,
			OneOfMany: OneOfManyConfig{
				Enabled:      true,
				MaxSpreadPct: 2.0,
				TTL:          duration{2 * time.Minute},
			},
			YesNo: YesNoConfig{
				Enabled:      true,
				MaxSpreadPct: 1.5,
				TTL:          duration{2 * time.Minute},
			},
			Late: LateMarketConfig{
				Enabled:          true,
				Symbol:           "btcusdt",
				WindowStart:      duration{180 * time.Second},
				WindowEnd:        duration{60 * time.Second},
				MinDeviationPct:  0.05,
				MaxVolatilityPct: 1.5,
				MaxEntryPrice:    0.95,
				MaxSpreadPct:     1.0,
				TTL:              duration{10 * time.Second},
			},
		},
		Scanner: ScannerConfig{
			Interval:       duration{5 * time.Second},
			MinVolume:      5000,
			MinTimeToClose: duration{30 * time.Minute},
			MaxMarkets:     100,
			StalenessBound: duration{15 * time.Second},
		},
		Executor: ExecutorConfig{
			DryRun:           true,
			FillTimeout:      duration{5 * time.Second},
			MaxRetries:       2,
			ResolverInterval: duration{60 * time.Second},
			SnapshotInterval: duration{30 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{6 * time.Hour},
			RetentionDays: 30,
		},
		Notify: NotifyConfig{
			Events: []string{"circuit_breaker_tripped", "order_failed", "position_resolved"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}

	// Live trading needs venue credentials, inline or via encrypted file.
	if strings.ToLower(c.Mode) == "trade" {
		inline := c.Polymarket.ApiKey != "" && c.Polymarket.ApiSecret != "" && c.Polymarket.ApiPassphrase != ""
		if !inline && c.Polymarket.CredsPath == "" {
			errs = append(errs, "polymarket: api credentials (or creds_path) are required for mode trade")
		}
		if c.Polymarket.CredsPath != "" && c.Polymarket.CredsPassword == "" {
			errs = append(errs, "polymarket: creds_password is required when creds_path is set")
		}
	}

	if c.Trading.Bankroll <= 0 {
		errs = append(errs, "trading: bankroll must be positive")
	}
	if c.Trading.MaxConcurrentPositions <= 0 {
		errs = append(errs, "trading: max_concurrent_positions must be positive")
	}

	if c.Risk.ArbPositionPct <= 0 || c.Risk.ArbPositionPct > 10 {
		errs = append(errs, "risk: arb_position_pct must be in (0, 10]")
	}
	if c.Risk.LatePositionPct <= 0 || c.Risk.LatePositionPct > 10 {
		errs = append(errs, "risk: late_position_pct must be in (0, 10]")
	}
	if c.Risk.DailyExposurePct <= 0 || c.Risk.DailyExposurePct > 100 {
		errs = append(errs, "risk: daily_exposure_pct must be in (0, 100]")
	}
	if c.Risk.MaxConsecutiveFails <= 0 {
		errs = append(errs, "risk: max_consecutive_fails must be positive")
	}
	if c.Risk.BreakerCooldown.Duration <= 0 {
		errs = append(errs, "risk: breaker_cooldown must be positive")
	}

	if c.Strategy.MinEdge <= 0 {
		errs = append(errs, "strategy: min_edge must be positive")
	}
	if c.Strategy.Late.Enabled {
		ws, we := c.Strategy.Late.WindowStart.Duration, c.Strategy.Late.WindowEnd.Duration
		if ws < 10*time.Second || ws > 10*time.Minute || we < 10*time.Second || we > 10*time.Minute {
			errs = append(errs, "strategy: late_market window bounds must be between 10s and 10m")
		}
		if ws <= we {
			errs = append(errs, "strategy: late_market window_start must exceed window_end")
		}
		if c.Strategy.Late.MaxEntryPrice <= 0 || c.Strategy.Late.MaxEntryPrice > 1 {
			errs = append(errs, "strategy: late_market max_entry_price must be in (0, 1]")
		}
	}

	if c.Scanner.Interval.Duration <= 0 {
		errs = append(errs, "scanner: interval must be positive")
	}
	if c.Executor.FillTimeout.Duration <= 0 {
		errs = append(errs, "executor: fill_timeout must be positive")
	}
	if c.Executor.MaxRetries < 0 {
		errs = append(errs, "executor: max_retries must not be negative")
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when archiving is enabled")
		}
		if c.Archive.RetentionDays <= 0 {
			errs = append(errs, "archive: retention_days must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
