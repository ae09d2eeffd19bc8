package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "ARBOT_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "ARBOT_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.ApiKey, "ARBOT_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "ARBOT_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "ARBOT_POLYMARKET_API_PASSPHRASE")
	setStr(&cfg.Polymarket.CredsPath, "ARBOT_POLYMARKET_CREDS_PATH")
	setStr(&cfg.Polymarket.CredsPassword, "ARBOT_POLYMARKET_CREDS_PASSWORD")

	// ── Binance ──
	setStr(&cfg.Binance.WsURL, "ARBOT_BINANCE_WS_URL")
	setDur(&cfg.Binance.StalenessBound, "ARBOT_BINANCE_STALENESS_BOUND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ARBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ARBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBOT_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.StreamMaxLen, "ARBOT_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ARBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBOT_S3_FORCE_PATH_STYLE")

	// ── Trading / risk ──
	setFloat64(&cfg.Trading.Bankroll, "ARBOT_TRADING_BANKROLL")
	setInt(&cfg.Trading.MaxConcurrentPositions, "ARBOT_TRADING_MAX_CONCURRENT_POSITIONS")
	setFloat64(&cfg.Risk.ArbPositionPct, "ARBOT_RISK_ARB_POSITION_PCT")
	setFloat64(&cfg.Risk.LatePositionPct, "ARBOT_RISK_LATE_POSITION_PCT")
	setFloat64(&cfg.Risk.DailyExposurePct, "ARBOT_RISK_DAILY_EXPOSURE_PCT")
	setFloat64(&cfg.Risk.DailyLossHaltPct, "ARBOT_RISK_DAILY_LOSS_HALT_PCT")
	setInt(&cfg.Risk.MaxConsecutiveFails, "ARBOT_RISK_MAX_CONSECUTIVE_FAILS")
	setDur(&cfg.Risk.BreakerCooldown, "ARBOT_RISK_BREAKER_COOLDOWN")
	setFloat64(&cfg.Risk.SlippageTolerance, "ARBOT_RISK_SLIPPAGE_TOLERANCE")

	// ── Strategy ──
	setFloat64(&cfg.Strategy.MinEdge, "ARBOT_STRATEGY_MIN_EDGE")
	setBool(&cfg.Strategy.OneOfMany.Enabled, "ARBOT_STRATEGY_ONE_OF_MANY_ENABLED")
	setBool(&cfg.Strategy.YesNo.Enabled, "ARBOT_STRATEGY_YES_NO_ENABLED")
	setBool(&cfg.Strategy.Late.Enabled, "ARBOT_STRATEGY_LATE_MARKET_ENABLED")
	setStr(&cfg.Strategy.Late.Symbol, "ARBOT_STRATEGY_LATE_MARKET_SYMBOL")
	setFloat64(&cfg.Strategy.Late.MinDeviationPct, "ARBOT_STRATEGY_LATE_MARKET_MIN_DEVIATION_PCT")
	setFloat64(&cfg.Strategy.Late.MaxEntryPrice, "ARBOT_STRATEGY_LATE_MARKET_MAX_ENTRY_PRICE")

	// ── Scanner / executor ──
	setDur(&cfg.Scanner.Interval, "ARBOT_SCANNER_INTERVAL")
	setFloat64(&cfg.Scanner.MinVolume, "ARBOT_SCANNER_MIN_VOLUME")
	setDur(&cfg.Scanner.MinTimeToClose, "ARBOT_SCANNER_MIN_TIME_TO_CLOSE")
	setInt(&cfg.Scanner.MaxMarkets, "ARBOT_SCANNER_MAX_MARKETS")
	setBool(&cfg.Executor.DryRun, "ARBOT_EXECUTOR_DRY_RUN")
	setDur(&cfg.Executor.FillTimeout, "ARBOT_EXECUTOR_FILL_TIMEOUT")
	setInt(&cfg.Executor.MaxRetries, "ARBOT_EXECUTOR_MAX_RETRIES")
	setDur(&cfg.Executor.ResolverInterval, "ARBOT_EXECUTOR_RESOLVER_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ARBOT_ARCHIVE_ENABLED")
	setDur(&cfg.Archive.Interval, "ARBOT_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "ARBOT_ARCHIVE_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBOT_NOTIFY_DISCORD_WEBHOOK_URL")

	// ── Top level ──
	setStr(&cfg.Mode, "ARBOT_MODE")
	setStr(&cfg.LogLevel, "ARBOT_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func setDur(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			dst.Duration = d
		}
	}
}
