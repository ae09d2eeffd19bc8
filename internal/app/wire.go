package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/sureside/arbot/internal/blob/s3"
	"github.com/sureside/arbot/internal/cache/redis"
	"github.com/sureside/arbot/internal/config"
	"github.com/sureside/arbot/internal/crypto"
	"github.com/sureside/arbot/internal/detector"
	"github.com/sureside/arbot/internal/domain"
	"github.com/sureside/arbot/internal/events"
	"github.com/sureside/arbot/internal/executor"
	"github.com/sureside/arbot/internal/feed"
	"github.com/sureside/arbot/internal/ledger"
	"github.com/sureside/arbot/internal/notify"
	"github.com/sureside/arbot/internal/platform/polymarket"
	"github.com/sureside/arbot/internal/risk"
	"github.com/sureside/arbot/internal/scanner"
	"github.com/sureside/arbot/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. Constructed by Wire and
// torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Markets   domain.MarketStore
	Positions domain.PositionStore
	RiskState domain.RiskStateStore
	Events    domain.EventStore
	PnL       domain.DailyPnLStore

	// Redis
	SignalBus  domain.SignalBus
	PriceCache domain.PriceCache
	Limiter    domain.RateLimiter
	Locks      domain.LockManager

	// Venue
	Catalog domain.MarketCatalog
	Gateway domain.OrderGateway

	// Pipeline
	Feed     *feed.Binance
	Scanner  *scanner.Scanner
	Detector *detector.Detector
	Guard    *risk.Guard
	Engine   *executor.Engine
	Ledger   *ledger.Ledger
	Resolver *ledger.Resolver
	EventLog *events.Log
	Notifier *notify.Notifier
	Archiver *s3blob.Archiver // nil unless archiving is enabled

	// DedupTTL is how long an executed market+strategy pairing stays muted.
	DedupTTL time.Duration
}

// Wire constructs every concrete dependency from the configuration. The
// returned cleanup function releases connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// PostgreSQL.
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Markets = postgres.NewMarketStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.RiskState = postgres.NewRiskStateStore(pool)
	deps.Events = postgres.NewEventStore(pool)
	deps.PnL = postgres.NewDailyPnLStore(pool)

	// Redis.
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.Limiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)

	// Notifications and the event log.
	deps.Notifier = notify.New(cfg.Notify, logger)
	var forwarder events.Forwarder
	if deps.Notifier.Enabled() {
		forwarder = deps.Notifier
	}
	deps.EventLog = events.New(deps.Events, deps.SignalBus, forwarder, logger)

	// Venue clients. Only live trading needs credentials; books and market
	// metadata are public.
	var creds crypto.Credentials
	if strings.ToLower(cfg.Mode) == "trade" {
		creds, err = crypto.LoadCredentials(crypto.CredsSource{
			Key:           cfg.Polymarket.ApiKey,
			Secret:        cfg.Polymarket.ApiSecret,
			Passphrase:    cfg.Polymarket.ApiPassphrase,
			EncryptedPath: cfg.Polymarket.CredsPath,
			Password:      cfg.Polymarket.CredsPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: venue credentials: %w", err)
		}
	}

	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost, logger).
		WithRateLimiter(deps.Limiter)
	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, creds, logger).
		WithRateLimiter(deps.Limiter)
	deps.Catalog = polymarket.NewCatalog(gamma, clob, cfg.Scanner.MinVolume, cfg.Scanner.MaxMarkets)
	deps.Gateway = clob

	// Reference feed, mirroring ticks into the price cache.
	deps.Feed = feed.NewBinance(cfg.Binance.WsURL, cfg.Binance.Symbols, deps.PriceCache, logger)

	// Detection strategies per config.
	strategies, dedupTTL, err := buildStrategies(cfg, deps.Feed, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.DedupTTL = dedupTTL
	deps.Detector = detector.New(detector.Config{
		Strategies:     strategies,
		StalenessBound: cfg.Scanner.StalenessBound.Duration,
		Events:         deps.EventLog,
		Logger:         logger,
	})

	deps.Scanner = scanner.New(scanner.Config{
		Interval:       cfg.Scanner.Interval.Duration,
		MinVolume:      cfg.Scanner.MinVolume,
		MinTimeToClose: cfg.Scanner.MinTimeToClose.Duration,
		MaxMarkets:     cfg.Scanner.MaxMarkets,
	}, deps.Catalog, deps.Markets, logger)

	deps.Guard = risk.NewGuard(risk.Config{
		Bankroll:               cfg.Trading.Bankroll,
		ArbPositionPct:         cfg.Risk.ArbPositionPct,
		LatePositionPct:        cfg.Risk.LatePositionPct,
		DailyExposurePct:       cfg.Risk.DailyExposurePct,
		DailyLossHaltPct:       cfg.Risk.DailyLossHaltPct,
		MaxConsecutiveFails:    cfg.Risk.MaxConsecutiveFails,
		BreakerCooldown:        cfg.Risk.BreakerCooldown.Duration,
		SlippageTolerance:      cfg.Risk.SlippageTolerance,
		MaxConcurrentPositions: cfg.Trading.MaxConcurrentPositions,
		MinEdge:                cfg.Strategy.MinEdge,
	}, risk.Deps{
		Store:     deps.RiskState,
		Positions: deps.Positions,
		Quotes:    deps.Catalog,
		Events:    deps.EventLog,
		Logger:    logger,
	})

	deps.Ledger = ledger.New(deps.Positions, deps.PnL, deps.Guard, deps.EventLog, logger)
	deps.Resolver = ledger.NewResolver(deps.Ledger, deps.Catalog, cfg.Executor.ResolverInterval.Duration, logger)

	// Paper mode always simulates fills; trade mode still honors an explicit
	// dry_run so a misconfigured deploy cannot go live by accident.
	dryRun := cfg.Executor.DryRun || strings.ToLower(cfg.Mode) == "paper"
	deps.Engine = executor.NewEngine(executor.Config{
		DryRun:      dryRun,
		FillTimeout: cfg.Executor.FillTimeout.Duration,
		MaxRetries:  cfg.Executor.MaxRetries,
	}, deps.Gateway, deps.Ledger, deps.Guard, deps.EventLog, logger)

	// S3 archiver, optional.
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.Archiver = s3blob.NewArchiver(
			s3blob.ArchiverConfig{
				Interval:      cfg.Archive.Interval.Duration,
				RetentionDays: cfg.Archive.RetentionDays,
			},
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Positions,
			deps.Events,
			deps.Locks,
			logger,
		)
	}

	return deps, cleanup, nil
}

// buildStrategies assembles the enabled detection strategies. The dedup TTL
// is the longest strategy TTL so a standing edge is retried no sooner than
// its opportunities expire.
func buildStrategies(cfg *config.Config, refFeed domain.ReferenceFeed, logger *slog.Logger) ([]detector.Strategy, time.Duration, error) {
	registry := detector.NewRegistry()
	var dedupTTL time.Duration

	if cfg.Strategy.OneOfMany.Enabled {
		registry.Register(detector.NewOneOfMany(detector.OneOfManyConfig{
			MinEdge:        cfg.Strategy.MinEdge,
			MaxSpreadPct:   cfg.Strategy.OneOfMany.MaxSpreadPct,
			MaxPositionUSD: cfg.MaxArbPositionUSD(),
			MinTimeToClose: cfg.Scanner.MinTimeToClose.Duration,
			TTL:            cfg.Strategy.OneOfMany.TTL.Duration,
		}, logger))
		dedupTTL = max(dedupTTL, cfg.Strategy.OneOfMany.TTL.Duration)
	}

	if cfg.Strategy.YesNo.Enabled {
		registry.Register(detector.NewYesNo(detector.YesNoConfig{
			MinEdge:        cfg.Strategy.MinEdge,
			MaxSpreadPct:   cfg.Strategy.YesNo.MaxSpreadPct,
			MaxPositionUSD: cfg.MaxArbPositionUSD(),
			MinTimeToClose: cfg.Scanner.MinTimeToClose.Duration,
			TTL:            cfg.Strategy.YesNo.TTL.Duration,
		}, logger))
		dedupTTL = max(dedupTTL, cfg.Strategy.YesNo.TTL.Duration)
	}

	if cfg.Strategy.Late.Enabled {
		registry.Register(detector.NewLateMarket(detector.LateMarketConfig{
			Symbol:           cfg.Strategy.Late.Symbol,
			WindowStart:      cfg.Strategy.Late.WindowStart.Duration,
			WindowEnd:        cfg.Strategy.Late.WindowEnd.Duration,
			MinDeviationPct:  cfg.Strategy.Late.MinDeviationPct,
			MaxVolatilityPct: cfg.Strategy.Late.MaxVolatilityPct,
			MaxEntryPrice:    cfg.Strategy.Late.MaxEntryPrice,
			MaxSpreadPct:     cfg.Strategy.Late.MaxSpreadPct,
			MaxPositionUSD:   cfg.MaxLatePositionUSD(),
			StalenessBound:   cfg.Binance.StalenessBound.Duration,
			TTL:              cfg.Strategy.Late.TTL.Duration,
		}, refFeed, logger))
		dedupTTL = max(dedupTTL, cfg.Strategy.Late.TTL.Duration)
	}

	strategies := registry.All()
	if len(strategies) == 0 {
		return nil, 0, fmt.Errorf("wire: no detection strategies enabled")
	}
	if dedupTTL <= 0 {
		dedupTTL = time.Minute
	}
	return strategies, dedupTTL, nil
}
