// Package scanner discovers tradable markets and turns them into versioned
// quote snapshots for the detector. Each cycle re-reads the full orderbook of
// every outcome; books are replaced wholesale, never patched.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/sureside/arbot/internal/domain"
)

// Config tunes the poll loop.
type Config struct {
	Interval       time.Duration
	MinVolume      float64
	MinTimeToClose time.Duration
	MaxMarkets     int
}

// Scanner polls the market catalog and emits one snapshot per market per
// cycle. Snapshot versions increase monotonically per market for the lifetime
// of the process.
type Scanner struct {
	cfg     Config
	catalog domain.MarketCatalog
	markets domain.MarketStore
	logger  *slog.Logger

	versions map[string]uint64
	now      func() time.Time
}

// New creates a scanner. markets may be nil to skip metadata persistence.
func New(cfg Config, catalog domain.MarketCatalog, markets domain.MarketStore, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:      cfg,
		catalog:  catalog,
		markets:  markets,
		logger:   logger.With(slog.String("component", "scanner")),
		versions: make(map[string]uint64),
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled, sending snapshots to out. The channel is
// not closed on return; the caller owns it.
func (s *Scanner) Run(ctx context.Context, out chan<- domain.MarketSnapshot) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx, out)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one poll cycle: list markets, filter, fetch books, emit
// snapshots. Failures affect only the market they occur on.
func (s *Scanner) Sweep(ctx context.Context, out chan<- domain.MarketSnapshot) {
	markets, err := s.catalog.ListActiveMarkets(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "market listing failed", slog.String("error", err.Error()))
		return
	}

	emitted := 0
	for _, m := range markets {
		if s.cfg.MaxMarkets > 0 && emitted >= s.cfg.MaxMarkets {
			break
		}
		if !s.eligible(m) {
			continue
		}

		if s.markets != nil {
			if err := s.markets.Upsert(ctx, m); err != nil {
				s.logger.WarnContext(ctx, "market upsert failed",
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		snap, ok := s.snapshot(ctx, m)
		if !ok {
			continue
		}

		select {
		case out <- snap:
			emitted++
		case <-ctx.Done():
			return
		}
	}

	s.logger.DebugContext(ctx, "sweep complete",
		slog.Int("listed", len(markets)),
		slog.Int("emitted", emitted),
	)
}

// eligible applies the per-market filters that need no orderbook data.
func (s *Scanner) eligible(m domain.Market) bool {
	if m.Resolved || len(m.Outcomes) < 2 {
		return false
	}
	if m.Volume < s.cfg.MinVolume {
		return false
	}
	if m.CloseTime.IsZero() {
		return false
	}
	toClose := m.CloseTime.Sub(s.now())
	if toClose <= 0 {
		return false
	}
	// Short-horizon crypto markets are exactly what the late-market strategy
	// wants; the minimum-time filter applies only to general markets.
	if m.Category != domain.CategoryCryptoTimed && toClose < s.cfg.MinTimeToClose {
		return false
	}
	return true
}

// snapshot fetches the book of every outcome. A missing or failed book skips
// the market for this cycle rather than emitting a partial view.
func (s *Scanner) snapshot(ctx context.Context, m domain.Market) (domain.MarketSnapshot, bool) {
	books := make(map[string]domain.BookSnapshot, len(m.Outcomes))
	for _, o := range m.Outcomes {
		book, err := s.catalog.FetchBook(ctx, o.TokenID)
		if err != nil {
			s.logger.DebugContext(ctx, "book fetch failed, skipping market",
				slog.String("market_id", m.ID),
				slog.String("token_id", o.TokenID),
				slog.String("error", err.Error()),
			)
			return domain.MarketSnapshot{}, false
		}
		books[o.TokenID] = book
	}

	s.versions[m.ID]++
	return domain.MarketSnapshot{
		Market:  m,
		Books:   books,
		Version: s.versions[m.ID],
		Taken:   s.now(),
	}, true
}
