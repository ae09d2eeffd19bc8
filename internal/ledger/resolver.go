package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/sureside/arbot/internal/domain"
)

// MarketFetcher loads current market state from the venue. Subset of the
// catalog contract.
type MarketFetcher interface {
	FetchMarket(ctx context.Context, marketID string) (domain.Market, error)
}

// Resolver polls open positions against venue market state and settles the
// ones whose markets have resolved.
type Resolver struct {
	ledger   *Ledger
	catalog  MarketFetcher
	interval time.Duration
	logger   *slog.Logger
}

// NewResolver creates a resolver polling at the given interval.
func NewResolver(l *Ledger, catalog MarketFetcher, interval time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		ledger:   l,
		catalog:  catalog,
		interval: interval,
		logger:   logger.With(slog.String("component", "position_resolver")),
	}
}

// Run polls until ctx is cancelled. Errors affect only the current position
// and cycle, never the loop.
func (r *Resolver) Run(ctx context.Context) error {
	r.logger.Info("position resolver started", slog.Duration("interval", r.interval))
	defer r.logger.Info("position resolver stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep checks every active position once. A market still trading, or
// resolved without a winner reported yet, is skipped for this cycle.
func (r *Resolver) Sweep(ctx context.Context) {
	active, err := r.ledger.ListActive(ctx)
	if err != nil {
		r.logger.Warn("list active positions failed", slog.String("error", err.Error()))
		return
	}
	if len(active) == 0 {
		return
	}

	// One venue fetch per market, not per position.
	markets := make(map[string]*domain.Market)
	for _, p := range active {
		if _, seen := markets[p.MarketID]; seen {
			continue
		}
		m, err := r.catalog.FetchMarket(ctx, p.MarketID)
		if err != nil {
			r.logger.Debug("market fetch failed",
				slog.String("market_id", p.MarketID),
				slog.String("error", err.Error()),
			)
			markets[p.MarketID] = nil
			continue
		}
		markets[p.MarketID] = &m
	}

	for _, p := range active {
		m := markets[p.MarketID]
		if m == nil || !m.Resolved || m.Winner == "" {
			continue
		}
		if err := r.ledger.Resolve(ctx, p.ID, m.Winner); err != nil {
			r.logger.Warn("resolve failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
