// Package ledger owns position state and realized P&L. The executor proposes
// fills; everything after that, through settlement, happens here.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sureside/arbot/internal/domain"
)

// EventSink receives position lifecycle events.
type EventSink interface {
	Record(ctx context.Context, ev domain.Event)
}

// PnLTracker feeds realized P&L into the loss-based circuit breaker.
// Implemented by the risk guard.
type PnLTracker interface {
	AddRealizedPnL(ctx context.Context, pnl float64) error
}

// Ledger tracks all positions and resolves them when markets settle.
type Ledger struct {
	positions domain.PositionStore
	pnl       domain.DailyPnLStore
	tracker   PnLTracker
	events    EventSink
	logger    *slog.Logger

	mu  sync.Mutex // serializes resolve against concurrent duplicate notifications
	now func() time.Time
}

// New creates a ledger.
func New(positions domain.PositionStore, pnl domain.DailyPnLStore, tracker PnLTracker, events EventSink, logger *slog.Logger) *Ledger {
	return &Ledger{
		positions: positions,
		pnl:       pnl,
		tracker:   tracker,
		events:    events,
		logger:    logger.With(slog.String("component", "ledger")),
		now:       time.Now,
	}
}

// Open records a freshly executed position.
func (l *Ledger) Open(ctx context.Context, p domain.Position) error {
	if err := l.positions.Create(ctx, p); err != nil {
		return fmt.Errorf("ledger: create position: %w: %w", domain.ErrPersistence, err)
	}
	severity := domain.SeverityInfo
	if p.Partial {
		severity = domain.SeverityWarning
	}
	l.events.Record(ctx, domain.Event{
		Time:       l.now().UTC(),
		Type:       domain.EventPositionOpened,
		Severity:   severity,
		Strategy:   p.Strategy,
		MarketID:   p.MarketID,
		PositionID: p.ID,
		Details: map[string]any{
			"total_cost":    p.TotalCost,
			"expected_edge": p.ExpectedEdge,
			"legs":          len(p.Legs),
			"partial":       p.Partial,
		},
	})
	return nil
}

// ListActive returns every position still holding capital.
func (l *Ledger) ListActive(ctx context.Context) ([]domain.Position, error) {
	return l.positions.ListActive(ctx)
}

// ResolveMarket resolves every active position on a settled market. Called
// when a settlement notification arrives; duplicate notifications are
// harmless because per-position resolution is idempotent.
func (l *Ledger) ResolveMarket(ctx context.Context, marketID, winner string) error {
	active, err := l.positions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("ledger: list active: %w", err)
	}
	var firstErr error
	for _, p := range active {
		if p.MarketID != marketID {
			continue
		}
		if err := l.Resolve(ctx, p.ID, winner); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Resolve settles one position against the winning outcome. Each token of a
// winning leg pays $1; losing legs expire worthless. Resolving an
// already-resolved position is a no-op, not an error.
func (l *Ledger) Resolve(ctx context.Context, positionID, winner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.positions.GetByID(ctx, positionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("ledger: load position %s: %w", positionID, err)
	}
	if p.Status == domain.PositionResolved {
		return nil
	}

	now := l.now().UTC()
	payout := p.Payout(winner)
	pnl := payout - p.TotalCost

	p.Status = domain.PositionResolved
	p.Winner = winner
	p.RealizedPnL = &pnl
	p.ResolvedAt = &now
	if err := l.positions.Update(ctx, p); err != nil {
		return fmt.Errorf("ledger: update position %s: %w: %w", positionID, domain.ErrPersistence, err)
	}

	if err := l.updateDailyPnL(ctx, p.Strategy, pnl, now); err != nil {
		return err
	}
	if err := l.tracker.AddRealizedPnL(ctx, pnl); err != nil {
		return err
	}

	severity := domain.SeverityInfo
	if pnl < 0 {
		severity = domain.SeverityWarning
	}
	l.events.Record(ctx, domain.Event{
		Time:       now,
		Type:       domain.EventPositionResolved,
		Severity:   severity,
		Strategy:   p.Strategy,
		MarketID:   p.MarketID,
		PositionID: p.ID,
		Details: map[string]any{
			"winner":       winner,
			"payout":       payout,
			"realized_pnl": pnl,
		},
	})
	l.logger.Info("position resolved",
		slog.String("position_id", p.ID),
		slog.String("strategy", string(p.Strategy)),
		slog.String("winner", winner),
		slog.Float64("realized_pnl", pnl),
	)
	return nil
}

// updateDailyPnL folds one resolution into the day's aggregate.
func (l *Ledger) updateDailyPnL(ctx context.Context, strategy domain.StrategyKind, pnl float64, now time.Time) error {
	date := now.Format("2006-01-02")
	agg, err := l.pnl.Get(ctx, date)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("ledger: load daily pnl %s: %w", date, err)
	}
	agg.Date = date
	agg.TotalPnL += pnl
	agg.Trades++
	if pnl > 0 {
		agg.Wins++
	}
	if agg.StrategyPnL == nil {
		agg.StrategyPnL = make(map[domain.StrategyKind]float64)
	}
	agg.StrategyPnL[strategy] += pnl
	agg.UpdatedAt = now
	if err := l.pnl.Upsert(ctx, agg); err != nil {
		return fmt.Errorf("ledger: upsert daily pnl %s: %w: %w", date, domain.ErrPersistence, err)
	}
	return nil
}

// DailyPnL returns the aggregate for a UTC date ("2006-01-02"). A day with no
// resolutions returns a zero aggregate.
func (l *Ledger) DailyPnL(ctx context.Context, date string) (domain.DailyPnL, error) {
	agg, err := l.pnl.Get(ctx, date)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.DailyPnL{Date: date}, nil
		}
		return domain.DailyPnL{}, fmt.Errorf("ledger: load daily pnl %s: %w", date, err)
	}
	return agg, nil
}
