package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sureside/arbot/internal/domain"
)

// DailyPnLStore implements domain.DailyPnLStore using PostgreSQL, one row per
// UTC date.
type DailyPnLStore struct {
	pool *pgxpool.Pool
}

// NewDailyPnLStore creates a DailyPnLStore backed by the given connection pool.
func NewDailyPnLStore(pool *pgxpool.Pool) *DailyPnLStore {
	return &DailyPnLStore{pool: pool}
}

// Get returns the aggregate for the given date, or domain.ErrNotFound.
func (s *DailyPnLStore) Get(ctx context.Context, date string) (domain.DailyPnL, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT date, total_pnl, trades, wins, strategy_pnl
		FROM daily_pnl WHERE date = $1`, date)

	var d domain.DailyPnL
	var strategyJSON []byte
	err := row.Scan(&d.Date, &d.TotalPnL, &d.Trades, &d.Wins, &strategyJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DailyPnL{}, domain.ErrNotFound
		}
		return domain.DailyPnL{}, fmt.Errorf("postgres: get daily pnl %s: %w", date, err)
	}
	if err := json.Unmarshal(strategyJSON, &d.StrategyPnL); err != nil {
		return domain.DailyPnL{}, fmt.Errorf("postgres: unmarshal strategy pnl: %w", err)
	}
	return d, nil
}

// Upsert replaces the aggregate row for its date.
func (s *DailyPnLStore) Upsert(ctx context.Context, d domain.DailyPnL) error {
	strategyJSON, err := json.Marshal(d.StrategyPnL)
	if err != nil {
		return fmt.Errorf("postgres: marshal strategy pnl: %w", err)
	}

	const query = `
		INSERT INTO daily_pnl (date, total_pnl, trades, wins, strategy_pnl, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (date) DO UPDATE SET
			total_pnl    = EXCLUDED.total_pnl,
			trades       = EXCLUDED.trades,
			wins         = EXCLUDED.wins,
			strategy_pnl = EXCLUDED.strategy_pnl,
			updated_at   = NOW()`

	_, err = s.pool.Exec(ctx, query, d.Date, d.TotalPnL, d.Trades, d.Wins, strategyJSON)
	if err != nil {
		return fmt.Errorf("postgres: upsert daily pnl %s: %w", d.Date, err)
	}
	return nil
}
