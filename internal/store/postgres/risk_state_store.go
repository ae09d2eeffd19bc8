package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sureside/arbot/internal/domain"
)

// RiskStateStore implements domain.RiskStateStore using PostgreSQL. The state
// lives in a single row that is replaced on every save.
type RiskStateStore struct {
	pool *pgxpool.Pool
}

// NewRiskStateStore creates a RiskStateStore backed by the given connection pool.
func NewRiskStateStore(pool *pgxpool.Pool) *RiskStateStore {
	return &RiskStateStore{pool: pool}
}

// Load returns the persisted risk state, or domain.ErrNotFound when no state
// has ever been saved.
func (s *RiskStateStore) Load(ctx context.Context) (domain.RiskState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT day, daily_committed, daily_realized_pnl, consecutive_fails,
		       halted_until, halt_reason, updated_at
		FROM risk_state WHERE id = 1`)

	var st domain.RiskState
	var haltedUntil *time.Time
	err := row.Scan(
		&st.Day, &st.DailyCommitted, &st.DailyRealizedPnL, &st.ConsecutiveFails,
		&haltedUntil, &st.HaltReason, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RiskState{}, domain.ErrNotFound
		}
		return domain.RiskState{}, fmt.Errorf("postgres: load risk state: %w", err)
	}
	if haltedUntil != nil {
		st.HaltedUntil = *haltedUntil
	}
	return st, nil
}

// Save replaces the risk state row.
func (s *RiskStateStore) Save(ctx context.Context, st domain.RiskState) error {
	const query = `
		INSERT INTO risk_state (
			id, day, daily_committed, daily_realized_pnl, consecutive_fails,
			halted_until, halt_reason, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			day                = EXCLUDED.day,
			daily_committed    = EXCLUDED.daily_committed,
			daily_realized_pnl = EXCLUDED.daily_realized_pnl,
			consecutive_fails  = EXCLUDED.consecutive_fails,
			halted_until       = EXCLUDED.halted_until,
			halt_reason        = EXCLUDED.halt_reason,
			updated_at         = NOW()`

	_, err := s.pool.Exec(ctx, query,
		st.Day, st.DailyCommitted, st.DailyRealizedPnL, st.ConsecutiveFails,
		nullableTime(st.HaltedUntil), st.HaltReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: save risk state: %w", err)
	}
	return nil
}
