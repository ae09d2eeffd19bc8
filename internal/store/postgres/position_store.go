package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sureside/arbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Legs are
// stored as JSONB; positions are few and read whole.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, strategy, market_id, question, legs, total_cost,
	expected_edge, status, partial, failure_reason, opened_at, resolved_at,
	winner, realized_pnl`

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	legsJSON, err := json.Marshal(p.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal legs: %w", err)
	}

	const query = `
		INSERT INTO positions (
			id, strategy, market_id, question, legs, total_cost,
			expected_edge, status, partial, failure_reason, opened_at,
			resolved_at, winner, realized_pnl, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, NOW()
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, string(p.Strategy), p.MarketID, p.Question, legsJSON, p.TotalCost,
		p.ExpectedEdge, string(p.Status), p.Partial, p.FailureReason, p.OpenedAt,
		p.ResolvedAt, p.Winner, p.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	legsJSON, err := json.Marshal(p.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal legs: %w", err)
	}

	const query = `
		UPDATE positions SET
			strategy       = $2,
			market_id      = $3,
			question       = $4,
			legs           = $5,
			total_cost     = $6,
			expected_edge  = $7,
			status         = $8,
			partial        = $9,
			failure_reason = $10,
			resolved_at    = $11,
			winner         = $12,
			realized_pnl   = $13,
			updated_at     = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Strategy), p.MarketID, p.Question, legsJSON, p.TotalCost,
		p.ExpectedEdge, string(p.Status), p.Partial, p.FailureReason,
		p.ResolvedAt, p.Winner, p.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListActive returns positions still holding capital at risk.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN ('opening', 'open', 'closing')
		 ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// ListResolvedBefore returns resolved positions settled before cutoff, oldest
// first, used by the archiver.
func (s *PositionStore) ListResolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		 WHERE status = 'resolved' AND resolved_at < $1
		 ORDER BY resolved_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// Delete removes a position, typically after archiving.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	return nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var strategy, status string
	var legsJSON []byte

	err := row.Scan(
		&p.ID, &strategy, &p.MarketID, &p.Question, &legsJSON, &p.TotalCost,
		&p.ExpectedEdge, &status, &p.Partial, &p.FailureReason, &p.OpenedAt,
		&p.ResolvedAt, &p.Winner, &p.RealizedPnL,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Strategy = domain.StrategyKind(strategy)
	p.Status = domain.PositionStatus(status)
	if err := json.Unmarshal(legsJSON, &p.Legs); err != nil {
		return domain.Position{}, fmt.Errorf("unmarshal legs: %w", err)
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return positions, nil
}
