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

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `id, question, category, neg_risk, outcomes, volume,
	close_time, resolved, winner, created_at, updated_at`

// Upsert inserts or refreshes a market's metadata. Outcomes are stored as
// JSONB.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	outcomesJSON, err := json.Marshal(m.Outcomes)
	if err != nil {
		return fmt.Errorf("postgres: marshal outcomes: %w", err)
	}

	const query = `
		INSERT INTO markets (
			id, question, category, neg_risk, outcomes, volume,
			close_time, resolved, winner, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			question   = EXCLUDED.question,
			category   = EXCLUDED.category,
			neg_risk   = EXCLUDED.neg_risk,
			outcomes   = EXCLUDED.outcomes,
			volume     = EXCLUDED.volume,
			close_time = EXCLUDED.close_time,
			resolved   = EXCLUDED.resolved,
			winner     = EXCLUDED.winner,
			updated_at = NOW()`

	_, err = s.pool.Exec(ctx, query,
		m.ID, m.Question, string(m.Category), m.NegRisk, outcomesJSON,
		m.Volume, nullableTime(m.CloseTime), m.Resolved, m.Winner,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a single market.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE id = $1`, id)

	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// ListActive returns unresolved markets ordered by close time.
func (s *MarketStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE NOT resolved ORDER BY close_time ASC`
	args := []any{}
	if opts.Limit > 0 {
		query += ` LIMIT $1`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET $2`
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active markets rows: %w", err)
	}
	return markets, nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var category string
	var outcomesJSON []byte
	var closeTime *time.Time

	err := row.Scan(
		&m.ID, &m.Question, &category, &m.NegRisk, &outcomesJSON,
		&m.Volume, &closeTime, &m.Resolved, &m.Winner,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Category = domain.MarketCategory(category)
	if closeTime != nil {
		m.CloseTime = *closeTime
	}
	if err := json.Unmarshal(outcomesJSON, &m.Outcomes); err != nil {
		return domain.Market{}, fmt.Errorf("unmarshal outcomes: %w", err)
	}
	return m, nil
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
