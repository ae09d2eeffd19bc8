package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sureside/arbot/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. Rows are
// append-only; DeleteBefore exists for retention pruning after archiving.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts one event. Details are stored as JSONB.
func (s *EventStore) Append(ctx context.Context, e domain.Event) error {
	var detailsJSON []byte
	if e.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("postgres: marshal event details: %w", err)
		}
	}

	const query = `
		INSERT INTO events (time, type, severity, strategy, market_id, position_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		e.Time, string(e.Type), string(e.Severity), string(e.Strategy),
		e.MarketID, e.PositionID, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", e.Type, err)
	}
	return nil
}

// List returns events newest first with pagination and optional time
// filtering.
func (s *EventStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT id, time, type, severity, strategy, market_id, position_id, details
		FROM events WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY time DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var eventType, severity, strategy string
		var detailsJSON []byte

		if err := rows.Scan(&e.ID, &e.Time, &eventType, &severity, &strategy,
			&e.MarketID, &e.PositionID, &detailsJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.Type = domain.EventType(eventType)
		e.Severity = domain.Severity(severity)
		e.Strategy = domain.StrategyKind(strategy)
		if detailsJSON != nil {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event details: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return events, nil
}

// DeleteBefore removes events older than cutoff and reports how many rows
// went away.
func (s *EventStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}
