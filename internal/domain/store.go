package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market metadata discovered by the scanner.
type MarketStore interface {
	Upsert(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Market, error)
}

// PositionStore persists positions. Durable read-after-write is the only
// storage property the core depends on.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	Update(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListResolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	Delete(ctx context.Context, id string) error
}

// RiskStateStore persists the single process-wide risk record, updated in
// place after every invariant-affecting mutation.
type RiskStateStore interface {
	Load(ctx context.Context) (RiskState, error)
	Save(ctx context.Context, s RiskState) error
}

// EventStore persists the append-only event log.
type EventStore interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, opts ListOpts) ([]Event, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DailyPnLStore persists per-day realized P&L aggregates keyed by UTC date.
type DailyPnLStore interface {
	Get(ctx context.Context, date string) (DailyPnL, error)
	Upsert(ctx context.Context, d DailyPnL) error
}

// SignalBus is a one-way fan-out channel for event and snapshot payloads
// consumed by the dashboard and alerting processes. The core never blocks on
// consumer availability.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// PriceCache mirrors the latest reference-feed samples for external readers.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// BlobWriter writes archive objects to blob storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// RateLimiter throttles outbound venue requests. Wait blocks until a request
// under the given key is permitted or the context is cancelled.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager serializes maintenance sweeps that must not run concurrently
// across process instances. Acquire returns ErrLockHeld when another holder
// owns the lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
