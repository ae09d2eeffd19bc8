package s3blob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sureside/arbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
	failing bool
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (w *memWriter) Write(_ context.Context, key string, data []byte, contentType string) error {
	if w.failing {
		return errors.New("upload refused")
	}
	w.objects[key] = data
	w.types[key] = contentType
	return nil
}

// checkerFromWriter verifies against what the writer actually stored.
type checkerFromWriter struct {
	w *memWriter
}

func (c checkerFromWriter) Exists(_ context.Context, key string) (bool, error) {
	_, ok := c.w.objects[key]
	return ok, nil
}

type memPositions struct {
	byID    map[string]domain.Position
	deletes int
	delErr  error
}

func newMemPositions(ps ...domain.Position) *memPositions {
	m := &memPositions{byID: map[string]domain.Position{}}
	for _, p := range ps {
		m.byID[p.ID] = p
	}
	return m
}

func (m *memPositions) Create(_ context.Context, p domain.Position) error {
	m.byID[p.ID] = p
	return nil
}

func (m *memPositions) Update(_ context.Context, p domain.Position) error {
	m.byID[p.ID] = p
	return nil
}

func (m *memPositions) GetByID(_ context.Context, id string) (domain.Position, error) {
	p, ok := m.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPositions) ListActive(_ context.Context) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range m.byID {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPositions) ListResolvedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range m.byID {
		if p.Status != domain.PositionResolved || p.ResolvedAt == nil {
			continue
		}
		if p.ResolvedAt.Before(cutoff) {
			out = append(out, p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memPositions) Delete(_ context.Context, id string) error {
	if m.delErr != nil {
		return m.delErr
	}
	delete(m.byID, id)
	m.deletes++
	return nil
}

type memEvents struct {
	events        []domain.Event
	deletedBefore *time.Time
}

func (m *memEvents) Append(_ context.Context, e domain.Event) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memEvents) List(_ context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range m.events {
		if opts.Until != nil && !e.Time.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memEvents) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.deletedBefore = &cutoff
	var kept []domain.Event
	var removed int64
	for _, e := range m.events {
		if e.Time.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return removed, nil
}

type fakeLocks struct {
	held     bool
	acquired int
	releases int
}

func (f *fakeLocks) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	if f.held {
		return nil, domain.ErrLockHeld
	}
	f.acquired++
	return func() { f.releases++ }, nil
}

var baseTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func resolvedPosition(id string, resolvedAt time.Time) domain.Position {
	pnl := 1.5
	return domain.Position{
		ID:          id,
		Strategy:    domain.StrategyOneOfMany,
		MarketID:    "0xcond",
		Status:      domain.PositionResolved,
		TotalCost:   19.95,
		OpenedAt:    resolvedAt.Add(-24 * time.Hour),
		ResolvedAt:  &resolvedAt,
		Winner:      "Yes",
		RealizedPnL: &pnl,
	}
}

func newTestArchiver(w *memWriter, positions *memPositions, events *memEvents, locks domain.LockManager) *Archiver {
	a := NewArchiver(
		ArchiverConfig{Interval: time.Hour, RetentionDays: 30},
		w,
		checkerFromWriter{w},
		positions,
		events,
		locks,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	a.now = func() time.Time { return baseTime }
	return a
}

func TestSweepArchivesOldPositions(t *testing.T) {
	old := resolvedPosition("pos-old", baseTime.AddDate(0, 0, -45))
	fresh := resolvedPosition("pos-fresh", baseTime.AddDate(0, 0, -5))
	positions := newMemPositions(old, fresh)
	w := newMemWriter()

	a := newTestArchiver(w, positions, &memEvents{}, nil)
	require.NoError(t, a.Sweep(context.Background()))

	// Only the position past retention is archived and deleted.
	_, err := positions.GetByID(context.Background(), "pos-old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = positions.GetByID(context.Background(), "pos-fresh")
	assert.NoError(t, err)

	key := "archive/positions/2025-06/20250615T120000Z.jsonl"
	require.Contains(t, w.objects, key)
	assert.Equal(t, "application/x-ndjson", w.types[key])

	body := string(w.objects[key])
	assert.Contains(t, body, `"pos-old"`)
	assert.NotContains(t, body, `"pos-fresh"`)
	assert.Equal(t, 1, strings.Count(body, "\n"))
}

func TestSweepArchivesAgedEvents(t *testing.T) {
	events := &memEvents{events: []domain.Event{
		{ID: 1, Time: baseTime.AddDate(0, 0, -60), Type: domain.EventOrderFailed},
		{ID: 2, Time: baseTime.AddDate(0, 0, -1), Type: domain.EventPositionOpened},
	}}
	w := newMemWriter()

	a := newTestArchiver(w, newMemPositions(), events, nil)
	require.NoError(t, a.Sweep(context.Background()))

	key := "archive/events/2025-06/20250615T120000Z.jsonl"
	require.Contains(t, w.objects, key)
	assert.Contains(t, string(w.objects[key]), `"ID":1`)
	assert.NotContains(t, string(w.objects[key]), `"ID":2`)

	require.NotNil(t, events.deletedBefore)
	assert.Equal(t, baseTime.AddDate(0, 0, -30), *events.deletedBefore)
	require.Len(t, events.events, 1)
	assert.Equal(t, int64(2), events.events[0].ID)
}

func TestSweepKeepsRowsWhenUploadFails(t *testing.T) {
	positions := newMemPositions(resolvedPosition("pos-old", baseTime.AddDate(0, 0, -45)))
	w := newMemWriter()
	w.failing = true

	a := newTestArchiver(w, positions, &memEvents{}, nil)
	require.Error(t, a.Sweep(context.Background()))

	_, err := positions.GetByID(context.Background(), "pos-old")
	assert.NoError(t, err)
}

func TestSweepKeepsRowWhenDeleteFails(t *testing.T) {
	positions := newMemPositions(resolvedPosition("pos-old", baseTime.AddDate(0, 0, -45)))
	positions.delErr = errors.New("db down")
	w := newMemWriter()

	a := newTestArchiver(w, positions, &memEvents{}, nil)
	require.NoError(t, a.Sweep(context.Background()))

	// Archived but not deleted; the next sweep retries.
	assert.Len(t, w.objects, 1)
	_, err := positions.GetByID(context.Background(), "pos-old")
	assert.NoError(t, err)
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	positions := newMemPositions(resolvedPosition("pos-old", baseTime.AddDate(0, 0, -45)))
	w := newMemWriter()
	locks := &fakeLocks{held: true}

	a := newTestArchiver(w, positions, &memEvents{}, locks)
	require.NoError(t, a.Sweep(context.Background()))

	assert.Empty(t, w.objects)
	_, err := positions.GetByID(context.Background(), "pos-old")
	assert.NoError(t, err)
}

func TestSweepReleasesLock(t *testing.T) {
	locks := &fakeLocks{}
	a := newTestArchiver(newMemWriter(), newMemPositions(), &memEvents{}, locks)

	require.NoError(t, a.Sweep(context.Background()))
	assert.Equal(t, 1, locks.acquired)
	assert.Equal(t, 1, locks.releases)
}

func TestSweepNoopWhenNothingAged(t *testing.T) {
	w := newMemWriter()
	a := newTestArchiver(w, newMemPositions(), &memEvents{}, nil)

	require.NoError(t, a.Sweep(context.Background()))
	assert.Empty(t, w.objects)
}

func TestArchiveKeyLayout(t *testing.T) {
	at := time.Date(2025, 1, 3, 4, 5, 6, 0, time.UTC)
	assert.Equal(t, "archive/events/2025-01/20250103T040506Z.jsonl", archiveKey("events", at))
}
