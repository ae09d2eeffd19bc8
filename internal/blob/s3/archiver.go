package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sureside/arbot/internal/domain"
)

// positionBatchLimit caps how many resolved positions one sweep moves to
// cold storage. Anything left over is picked up by the next sweep.
const positionBatchLimit = 500

// lockTTL bounds how long a crashed sweep can block its successors.
const lockTTL = 10 * time.Minute

// ObjectChecker confirms an uploaded archive object actually landed.
type ObjectChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// ArchiverConfig tunes the cold storage sweep.
type ArchiverConfig struct {
	Interval      time.Duration
	RetentionDays int
}

// Archiver moves resolved positions and aged events from Postgres to object
// storage as JSONL, deleting rows only after the upload is verified. With a
// lock manager configured, concurrent instances take turns sweeping.
type Archiver struct {
	cfg       ArchiverConfig
	writer    domain.BlobWriter
	checker   ObjectChecker
	positions domain.PositionStore
	events    domain.EventStore
	locks     domain.LockManager
	logger    *slog.Logger

	now func() time.Time
}

// NewArchiver creates an Archiver. locks may be nil for single-instance
// deployments; checker may be nil to skip upload verification.
func NewArchiver(
	cfg ArchiverConfig,
	writer domain.BlobWriter,
	checker ObjectChecker,
	positions domain.PositionStore,
	events domain.EventStore,
	locks domain.LockManager,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		cfg:       cfg,
		writer:    writer,
		checker:   checker,
		positions: positions,
		events:    events,
		locks:     locks,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Sweep archives and deletes everything older than the retention cutoff.
func (a *Archiver) Sweep(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, "archiver", lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.DebugContext(ctx, "sweep already running elsewhere")
			return nil
		}
		if err != nil {
			return fmt.Errorf("s3blob: acquire sweep lock: %w", err)
		}
		defer unlock()
	}

	cutoff := a.now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)

	posCount, err := a.archivePositions(ctx, cutoff)
	if err != nil {
		return err
	}

	evCount, err := a.archiveEvents(ctx, cutoff)
	if err != nil {
		return err
	}

	if posCount > 0 || evCount > 0 {
		a.logger.InfoContext(ctx, "archive sweep finished",
			slog.Int("positions", posCount),
			slog.Int64("events", evCount),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

// archivePositions uploads one batch of old resolved positions and deletes
// the archived rows.
func (a *Archiver) archivePositions(ctx context.Context, cutoff time.Time) (int, error) {
	batch, err := a.positions.ListResolvedBefore(ctx, cutoff, positionBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list resolved positions: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(batch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: marshal positions: %w", err)
	}
	key := archiveKey("positions", a.now().UTC())
	if err := a.upload(ctx, key, buf); err != nil {
		return 0, err
	}

	deleted := 0
	for _, p := range batch {
		if err := a.positions.Delete(ctx, p.ID); err != nil {
			// The row stays in Postgres and gets re-archived next sweep.
			// The duplicate JSONL line is harmless.
			a.logger.WarnContext(ctx, "failed to delete archived position",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// archiveEvents uploads all events older than the cutoff and deletes them in
// one range delete.
func (a *Archiver) archiveEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	batch, err := a.events.List(ctx, domain.ListOpts{Until: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("s3blob: list aged events: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(batch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: marshal events: %w", err)
	}
	key := archiveKey("events", a.now().UTC())
	if err := a.upload(ctx, key, buf); err != nil {
		return 0, err
	}

	deleted, err := a.events.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: delete aged events: %w", err)
	}
	return deleted, nil
}

// upload writes a JSONL payload and verifies the object landed before the
// caller deletes anything.
func (a *Archiver) upload(ctx context.Context, key string, buf []byte) error {
	if err := a.writer.Write(ctx, key, buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", key, err)
	}

	if a.checker != nil {
		ok, err := a.checker.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("s3blob: verify %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("s3blob: verify %s: object missing after upload", key)
		}
	}
	return nil
}

// archiveKey builds the object key for one sweep's upload, partitioned by
// month with a timestamp so repeated sweeps never collide.
//
//	archive/positions/2025-06/20250615T120000Z.jsonl
func archiveKey(kind string, at time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl",
		kind, at.Format("2006-01"), at.Format("20060102T150405Z"))
}

// marshalJSONL serializes a slice as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
