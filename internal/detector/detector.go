package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/sureside/arbot/internal/domain"
)

// EventSink receives append-only events for every detection decision worth
// recording. Implementations must not block on downstream consumers.
type EventSink interface {
	Record(ctx context.Context, ev domain.Event)
}

// Detector runs the enabled strategies over incoming market snapshots and
// forwards candidate opportunities downstream. Detection is read-only; the
// risk guard and executor own all mutation.
type Detector struct {
	strategies []Strategy
	staleness  time.Duration
	events     EventSink
	logger     *slog.Logger
	now        func() time.Time
}

// Config configures the detector.
type Config struct {
	Strategies []Strategy
	// StalenessBound is the snapshot age past which evaluation is skipped.
	// Zero disables the check.
	StalenessBound time.Duration
	Events         EventSink
	Logger         *slog.Logger
}

// New creates a detector running the given strategies in order.
func New(cfg Config) *Detector {
	return &Detector{
		strategies: cfg.Strategies,
		staleness:  cfg.StalenessBound,
		events:     cfg.Events,
		logger:     cfg.Logger.With(slog.String("component", "detector")),
		now:        time.Now,
	}
}

// Run consumes snapshots until ctx is cancelled or the channel closes,
// sending every detected opportunity to out. A strategy error affects only
// the current snapshot and strategy, never the loop.
func (d *Detector) Run(ctx context.Context, snapshots <-chan domain.MarketSnapshot, out chan<- domain.Opportunity) error {
	d.logger.Info("detector started", slog.Int("strategies", len(d.strategies)))
	defer d.logger.Info("detector stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			for _, opp := range d.Evaluate(ctx, snap) {
				select {
				case out <- opp:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Evaluate runs every strategy against one snapshot and returns the detected
// opportunities. Snapshots that aged past the staleness bound while queued
// are dropped; their books no longer reflect the venue. Safe to call
// concurrently across markets.
func (d *Detector) Evaluate(ctx context.Context, snap domain.MarketSnapshot) []domain.Opportunity {
	if d.staleness > 0 && d.now().Sub(snap.Taken) > d.staleness {
		d.logger.Debug("stale snapshot dropped",
			slog.String("market_id", snap.Market.ID),
			slog.Duration("age", d.now().Sub(snap.Taken)),
		)
		return nil
	}

	var found []domain.Opportunity
	for _, s := range d.strategies {
		opps, err := s.Detect(ctx, snap)
		if err != nil {
			d.logger.Warn("strategy detect failed",
				slog.String("strategy", string(s.Kind())),
				slog.String("market_id", snap.Market.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, opp := range opps {
			d.events.Record(ctx, domain.Event{
				Time:     d.now().UTC(),
				Type:     domain.EventOpportunityDetected,
				Severity: domain.SeverityInfo,
				Strategy: opp.Strategy,
				MarketID: opp.MarketID,
				Details: map[string]any{
					"opportunity_id": opp.ID,
					"edge":           opp.ExpectedEdge,
					"total_cost":     opp.TotalCost,
					"legs":           len(opp.Legs),
				},
			})
			found = append(found, opp)
		}
	}
	return found
}
