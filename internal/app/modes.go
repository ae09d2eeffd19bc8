package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sureside/arbot/internal/domain"
	"github.com/sureside/arbot/internal/executor"
	"github.com/sureside/arbot/internal/risk"
)

// snapshotChanBuffer absorbs a full scanner sweep so the poll loop never
// stalls behind a slow detection cycle.
const snapshotChanBuffer = 64

// opportunityChanBuffer is deliberately small; opportunities expire in
// seconds and queueing them deeply just manufactures stale executions.
const opportunityChanBuffer = 16

// TradeMode runs the full pipeline: scan, detect, risk-gate, execute,
// resolve. Paper trading takes the same path with simulated fills.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	if err := deps.Guard.Restore(ctx); err != nil {
		return err
	}
	active, err := deps.Ledger.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("app: load active positions: %w", err)
	}
	a.logger.InfoContext(ctx, "pipeline starting",
		slog.Int("active_positions", len(active)),
		slog.Float64("daily_committed", deps.Guard.State().DailyCommitted),
	)
	if deps.Notifier.Enabled() {
		_ = deps.Notifier.Announce(ctx, "arbot started",
			fmt.Sprintf("mode=%s, resuming %d active positions", a.cfg.Mode, len(active)))
	}

	snapshots := make(chan domain.MarketSnapshot, snapshotChanBuffer)
	opportunities := make(chan domain.Opportunity, opportunityChanBuffer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Feed.Run(ctx) })
	g.Go(func() error { return deps.Scanner.Run(ctx, snapshots) })
	g.Go(func() error { return deps.Detector.Run(ctx, snapshots, opportunities) })
	g.Go(func() error { return a.executionLoop(ctx, deps, opportunities) })
	g.Go(func() error { return deps.Resolver.Run(ctx) })
	g.Go(func() error { return a.snapshotLoop(ctx, deps) })
	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx) })
	}
	return g.Wait()
}

// MonitorMode scans and detects but never touches the venue's order
// endpoints: opportunities are logged and recorded, not executed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "monitor starting")

	snapshots := make(chan domain.MarketSnapshot, snapshotChanBuffer)
	opportunities := make(chan domain.Opportunity, opportunityChanBuffer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Feed.Run(ctx) })
	g.Go(func() error { return deps.Scanner.Run(ctx, snapshots) })
	g.Go(func() error { return deps.Detector.Run(ctx, snapshots, opportunities) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case opp := <-opportunities:
				a.logger.InfoContext(ctx, "opportunity detected",
					slog.String("opportunity_id", opp.ID),
					slog.String("strategy", string(opp.Strategy)),
					slog.String("market_id", opp.MarketID),
					slog.Float64("edge", opp.ExpectedEdge),
					slog.Float64("total_cost", opp.TotalCost),
				)
			}
		}
	})
	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx) })
	}
	return g.Wait()
}

// executionLoop consumes detected opportunities, risk-gates them, and hands
// approvals to the engine. One opportunity is in flight at a time; the legs
// of a single opportunity are already sequential and a second concurrent
// one would race the same books.
func (a *App) executionLoop(ctx context.Context, deps *Dependencies, opportunities <-chan domain.Opportunity) error {
	dedup := executor.NewDedup(deps.DedupTTL)
	cleanup := time.NewTicker(10 * time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cleanup.C:
			dedup.Cleanup()
		case opp := <-opportunities:
			a.handleOpportunity(ctx, deps, dedup, opp)
		}
	}
}

// handleOpportunity runs one opportunity through the guard and engine.
// Rejections are normal control flow; only infrastructure errors are logged
// at error level.
func (a *App) handleOpportunity(ctx context.Context, deps *Dependencies, dedup *executor.Dedup, opp domain.Opportunity) {
	key := opp.MarketID + "/" + string(opp.Strategy)
	if dedup.IsDuplicate(key) {
		return
	}

	appr, err := deps.Guard.Evaluate(ctx, opp)
	if err != nil {
		var rej *risk.RejectionError
		if errors.As(err, &rej) {
			deps.EventLog.Record(ctx, domain.Event{
				Time:     time.Now().UTC(),
				Type:     domain.EventOpportunityRejected,
				Severity: domain.SeverityInfo,
				Strategy: opp.Strategy,
				MarketID: opp.MarketID,
				Details: map[string]any{
					"opportunity_id": opp.ID,
					"reason":         string(rej.Reason),
					"detail":         rej.Detail,
				},
			})
			return
		}
		a.logger.ErrorContext(ctx, "risk evaluation failed",
			slog.String("opportunity_id", opp.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	res, err := deps.Engine.Execute(ctx, opp, appr)
	if err != nil {
		a.logger.ErrorContext(ctx, "execution failed",
			slog.String("opportunity_id", opp.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if res.Position != nil {
		a.logger.InfoContext(ctx, "position opened",
			slog.String("position_id", res.Position.ID),
			slog.String("strategy", string(res.Position.Strategy)),
			slog.Float64("total_cost", res.Position.TotalCost),
			slog.Bool("partial", res.Partial),
		)
	}
}

// snapshotLoop publishes a periodic summary of open exposure and daily P&L
// to the signal bus for dashboard consumers.
func (a *App) snapshotLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Executor.SnapshotInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		st := deps.Guard.State()
		active, err := deps.Ledger.ListActive(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "snapshot: list active failed", slog.String("error", err.Error()))
			continue
		}
		var atRisk float64
		for _, p := range active {
			atRisk += p.TotalCost
		}
		day, err := deps.Ledger.DailyPnL(ctx, st.Day)
		if err != nil {
			a.logger.WarnContext(ctx, "snapshot: daily pnl failed", slog.String("error", err.Error()))
			continue
		}

		deps.EventLog.Snapshot(ctx, map[string]any{
			"open_positions":     len(active),
			"capital_at_risk":    atRisk,
			"daily_committed":    st.DailyCommitted,
			"daily_realized_pnl": st.DailyRealizedPnL,
			"trades_today":       day.Trades,
			"win_rate":           day.WinRate(),
			"consecutive_fails":  st.ConsecutiveFails,
			"halted":             st.Halted(time.Now().UTC()),
		})
	}
}
