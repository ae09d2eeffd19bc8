// Package executor turns approved opportunities into venue orders and
// positions, handling partial fills and failure without atomic multi-leg
// support from the venue.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sureside/arbot/internal/domain"
)

// PositionOpener records a newly opened position. Implemented by the ledger.
type PositionOpener interface {
	Open(ctx context.Context, p domain.Position) error
}

// RiskCommitter finalizes or returns the risk guard's reservation and feeds
// the failure counter behind the circuit breaker.
type RiskCommitter interface {
	Commit(ctx context.Context, opportunityID string, actualCost float64) error
	Release(ctx context.Context, opportunityID string) error
	RecordFailure(ctx context.Context, detail string) error
	RecordSuccess(ctx context.Context) error
}

// EventSink receives execution events.
type EventSink interface {
	Record(ctx context.Context, ev domain.Event)
}

// Config tunes order placement.
type Config struct {
	DryRun      bool
	FillTimeout time.Duration
	MaxRetries  int // transient submit retries per leg
}

// Result summarizes one execution attempt.
type Result struct {
	Position *domain.Position // nil when no leg filled
	Partial  bool
	Aborted  bool // zero legs filled, reservation fully released
}

// Engine executes approved opportunities leg by leg. The venue cannot fill
// multiple legs atomically, so each leg is submitted on its own and observed
// before the next is committed.
type Engine struct {
	gateway domain.OrderGateway
	ledger  PositionOpener
	guard   RiskCommitter
	events  EventSink
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an execution engine.
func NewEngine(cfg Config, gateway domain.OrderGateway, ledger PositionOpener, guard RiskCommitter, events EventSink, logger *slog.Logger) *Engine {
	return &Engine{
		gateway: gateway,
		ledger:  ledger,
		guard:   guard,
		events:  events,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "executor")),
		now:     time.Now,
	}
}

// Execute places the sized legs of an approved opportunity. On any full or
// partial success it opens a Position carrying the actual fills and commits
// the actual cost against the reservation; a zero-fill attempt releases the
// whole reservation. The error return covers infrastructure problems only;
// trading outcomes (including clean misses) are reported in Result.
func (e *Engine) Execute(ctx context.Context, opp domain.Opportunity, appr domain.Approval) (Result, error) {
	now := e.now().UTC()

	// Freshness re-check immediately before any order leaves the process.
	if opp.Expired(now) {
		if err := e.guard.Release(ctx, opp.ID); err != nil {
			return Result{}, err
		}
		e.logger.Info("opportunity expired before execution", slog.String("opportunity_id", opp.ID))
		return Result{Aborted: true}, nil
	}

	legs := opp.Legs
	if appr.ScaleFactor != 1 {
		legs = opp.ScaleLegs(appr.ScaleFactor)
	}

	if e.cfg.DryRun {
		return e.executeDryRun(ctx, opp, legs)
	}
	return e.executeLive(ctx, opp, legs)
}

// executeDryRun simulates immediate full fills at the quoted prices. The
// position flows through the ledger and risk accounting exactly as a live one
// so paper mode exercises the whole pipeline.
func (e *Engine) executeDryRun(ctx context.Context, opp domain.Opportunity, legs []domain.Leg) (Result, error) {
	filled := make([]domain.FilledLeg, 0, len(legs))
	var cost float64
	for i, leg := range legs {
		filled = append(filled, domain.FilledLeg{
			Outcome:    leg.Outcome,
			TokenID:    leg.TokenID,
			OrderID:    fmt.Sprintf("dry-%s-%d", opp.ID, i),
			Price:      leg.Price,
			SizeTokens: leg.SizeTokens,
			CostUSD:    leg.CostUSD,
		})
		cost += leg.CostUSD
	}
	pos, err := e.openPosition(ctx, opp, filled, cost, false, "")
	if err != nil {
		return Result{}, err
	}
	e.logger.Info("dry-run execution filled",
		slog.String("position_id", pos.ID),
		slog.String("strategy", string(opp.Strategy)),
		slog.Float64("cost", cost),
	)
	return Result{Position: &pos}, nil
}

// executeLive submits legs sequentially. A partial fill on an earlier leg
// prorates the remaining legs to preserve the hedge ratio; a dead later leg
// leaves real capital un-hedged and is escalated, never dropped.
func (e *Engine) executeLive(ctx context.Context, opp domain.Opportunity, legs []domain.Leg) (Result, error) {
	var (
		filled    []domain.FilledLeg
		cost      float64
		fillRatio = 1.0
	)

	for i, leg := range legs {
		target := leg.SizeTokens * fillRatio
		if target <= 0 {
			continue
		}
		req := domain.OrderRequest{
			MarketID:   opp.MarketID,
			TokenID:    leg.TokenID,
			Side:       domain.OrderBuy,
			LimitPrice: leg.Price,
			SizeTokens: target,
			NegRisk:    opp.NegRisk,
			ClientRef:  fmt.Sprintf("%s-%d", opp.ID, i),
		}
		res, err := e.submitLeg(ctx, req)
		if err != nil || !res.Filled() {
			return e.handleDeadLeg(ctx, opp, leg, res, err, filled, cost)
		}

		filled = append(filled, domain.FilledLeg{
			Outcome:    leg.Outcome,
			TokenID:    leg.TokenID,
			OrderID:    res.OrderID,
			Price:      res.AvgPrice,
			SizeTokens: res.FilledSize,
			CostUSD:    res.AvgPrice * res.FilledSize,
		})
		cost += res.AvgPrice * res.FilledSize
		e.events.Record(ctx, domain.Event{
			Time:     e.now().UTC(),
			Type:     domain.EventOrderFilled,
			Severity: domain.SeverityInfo,
			Strategy: opp.Strategy,
			MarketID: opp.MarketID,
			Details: map[string]any{
				"opportunity_id": opp.ID,
				"outcome":        leg.Outcome,
				"order_id":       res.OrderID,
				"filled_size":    res.FilledSize,
				"avg_price":      res.AvgPrice,
				"partial":        res.Status == domain.FillPartial,
			},
		})

		// A partial fill commits only part of this leg; shrink every later
		// leg by the same ratio so the hedge stays balanced.
		if res.Status == domain.FillPartial && target > 0 {
			fillRatio *= res.FilledSize / target
		}
	}

	partial := len(filled) < len(legs)
	pos, err := e.openPosition(ctx, opp, filled, cost, partial, "")
	if err != nil {
		return Result{}, err
	}
	if err := e.guard.RecordSuccess(ctx); err != nil {
		return Result{}, err
	}
	e.logger.Info("execution filled",
		slog.String("position_id", pos.ID),
		slog.String("strategy", string(opp.Strategy)),
		slog.Float64("cost", cost),
		slog.Int("legs", len(filled)),
	)
	return Result{Position: &pos}, nil
}

// submitLeg submits one leg with bounded retries for transport errors. The
// ClientRef makes resubmission idempotent so a retry can never double-fill.
// Each attempt is bounded by the fill timeout; a resting order that does not
// fill in time is actively canceled before the engine moves on.
func (e *Engine) submitLeg(ctx context.Context, req domain.OrderRequest) (domain.FillResult, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		legCtx, cancel := context.WithTimeout(ctx, e.cfg.FillTimeout)
		res, err := e.gateway.Submit(legCtx, req)
		cancel()
		if err == nil {
			// A zero-fill order and the unfilled tail of a partial fill are
			// both still resting at the venue. Cancel before moving on so a
			// late fill can never land outside position and risk accounting.
			if res.OrderID != "" && res.Status != domain.FillFull {
				e.cancelOrder(ctx, res.OrderID)
			}
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		e.logger.Warn("order submit failed, retrying",
			slog.String("client_ref", req.ClientRef),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return domain.FillResult{}, fmt.Errorf("executor: submit %s: %w", req.ClientRef, lastErr)
}

// handleDeadLeg deals with a leg that produced no fill. With no prior fills
// the whole attempt aborts and the reservation is released; with capital
// already committed the filled legs become a partial position that must be
// tracked for unwind.
func (e *Engine) handleDeadLeg(
	ctx context.Context,
	opp domain.Opportunity,
	leg domain.Leg,
	res domain.FillResult,
	submitErr error,
	filled []domain.FilledLeg,
	cost float64,
) (Result, error) {
	detail := res.Message
	if submitErr != nil {
		detail = submitErr.Error()
	}
	timedOut := submitErr != nil || res.Status == domain.FillNone

	if len(filled) == 0 {
		if err := e.guard.Release(ctx, opp.ID); err != nil {
			return Result{}, err
		}
		e.events.Record(ctx, domain.Event{
			Time:     e.now().UTC(),
			Type:     domain.EventOrderFailed,
			Severity: domain.SeverityError,
			Strategy: opp.Strategy,
			MarketID: opp.MarketID,
			Details: map[string]any{
				"opportunity_id": opp.ID,
				"outcome":        leg.Outcome,
				"detail":         detail,
				"partial":        false,
			},
		})
		// A zero-fill timeout is a trading failure; a venue-side rejection
		// with nothing resting is a clean miss and does not feed the breaker.
		if timedOut {
			if err := e.guard.RecordFailure(ctx, fmt.Sprintf("zero-fill abort: %s", detail)); err != nil {
				return Result{}, err
			}
		}
		e.logger.Warn("execution aborted with no fills",
			slog.String("opportunity_id", opp.ID),
			slog.String("detail", detail),
		)
		return Result{Aborted: true}, nil
	}

	// Capital is exposed without its hedge. Highest severity, recorded as a
	// position either way.
	e.events.Record(ctx, domain.Event{
		Time:     e.now().UTC(),
		Type:     domain.EventOrderFailed,
		Severity: domain.SeverityCritical,
		Strategy: opp.Strategy,
		MarketID: opp.MarketID,
		Details: map[string]any{
			"opportunity_id": opp.ID,
			"outcome":        leg.Outcome,
			"detail":         detail,
			"partial":        true,
			"filled_legs":    len(filled),
			"exposed_cost":   cost,
		},
	})
	pos, err := e.openPosition(ctx, opp, filled, cost, true, fmt.Sprintf("leg %s unfilled: %s", leg.Outcome, detail))
	if err != nil {
		return Result{}, err
	}
	if err := e.guard.RecordFailure(ctx, fmt.Sprintf("partial hedge on %s", opp.MarketID)); err != nil {
		return Result{}, err
	}
	e.logger.Error("partial hedge: later leg unfilled",
		slog.String("position_id", pos.ID),
		slog.String("dead_leg", leg.Outcome),
		slog.Float64("exposed_cost", cost),
	)
	return Result{Position: &pos, Partial: true}, nil
}

// openPosition records the position and commits the actual cost against the
// risk reservation, returning the unused remainder to the daily budget.
func (e *Engine) openPosition(
	ctx context.Context,
	opp domain.Opportunity,
	filled []domain.FilledLeg,
	cost float64,
	partial bool,
	failureReason string,
) (domain.Position, error) {
	pos := domain.Position{
		ID:            uuid.New().String(),
		Strategy:      opp.Strategy,
		MarketID:      opp.MarketID,
		Question:      opp.Question,
		Legs:          filled,
		TotalCost:     cost,
		ExpectedEdge:  opp.ExpectedEdge,
		Status:        domain.PositionOpen,
		Partial:       partial,
		FailureReason: failureReason,
		OpenedAt:      e.now().UTC(),
	}
	if err := e.ledger.Open(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("executor: open position: %w", err)
	}
	if err := e.guard.Commit(ctx, opp.ID, cost); err != nil {
		return domain.Position{}, err
	}
	return pos, nil
}

func (e *Engine) cancelOrder(ctx context.Context, orderID string) {
	if err := e.gateway.Cancel(ctx, orderID); err != nil {
		e.logger.Warn("order cancel failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
}
