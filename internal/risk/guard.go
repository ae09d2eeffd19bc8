// Package risk implements the stateful gatekeeper between opportunity
// detection and execution. The guard owns the process-wide RiskState and is
// the only component allowed to mutate it.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sureside/arbot/internal/domain"
)

// Config holds the guard's limits. Percentages are of bankroll.
type Config struct {
	Bankroll               float64
	ArbPositionPct         float64
	LatePositionPct        float64
	DailyExposurePct       float64
	DailyLossHaltPct       float64
	MaxConsecutiveFails    int
	BreakerCooldown        time.Duration
	SlippageTolerance      float64 // fraction, e.g. 0.003
	MaxConcurrentPositions int
	MinEdge                float64
}

// maxPositionUSD returns the per-trade cap for the strategy.
func (c Config) maxPositionUSD(kind domain.StrategyKind) float64 {
	pct := c.ArbPositionPct
	if kind == domain.StrategyLateMarket {
		pct = c.LatePositionPct
	}
	return c.Bankroll * pct / 100
}

func (c Config) maxDailyExposureUSD() float64 {
	return c.Bankroll * c.DailyExposurePct / 100
}

func (c Config) dailyLossHaltUSD() float64 {
	return c.Bankroll * c.DailyLossHaltPct / 100
}

// QuoteSource fetches a fresh book for the slippage re-check. It is a subset
// of the market catalog contract.
type QuoteSource interface {
	FetchBook(ctx context.Context, tokenID string) (domain.BookSnapshot, error)
}

// EventSink receives risk decision events.
type EventSink interface {
	Record(ctx context.Context, ev domain.Event)
}

// RejectionError reports why the guard declined an opportunity. It unwraps to
// domain.ErrRejectedByRisk so callers can treat every rejection as normal
// control flow.
type RejectionError struct {
	Reason domain.RejectReason
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("risk: rejected (%s): %s", e.Reason, e.Detail)
}

func (e *RejectionError) Unwrap() error { return domain.ErrRejectedByRisk }

// Guard evaluates opportunities against exposure, loss, and failure-rate
// limits. All mutations of RiskState happen inside short critical sections
// and are flushed to the store before the mutation is considered committed, so
// a crash cannot silently exceed a limit on restart.
type Guard struct {
	cfg       Config
	store     domain.RiskStateStore
	positions domain.PositionStore
	quotes    QuoteSource
	events    EventSink
	logger    *slog.Logger

	mu           sync.Mutex
	state        domain.RiskState
	reservations map[string]float64 // opportunity id -> reserved cost
	now          func() time.Time
}

// Deps wires the guard's collaborators.
type Deps struct {
	Store     domain.RiskStateStore
	Positions domain.PositionStore
	Quotes    QuoteSource
	Events    EventSink
	Logger    *slog.Logger
}

// NewGuard creates a guard. Call Restore before first use so limits pick up
// where the previous process left off.
func NewGuard(cfg Config, deps Deps) *Guard {
	return &Guard{
		cfg:          cfg,
		store:        deps.Store,
		positions:    deps.Positions,
		quotes:       deps.Quotes,
		events:       deps.Events,
		logger:       deps.Logger.With(slog.String("component", "risk_guard")),
		reservations: make(map[string]float64),
		now:          time.Now,
	}
}

// Restore loads the persisted risk state. A missing record starts a fresh
// day; any other error is fatal to startup.
func (g *Guard) Restore(ctx context.Context) error {
	st, err := g.store.Load(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			g.mu.Lock()
			g.state = domain.RiskState{Day: g.today(), UpdatedAt: g.now().UTC()}
			g.mu.Unlock()
			return nil
		}
		return fmt.Errorf("risk: restore state: %w", err)
	}
	g.mu.Lock()
	g.state = st
	g.rollDayLocked(g.now().UTC())
	g.mu.Unlock()
	g.logger.Info("risk state restored",
		slog.String("day", st.Day),
		slog.Float64("daily_committed", st.DailyCommitted),
		slog.Float64("daily_realized_pnl", st.DailyRealizedPnL),
		slog.Int("consecutive_fails", st.ConsecutiveFails),
	)
	return nil
}

// Evaluate runs the ordered risk checks against an opportunity and, on
// success, atomically reserves the sized cost against the daily cap. The
// reservation is held until Commit or Release. Rejections return a
// *RejectionError; any other error is an infrastructure failure.
func (g *Guard) Evaluate(ctx context.Context, opp domain.Opportunity) (domain.Approval, error) {
	now := g.now().UTC()
	if opp.Expired(now) {
		return domain.Approval{}, &RejectionError{Reason: domain.RejectExpired, Detail: "opportunity past its expiry"}
	}

	// Check 1: circuit breaker.
	g.mu.Lock()
	g.rollDayLocked(now)
	if g.state.Halted(now) {
		until := g.state.HaltedUntil
		reason := g.state.HaltReason
		g.mu.Unlock()
		return domain.Approval{}, &RejectionError{
			Reason: domain.RejectCircuitBreakerActive,
			Detail: fmt.Sprintf("%s (until %s)", reason, until.Format(time.RFC3339)),
		}
	}
	g.mu.Unlock()

	// Check 2: concurrent position count.
	active, err := g.positions.ListActive(ctx)
	if err != nil {
		return domain.Approval{}, fmt.Errorf("risk: list active positions: %w", err)
	}
	if len(active) >= g.cfg.MaxConcurrentPositions {
		return domain.Approval{}, &RejectionError{
			Reason: domain.RejectTooManyPositions,
			Detail: fmt.Sprintf("%d/%d positions open", len(active), g.cfg.MaxConcurrentPositions),
		}
	}

	// Check 3: per-trade cap. Oversized opportunities are scaled down to the
	// cap rather than rejected.
	tradeCap := g.cfg.maxPositionUSD(opp.Strategy)
	factor := 1.0
	sizedCost := opp.TotalCost
	if sizedCost > tradeCap {
		factor = tradeCap / sizedCost
		sizedCost = tradeCap
	}
	if sizedCost <= 0 {
		return domain.Approval{}, &RejectionError{Reason: domain.RejectEdgeTooThin, Detail: "sized cost is zero"}
	}

	// Check 4: slippage guard. Re-derive the executable price per leg at the
	// sized token count from fresh books; network I/O happens outside any
	// lock so concurrent evaluations are never serialized behind it.
	if err := g.checkSlippage(ctx, opp, factor); err != nil {
		return domain.Approval{}, err
	}

	// Check 5: daily exposure cap, atomic with the reservation.
	g.mu.Lock()
	g.rollDayLocked(now)
	if g.state.Halted(now) {
		g.mu.Unlock()
		return domain.Approval{}, &RejectionError{Reason: domain.RejectCircuitBreakerActive, Detail: g.state.HaltReason}
	}
	dailyCap := g.cfg.maxDailyExposureUSD()
	if g.state.DailyCommitted+sizedCost > dailyCap {
		committed := g.state.DailyCommitted
		g.mu.Unlock()
		return domain.Approval{}, &RejectionError{
			Reason: domain.RejectDailyCapExceeded,
			Detail: fmt.Sprintf("committed %.2f + %.2f would exceed %.2f", committed, sizedCost, dailyCap),
		}
	}
	prev := g.state
	g.state.DailyCommitted += sizedCost
	g.state.UpdatedAt = now
	g.reservations[opp.ID] = sizedCost
	if err := g.store.Save(ctx, g.state); err != nil {
		g.state = prev
		delete(g.reservations, opp.ID)
		g.mu.Unlock()
		return domain.Approval{}, fmt.Errorf("risk: persist reservation: %w: %w", domain.ErrPersistence, err)
	}
	g.mu.Unlock()

	g.logger.Info("opportunity approved",
		slog.String("opportunity_id", opp.ID),
		slog.String("strategy", string(opp.Strategy)),
		slog.Float64("sized_cost", sizedCost),
		slog.Float64("scale_factor", factor),
	)
	return domain.Approval{
		OpportunityID: opp.ID,
		SizedCost:     sizedCost,
		ScaleFactor:   factor,
		GrantedAt:     now,
	}, nil
}

// checkSlippage re-prices every leg at its sized token count. A missing book
// or moved price rejects the opportunity; a still-valid price whose implied
// edge has decayed below the minimum rejects it as too thin.
func (g *Guard) checkSlippage(ctx context.Context, opp domain.Opportunity, factor float64) error {
	var sumFresh float64
	for _, leg := range opp.Legs {
		book, err := g.quotes.FetchBook(ctx, leg.TokenID)
		if err != nil {
			return &RejectionError{
				Reason: domain.RejectSlippageExceeded,
				Detail: fmt.Sprintf("no fresh book for %s: %v", leg.TokenID, err),
			}
		}
		fresh, ok := domain.ExecutableAsk(book.Asks, leg.SizeTokens*factor)
		if !ok {
			return &RejectionError{
				Reason: domain.RejectSlippageExceeded,
				Detail: fmt.Sprintf("depth gone on %s", leg.TokenID),
			}
		}
		if leg.Price > 0 {
			moved := math.Abs(fresh-leg.Price) / leg.Price
			if moved > g.cfg.SlippageTolerance {
				return &RejectionError{
					Reason: domain.RejectSlippageExceeded,
					Detail: fmt.Sprintf("%s moved %.4f from %.4f (tolerance %.4f)", leg.TokenID, fresh, leg.Price, g.cfg.SlippageTolerance),
				}
			}
		}
		sumFresh += fresh
	}
	// Single-leg late-market edge is 1 - price; multi-leg arb edge is
	// 1 - sum of per-unit prices. Both reduce to the same expression.
	if edge := 1 - sumFresh; edge < g.cfg.MinEdge {
		return &RejectionError{
			Reason: domain.RejectEdgeTooThin,
			Detail: fmt.Sprintf("re-derived edge %.4f below minimum %.4f", edge, g.cfg.MinEdge),
		}
	}
	return nil
}

// Commit finalizes a reservation after execution, releasing any unused
// portion back to the daily budget. actualCost is what actually filled and
// must not exceed the reserved amount.
func (g *Guard) Commit(ctx context.Context, opportunityID string, actualCost float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	reserved, ok := g.reservations[opportunityID]
	if !ok {
		return fmt.Errorf("risk: commit: no reservation for %s", opportunityID)
	}
	if actualCost > reserved {
		actualCost = reserved
	}
	prev := g.state
	g.state.DailyCommitted -= reserved - actualCost
	g.state.UpdatedAt = g.now().UTC()
	delete(g.reservations, opportunityID)
	if err := g.store.Save(ctx, g.state); err != nil {
		g.state = prev
		g.reservations[opportunityID] = reserved
		return fmt.Errorf("risk: persist commit: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// Release returns a full reservation to the daily budget after a failed
// execution that committed no capital.
func (g *Guard) Release(ctx context.Context, opportunityID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	reserved, ok := g.reservations[opportunityID]
	if !ok {
		return nil
	}
	prev := g.state
	g.state.DailyCommitted -= reserved
	if g.state.DailyCommitted < 0 {
		g.state.DailyCommitted = 0
	}
	g.state.UpdatedAt = g.now().UTC()
	delete(g.reservations, opportunityID)
	if err := g.store.Save(ctx, g.state); err != nil {
		g.state = prev
		g.reservations[opportunityID] = reserved
		return fmt.Errorf("risk: persist release: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// RecordFailure increments the consecutive-failure counter and trips the
// breaker when the threshold is reached. The trip event is recorded after the
// critical section; the event sink does network I/O and must not stall
// concurrent evaluations.
func (g *Guard) RecordFailure(ctx context.Context, detail string) error {
	now := g.now().UTC()
	g.mu.Lock()
	g.rollDayLocked(now)
	prev := g.state
	g.state.ConsecutiveFails++
	g.state.UpdatedAt = now
	var tripReason string
	if g.state.ConsecutiveFails >= g.cfg.MaxConsecutiveFails && !g.state.Halted(now) {
		g.tripLocked(now, fmt.Sprintf("%d consecutive execution failures", g.state.ConsecutiveFails))
		tripReason = g.state.HaltReason
	}
	if err := g.store.Save(ctx, g.state); err != nil {
		g.state = prev
		g.mu.Unlock()
		return fmt.Errorf("risk: persist failure count: %w: %w", domain.ErrPersistence, err)
	}
	fails := g.state.ConsecutiveFails
	g.mu.Unlock()

	g.logger.Warn("execution failure recorded",
		slog.Int("consecutive_fails", fails),
		slog.String("detail", detail),
	)
	if tripReason != "" {
		g.recordTrip(ctx, tripReason)
	}
	return nil
}

// RecordSuccess resets the consecutive-failure counter. It never clears an
// active breaker; cooldown is strictly time based.
func (g *Guard) RecordSuccess(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.ConsecutiveFails == 0 {
		return nil
	}
	prev := g.state
	g.state.ConsecutiveFails = 0
	g.state.UpdatedAt = g.now().UTC()
	if err := g.store.Save(ctx, g.state); err != nil {
		g.state = prev
		return fmt.Errorf("risk: persist success: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// AddRealizedPnL folds a resolution's realized P&L into the daily loss
// accumulator, tripping the breaker when the day's loss crosses the halt
// threshold.
func (g *Guard) AddRealizedPnL(ctx context.Context, pnl float64) error {
	now := g.now().UTC()
	g.mu.Lock()
	g.rollDayLocked(now)
	prev := g.state
	g.state.DailyRealizedPnL += pnl
	g.state.UpdatedAt = now
	var tripReason string
	if g.state.DailyRealizedPnL <= -g.cfg.dailyLossHaltUSD() && !g.state.Halted(now) {
		g.tripLocked(now, fmt.Sprintf("daily realized loss %.2f crossed halt threshold %.2f",
			g.state.DailyRealizedPnL, g.cfg.dailyLossHaltUSD()))
		tripReason = g.state.HaltReason
	}
	if err := g.store.Save(ctx, g.state); err != nil {
		g.state = prev
		g.mu.Unlock()
		return fmt.Errorf("risk: persist realized pnl: %w: %w", domain.ErrPersistence, err)
	}
	g.mu.Unlock()

	if tripReason != "" {
		g.recordTrip(ctx, tripReason)
	}
	return nil
}

// State returns a copy of the current risk state for reporting.
func (g *Guard) State() domain.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// tripLocked sets the breaker. Caller holds the lock.
func (g *Guard) tripLocked(now time.Time, reason string) {
	g.state.HaltedUntil = now.Add(g.cfg.BreakerCooldown)
	g.state.HaltReason = reason
	g.logger.Error("circuit breaker tripped",
		slog.String("reason", reason),
		slog.Time("halted_until", g.state.HaltedUntil),
	)
}

func (g *Guard) recordTrip(ctx context.Context, reason string) {
	g.events.Record(ctx, domain.Event{
		Time:     g.now().UTC(),
		Type:     domain.EventCircuitBreakerTripped,
		Severity: domain.SeverityCritical,
		Details:  map[string]any{"reason": reason},
	})
}

// rollDayLocked resets the daily counters when the UTC date changes. Caller
// holds the lock. Open positions from a previous day do not count against the
// new day's committed budget; only costs reserved since the boundary do. The
// breaker, if active, carries across the boundary untouched.
func (g *Guard) rollDayLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if g.state.Day == day {
		return
	}
	g.logger.Info("daily risk counters reset",
		slog.String("previous_day", g.state.Day),
		slog.String("day", day),
	)
	g.state.Day = day
	g.state.DailyCommitted = 0
	g.state.DailyRealizedPnL = 0
	g.state.UpdatedAt = now
	// Re-apply live reservations so in-flight evaluations stay counted.
	for _, cost := range g.reservations {
		g.state.DailyCommitted += cost
	}
}

func (g *Guard) today() string { return g.now().UTC().Format("2006-01-02") }
