package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sureside/arbot/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeGateway struct {
	fills    map[string][]domain.FillResult // token id -> scripted results, consumed in order
	errs     map[string]int                 // token id -> number of leading transient errors
	submits  []domain.OrderRequest
	canceled []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{fills: make(map[string][]domain.FillResult), errs: make(map[string]int)}
}

func (g *fakeGateway) Submit(_ context.Context, req domain.OrderRequest) (domain.FillResult, error) {
	g.submits = append(g.submits, req)
	if n := g.errs[req.TokenID]; n > 0 {
		g.errs[req.TokenID] = n - 1
		return domain.FillResult{}, errors.New("connection reset")
	}
	queue := g.fills[req.TokenID]
	if len(queue) == 0 {
		return domain.FillResult{Status: domain.FillFailed, Message: "no script"}, nil
	}
	res := queue[0]
	g.fills[req.TokenID] = queue[1:]
	return res, nil
}

func (g *fakeGateway) Cancel(_ context.Context, orderID string) error {
	g.canceled = append(g.canceled, orderID)
	return nil
}

func (g *fakeGateway) script(tokenID string, results ...domain.FillResult) {
	g.fills[tokenID] = append(g.fills[tokenID], results...)
}

type fakeGuard struct {
	commits   map[string]float64
	releases  []string
	failures  []string
	successes int
}

func newFakeGuard() *fakeGuard { return &fakeGuard{commits: make(map[string]float64)} }

func (f *fakeGuard) Commit(_ context.Context, id string, cost float64) error {
	f.commits[id] = cost
	return nil
}

func (f *fakeGuard) Release(_ context.Context, id string) error {
	f.releases = append(f.releases, id)
	return nil
}

func (f *fakeGuard) RecordFailure(_ context.Context, detail string) error {
	f.failures = append(f.failures, detail)
	return nil
}

func (f *fakeGuard) RecordSuccess(context.Context) error {
	f.successes++
	return nil
}

type fakeLedger struct{ opened []domain.Position }

func (f *fakeLedger) Open(_ context.Context, p domain.Position) error {
	f.opened = append(f.opened, p)
	return nil
}

type memSink struct{ events []domain.Event }

func (s *memSink) Record(_ context.Context, ev domain.Event) { s.events = append(s.events, ev) }

func (s *memSink) byType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	engine  *Engine
	gateway *fakeGateway
	guard   *fakeGuard
	ledger  *fakeLedger
	sink    *memSink
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		gateway: newFakeGateway(),
		guard:   newFakeGuard(),
		ledger:  &fakeLedger{},
		sink:    &memSink{},
	}
	f.engine = NewEngine(cfg, f.gateway, f.ledger, f.guard, f.sink, testLogger)
	return f
}

func liveCfg() Config {
	return Config{FillTimeout: 100 * time.Millisecond, MaxRetries: 2}
}

// threeLegOpp builds a one-of-many opportunity with 21 tokens per leg.
func threeLegOpp() domain.Opportunity {
	return domain.Opportunity{
		ID:       "opp-1",
		Strategy: domain.StrategyOneOfMany,
		MarketID: "mkt-1",
		NegRisk:  true,
		Legs: []domain.Leg{
			{Outcome: "Alpha", TokenID: "tok-a", Price: 0.30, SizeTokens: 21, CostUSD: 6.3},
			{Outcome: "Bravo", TokenID: "tok-b", Price: 0.30, SizeTokens: 21, CostUSD: 6.3},
			{Outcome: "Charlie", TokenID: "tok-c", Price: 0.35, SizeTokens: 21, CostUSD: 7.35},
		},
		TotalCost:    19.95,
		ExpectedEdge: 0.05,
		ExpiresAt:    time.Now().Add(time.Minute),
	}
}

func approval(cost float64, factor float64) domain.Approval {
	return domain.Approval{OpportunityID: "opp-1", SizedCost: cost, ScaleFactor: factor, GrantedAt: time.Now()}
}

func fill(orderID string, size, price float64) domain.FillResult {
	return domain.FillResult{OrderID: orderID, Status: domain.FillFull, FilledSize: size, AvgPrice: price}
}

func partialFill(orderID string, size, price float64) domain.FillResult {
	return domain.FillResult{OrderID: orderID, Status: domain.FillPartial, FilledSize: size, AvgPrice: price}
}

func TestDryRunFillsAtQuotedPrices(t *testing.T) {
	cfg := liveCfg()
	cfg.DryRun = true
	f := newFixture(cfg)

	res, err := f.engine.Execute(context.Background(), threeLegOpp(), approval(19.95, 1))
	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.False(t, res.Partial)

	require.Len(t, f.ledger.opened, 1)
	pos := f.ledger.opened[0]
	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.Len(t, pos.Legs, 3)
	assert.InDelta(t, 19.95, pos.TotalCost, 1e-9)

	// No real orders, and the reservation committed at actual cost.
	assert.Empty(t, f.gateway.submits)
	assert.InDelta(t, 19.95, f.guard.commits["opp-1"], 1e-9)
}

func TestLiveFullFill(t *testing.T) {
	f := newFixture(liveCfg())
	f.gateway.script("tok-a", fill("o1", 21, 0.30))
	f.gateway.script("tok-b", fill("o2", 21, 0.30))
	f.gateway.script("tok-c", fill("o3", 21, 0.35))

	res, err := f.engine.Execute(context.Background(), threeLegOpp(), approval(19.95, 1))
	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.False(t, res.Partial)
	assert.Equal(t, 1, f.guard.successes)
	assert.Empty(t, f.guard.failures)
	assert.Len(t, f.sink.byType(domain.EventOrderFilled), 3)

	// Client refs are derived from the opportunity so retries stay idempotent.
	assert.Equal(t, "opp-1-0", f.gateway.submits[0].ClientRef)
	assert.Equal(t, "opp-1-2", f.gateway.submits[2].ClientRef)
	assert.True(t, f.gateway.submits[0].NegRisk)
}

func TestLiveScalesLegsByApprovalFactor(t *testing.T) {
	f := newFixture(liveCfg())
	f.gateway.script("tok-a", fill("o1", 10.5, 0.30))
	f.gateway.script("tok-b", fill("o2", 10.5, 0.30))
	f.gateway.script("tok-c", fill("o3", 10.5, 0.35))

	_, err := f.engine.Execute(context.Background(), threeLegOpp(), approval(9.975, 0.5))
	require.NoError(t, err)

	require.Len(t, f.gateway.submits, 3)
	assert.InDelta(t, 10.5, f.gateway.submits[0].SizeTokens, 1e-9)
}

func TestLivePartialFirstLegProratesRemaining(t *testing.T) {
	f := newFixture(liveCfg())

	// Leg 1 fills 14 of 21 tokens; legs 2 and 3 must shrink to 2/3 size.
	f.gateway.script("tok-a", partialFill("o1", 14, 0.30))
	f.gateway.script("tok-b", fill("o2", 14, 0.30))
	f.gateway.script("tok-c", fill("o3", 14, 0.35))

	res, err := f.engine.Execute(context.Background(), threeLegOpp(), approval(19.95, 1))
	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.False(t, res.Partial) // every leg holds, just smaller

	require.Len(t, f.gateway.submits, 3)
	assert.InDelta(t, 14.0, f.gateway.submits[1].SizeTokens, 1e-9)
	assert.InDelta(t, 14.0, f.gateway.submits[2].SizeTokens, 1e-9)

	wantCost := 14 * (0.30 + 0.30 + 0.35)
	assert.InDelta(t, wantCost, res.Position.TotalCost, 1e-9)
	assert.InDelta(t, wantCost, f.guard.commits["opp-1"], 1e-9)
}

func TestLivePartialFillCancelsRestingRemainder(t *testing.T) {
	f := newFixture(liveCfg())

	// Leg 1 fills 10 of 21 within the timeout and its remainder keeps
	// resting at the venue. The engine must cancel it before moving on: a
	// late fill of the tail would land outside the position and outside the
	// daily-committed accounting.
	f.gateway.script("tok-a", partialFill("o1", 10, 0.30))
	f.gateway.script("tok-b", fill("o2", 10, 0.30))
	f.gateway.script("tok-c", fill("o3", 10, 0.35))

	res, err := f.engine.Execute(context.Background(), threeLegOpp(), approval(19.95, 1))
	require.NoError(t, err)
	require.NotNil(t, res.Position)

	assert.Contains(t, f.gateway.canceled, "o1")
	require.Len(t, res.Position.Legs, 3)
	assert.InDelta(t, 10.0, res.Position.Legs[0].SizeTokens, 1e-9)
}

func TestLiveZeroFillTimeoutAborts(t *testing.T) {
	f := newFixture(liveCfg())

	// Order rests unfilled; the engine must cancel it and count the failure.
	f.gateway.script("tok-a", domain.FillResult{OrderID: "o1", Status: domain.FillNone})

	res, err := f.engine.Execute(context.Background(), threeLegOpp(), approval(19.95, 1))
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Nil(t, res.Position)

	assert.Equal(t, []string{"o1"}, f.gateway.canceled)
	assert.Equal(t, []string{"opp-1"}, f.guard.releases)
	assert.Len(t, f.guard.failures, 1)
	assert.Empty(t, f.ledger.opened)

	failures := f.sink.byType(domain.EventOrderFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, false, failures[0].Details["partial"])
}

func TestLiveCleanMissDoesNotCountAsFailure(t *testing.T) {
	f := newFixture(liveCfg())

	// Venue rejects outright: nothing filled, nothing resting.
	f.gateway.script("tok-a", domain.FillResult{Status: domain.FillFailed, Message: "price gone"})

	res, err := f.engine.Execute(context.Background(), threeLegOpp(), approval(19.95, 1))
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, []string{"opp-1"}, f.guard.releases)
	assert.Empty(t, f.guard.failures)
	assert.Empty(t, f.gateway.canceled)
}

func TestLivePartialHedgeRecordsPosition(t *testing.T) {
	f := newFixture(liveCfg())

	// Leg 1 fills, leg 2 never does: exposed capital must become a tracked
	// partial position, not vanish.
	f.gateway.script("tok-a", fill("o1", 21, 0.30))
	f.gateway.script("tok-b", domain.FillResult{OrderID: "o2", Status: domain.FillNone})

	res, err := f.engine.Execute(context.Background(), threeLegOpp(), approval(19.95, 1))
	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.True(t, res.Partial)

	pos := *res.Position
	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.True(t, pos.Partial)
	require.Len(t, pos.Legs, 1)
	assert.Equal(t, "Alpha", pos.Legs[0].Outcome)
	assert.InDelta(t, 6.3, pos.TotalCost, 1e-9)
	assert.NotEmpty(t, pos.FailureReason)

	// The dead leg order was canceled, the failure counted, and the unused
	// reservation returned via commit at actual cost.
	assert.Equal(t, []string{"o2"}, f.gateway.canceled)
	assert.Len(t, f.guard.failures, 1)
	assert.InDelta(t, 6.3, f.guard.commits["opp-1"], 1e-9)

	failures := f.sink.byType(domain.EventOrderFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, domain.SeverityCritical, failures[0].Severity)
	assert.Equal(t, true, failures[0].Details["partial"])
}

func TestLiveRetriesTransientErrors(t *testing.T) {
	f := newFixture(liveCfg())
	f.gateway.errs["tok-a"] = 2 // two transport failures, then success
	f.gateway.script("tok-a", fill("o1", 21, 0.30))
	f.gateway.script("tok-b", fill("o2", 21, 0.30))
	f.gateway.script("tok-c", fill("o3", 21, 0.35))

	res, err := f.engine.Execute(context.Background(), threeLegOpp(), approval(19.95, 1))
	require.NoError(t, err)
	require.NotNil(t, res.Position)

	// Same client ref on every attempt for leg 1.
	assert.Equal(t, "opp-1-0", f.gateway.submits[0].ClientRef)
	assert.Equal(t, "opp-1-0", f.gateway.submits[1].ClientRef)
	assert.Equal(t, "opp-1-0", f.gateway.submits[2].ClientRef)
}

func TestLiveGivesUpAfterRetryBudget(t *testing.T) {
	f := newFixture(liveCfg())
	f.gateway.errs["tok-a"] = 10 // more than MaxRetries

	res, err := f.engine.Execute(context.Background(), threeLegOpp(), approval(19.95, 1))
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Len(t, f.gateway.submits, 3) // 1 + MaxRetries attempts
	assert.Len(t, f.guard.failures, 1)
	assert.Equal(t, []string{"opp-1"}, f.guard.releases)
}

func TestExecuteReleasesExpiredOpportunity(t *testing.T) {
	f := newFixture(liveCfg())
	opp := threeLegOpp()
	opp.ExpiresAt = time.Now().Add(-time.Second)

	res, err := f.engine.Execute(context.Background(), opp, approval(19.95, 1))
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, []string{"opp-1"}, f.guard.releases)
	assert.Empty(t, f.gateway.submits)
	assert.Empty(t, f.guard.failures)
}

func TestDedup(t *testing.T) {
	d := NewDedup(50 * time.Millisecond)
	assert.False(t, d.IsDuplicate("mkt-1/yes_no"))
	assert.True(t, d.IsDuplicate("mkt-1/yes_no"))
	assert.False(t, d.IsDuplicate("mkt-2/yes_no"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, d.IsDuplicate("mkt-1/yes_no"))

	d.Cleanup()
	assert.True(t, d.IsDuplicate("mkt-1/yes_no"))
}
