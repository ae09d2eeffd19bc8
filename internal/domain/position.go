package domain

import (
	"strings"
	"time"
)

// equalOutcome compares outcome names the way the venue reports winners:
// case-insensitively and ignoring surrounding whitespace.
func equalOutcome(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// PositionStatus tracks the position lifecycle state machine:
// opening → open|failed, open → closing → resolved.
type PositionStatus string

const (
	PositionOpening  PositionStatus = "opening"
	PositionOpen     PositionStatus = "open"
	PositionClosing  PositionStatus = "closing"
	PositionResolved PositionStatus = "resolved"
	PositionFailed   PositionStatus = "failed"
)

// FilledLeg records what actually filled at the venue, which may differ in
// price and size from the quoted leg of the originating opportunity.
type FilledLeg struct {
	Outcome    string
	TokenID    string
	OrderID    string
	Price      float64
	SizeTokens float64
	CostUSD    float64
}

// Position is the unit of capital commitment. It is owned exclusively by the
// ledger; the executor only proposes fills.
type Position struct {
	ID            string
	Strategy      StrategyKind
	MarketID      string
	Question      string
	Legs          []FilledLeg
	TotalCost     float64
	ExpectedEdge  float64
	Status        PositionStatus
	Partial       bool // true when some intended legs never filled
	FailureReason string
	OpenedAt      time.Time
	ResolvedAt    *time.Time
	Winner        string
	RealizedPnL   *float64
}

// Payout returns the settlement payout given the winning outcome name:
// each token of a winning leg pays $1, losing legs expire worthless.
func (p Position) Payout(winner string) float64 {
	var payout float64
	for _, l := range p.Legs {
		if equalOutcome(l.Outcome, winner) {
			payout += l.SizeTokens
		}
	}
	return payout
}

// Active reports whether the position still holds capital at risk.
func (p Position) Active() bool {
	switch p.Status {
	case PositionOpening, PositionOpen, PositionClosing:
		return true
	default:
		return false
	}
}

// DailyPnL is the per-day realized P&L aggregate used for reporting and for
// the loss-based circuit breaker.
type DailyPnL struct {
	Date        string // "2006-01-02" (UTC)
	TotalPnL    float64
	Trades      int
	Wins        int
	StrategyPnL map[StrategyKind]float64
	UpdatedAt   time.Time
}

// WinRate returns the winning-trade percentage for the day.
func (d DailyPnL) WinRate() float64 {
	if d.Trades == 0 {
		return 0
	}
	return float64(d.Wins) / float64(d.Trades) * 100
}
