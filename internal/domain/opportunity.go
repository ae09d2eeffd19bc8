package domain

import "time"

// StrategyKind identifies which detector strategy found an opportunity.
type StrategyKind string

const (
	StrategyOneOfMany  StrategyKind = "one_of_many"
	StrategyYesNo      StrategyKind = "yes_no"
	StrategyLateMarket StrategyKind = "late_market"
)

// RiskFree reports whether the strategy locks a profit regardless of outcome.
// late_market is directional and can lose its entire cost.
func (k StrategyKind) RiskFree() bool { return k != StrategyLateMarket }

// Leg is one outcome-side buy within an opportunity.
type Leg struct {
	Outcome    string
	TokenID    string
	Price      float64 // size-weighted executable ask
	SizeTokens float64
	CostUSD    float64
}

// Opportunity is a candidate trade emitted by the detector. It is consumed at
// most once by the risk guard and executor and is never acted on after
// ExpiresAt.
type Opportunity struct {
	ID              string
	Strategy        StrategyKind
	MarketID        string
	Question        string
	NegRisk         bool
	Legs            []Leg
	TotalCost       float64
	ExpectedPayout  float64 // per unit; $1 for arb strategies
	ExpectedEdge    float64 // profit fraction, e.g. 0.05
	SnapshotVersion uint64
	DetectedAt      time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the opportunity must no longer be executed.
func (o Opportunity) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// ScaleLegs returns a copy of the legs with sizes and costs multiplied by
// factor. Used when risk sizing caps an opportunity below its natural size.
func (o Opportunity) ScaleLegs(factor float64) []Leg {
	legs := make([]Leg, len(o.Legs))
	for i, l := range o.Legs {
		l.SizeTokens *= factor
		l.CostUSD *= factor
		legs[i] = l
	}
	return legs
}
