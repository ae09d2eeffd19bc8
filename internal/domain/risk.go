package domain

import "time"

// RejectReason enumerates why the risk guard declined an opportunity.
type RejectReason string

const (
	RejectCircuitBreakerActive RejectReason = "circuit_breaker_active"
	RejectTooManyPositions     RejectReason = "too_many_positions"
	RejectEdgeTooThin          RejectReason = "edge_too_thin_after_sizing"
	RejectDailyCapExceeded     RejectReason = "daily_cap_exceeded"
	RejectSlippageExceeded     RejectReason = "slippage_exceeded"
	RejectExpired              RejectReason = "opportunity_expired"
)

// RiskState is the process-wide risk accounting record. It has a single
// logical owner (the risk guard) and is persisted after every mutation that
// affects an invariant so a restart cannot silently exceed limits.
type RiskState struct {
	Day              string // "2006-01-02" (UTC); counters reset when it rolls
	DailyCommitted   float64
	DailyRealizedPnL float64
	ConsecutiveFails int
	HaltedUntil      time.Time // zero when the breaker is clear
	HaltReason       string
	UpdatedAt        time.Time
}

// Halted reports whether the circuit breaker blocks trading at the given
// instant. The breaker clears strictly by time, never by later successes.
func (s RiskState) Halted(now time.Time) bool {
	return !s.HaltedUntil.IsZero() && now.Before(s.HaltedUntil)
}

// Approval is the risk guard's go-ahead for a single opportunity. SizedCost
// is reserved against the daily cap until committed or released.
type Approval struct {
	OpportunityID string
	SizedCost     float64
	ScaleFactor   float64 // 1.0 when the natural size fit under the cap
	GrantedAt     time.Time
}
