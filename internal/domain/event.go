package domain

import "time"

// EventType classifies entries in the append-only event log.
type EventType string

const (
	EventOpportunityDetected   EventType = "opportunity_detected"
	EventOpportunityRejected   EventType = "opportunity_rejected"
	EventOrderFilled           EventType = "order_filled"
	EventOrderFailed           EventType = "order_failed"
	EventPositionOpened        EventType = "position_opened"
	EventPositionResolved      EventType = "position_resolved"
	EventCircuitBreakerTripped EventType = "circuit_breaker_tripped"
	EventSnapshot              EventType = "snapshot"
)

// Severity levels follow slog's ordering so log output and the event stream
// agree on what "critical" means.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is one append-only record of a decision, fill, rejection, or
// resolution. Events are never mutated after write.
type Event struct {
	ID         int64 // assigned by the store
	Time       time.Time
	Type       EventType
	Severity   Severity
	Strategy   StrategyKind
	MarketID   string
	PositionID string
	Details    map[string]any
}
