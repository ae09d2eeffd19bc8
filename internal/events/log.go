// Package events implements the append-only event log shared by every trading
// component. A single Log value fans each event out to structured logging, the
// persistent event store, the Redis signal bus, and the operator notifier.
// Recording never fails the caller: a sink outage degrades observability, not
// trading.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sureside/arbot/internal/domain"
)

const (
	// ChannelEvents is the pub/sub channel live dashboards subscribe to.
	ChannelEvents = "arbot:events"
	// StreamEvents is the capped Redis stream that retains recent history for
	// consumers that attach late.
	StreamEvents = "arbot:stream:events"
)

// Forwarder pushes rendered alerts to operator channels. It applies its own
// event-type filtering.
type Forwarder interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Log is the process-wide event sink. All sinks are optional; a nil store,
// bus, or forwarder is skipped.
type Log struct {
	store     domain.EventStore
	bus       domain.SignalBus
	forwarder Forwarder
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a Log writing to the given sinks. Pass nil for any sink that is
// not configured in the current mode.
func New(store domain.EventStore, bus domain.SignalBus, forwarder Forwarder, logger *slog.Logger) *Log {
	return &Log{
		store:     store,
		bus:       bus,
		forwarder: forwarder,
		logger:    logger.With(slog.String("component", "events")),
		now:       time.Now,
	}
}

// Record appends one event to every sink. Sink failures are logged and
// swallowed so the trading path never stalls on observability.
func (l *Log) Record(ctx context.Context, ev domain.Event) {
	if ev.Time.IsZero() {
		ev.Time = l.now().UTC()
	}

	l.logger.Log(ctx, severityLevel(ev.Severity), string(ev.Type),
		slog.String("severity", string(ev.Severity)),
		slog.String("strategy", string(ev.Strategy)),
		slog.String("market_id", ev.MarketID),
		slog.String("position_id", ev.PositionID),
		slog.Any("details", ev.Details),
	)

	if l.store != nil {
		if err := l.store.Append(ctx, ev); err != nil {
			l.logger.ErrorContext(ctx, "event store append failed",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	l.publish(ctx, ev)

	if l.forwarder != nil {
		title, message := render(ev)
		// Operator channels are slow HTTP calls; keep them off the caller's
		// path but bound how long a stuck sender can linger.
		go func() {
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			if err := l.forwarder.Notify(nctx, string(ev.Type), title, message); err != nil {
				l.logger.WarnContext(nctx, "notification failed",
					slog.String("type", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// Snapshot publishes a periodic state snapshot to the signal bus only.
// Snapshots are high-frequency and reconstructible, so they are not persisted
// to the event store.
func (l *Log) Snapshot(ctx context.Context, details map[string]any) {
	l.publish(ctx, domain.Event{
		Time:     l.now().UTC(),
		Type:     domain.EventSnapshot,
		Severity: domain.SeverityDebug,
		Details:  details,
	})
}

func (l *Log) publish(ctx context.Context, ev domain.Event) {
	if l.bus == nil {
		return
	}
	payload, err := json.Marshal(wireEvent{
		Time:       ev.Time,
		Type:       string(ev.Type),
		Severity:   string(ev.Severity),
		Strategy:   string(ev.Strategy),
		MarketID:   ev.MarketID,
		PositionID: ev.PositionID,
		Details:    ev.Details,
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "event marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := l.bus.Publish(ctx, ChannelEvents, payload); err != nil {
		l.logger.WarnContext(ctx, "bus publish failed", slog.String("error", err.Error()))
	}
	if ev.Type == domain.EventSnapshot {
		return
	}
	if err := l.bus.StreamAppend(ctx, StreamEvents, payload); err != nil {
		l.logger.WarnContext(ctx, "stream append failed", slog.String("error", err.Error()))
	}
}

// wireEvent is the JSON shape published on the signal bus.
type wireEvent struct {
	Time       time.Time      `json:"time"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Strategy   string         `json:"strategy,omitempty"`
	MarketID   string         `json:"market_id,omitempty"`
	PositionID string         `json:"position_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func severityLevel(s domain.Severity) slog.Level {
	switch s {
	case domain.SeverityDebug:
		return slog.LevelDebug
	case domain.SeverityWarning:
		return slog.LevelWarn
	case domain.SeverityError, domain.SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// render produces the operator-facing title and body for an event.
func render(ev domain.Event) (title, message string) {
	title = strings.ReplaceAll(string(ev.Type), "_", " ")
	if ev.Severity == domain.SeverityCritical {
		title = "CRITICAL: " + title
	}

	var b strings.Builder
	if ev.Strategy != "" {
		fmt.Fprintf(&b, "strategy: %s\n", ev.Strategy)
	}
	if ev.MarketID != "" {
		fmt.Fprintf(&b, "market: %s\n", ev.MarketID)
	}
	if ev.PositionID != "" {
		fmt.Fprintf(&b, "position: %s\n", ev.PositionID)
	}
	keys := make([]string, 0, len(ev.Details))
	for k := range ev.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, ev.Details[k])
	}
	return title, strings.TrimRight(b.String(), "\n")
}
