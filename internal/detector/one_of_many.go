package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sureside/arbot/internal/domain"
)

// OneOfManyConfig tunes the one-of-many arbitrage strategy.
type OneOfManyConfig struct {
	MinEdge        float64 // profit fraction, e.g. 0.02
	MaxSpreadPct   float64
	MaxPositionUSD float64
	MinTimeToClose time.Duration
	TTL            time.Duration
}

// OneOfMany detects markets whose mutually exclusive outcomes can all be
// bought for less than $1 combined. Buying equal token counts of every
// outcome then locks a profit of 1 - sum(ask) per token regardless of which
// outcome wins.
type OneOfMany struct {
	cfg    OneOfManyConfig
	logger *slog.Logger
}

// NewOneOfMany creates a one-of-many strategy.
func NewOneOfMany(cfg OneOfManyConfig, logger *slog.Logger) *OneOfMany {
	return &OneOfMany{cfg: cfg, logger: logger.With(slog.String("strategy", string(domain.StrategyOneOfMany)))}
}

// Kind returns the strategy identifier.
func (s *OneOfMany) Kind() domain.StrategyKind { return domain.StrategyOneOfMany }

var _ Strategy = (*OneOfMany)(nil)

// Detect emits at most one opportunity when the sum of executable asks across
// every outcome is below 1 minus the minimum edge. Markets with fewer than
// three outcomes are left to the yes/no strategy.
func (s *OneOfMany) Detect(ctx context.Context, snap domain.MarketSnapshot) ([]domain.Opportunity, error) {
	m := snap.Market
	if len(m.Outcomes) < 3 {
		return nil, nil
	}
	now := snap.Taken
	if m.CloseTime.IsZero() || m.CloseTime.Sub(now) < s.cfg.MinTimeToClose {
		return nil, nil
	}

	// First pass over best asks to derive the unit count the budget affords.
	var sumBestAsk float64
	for _, o := range m.Outcomes {
		book, ok := snap.Book(o.TokenID)
		if !ok || book.BestAsk <= 0 {
			return nil, nil
		}
		if book.SpreadPct() > s.cfg.MaxSpreadPct {
			return nil, nil
		}
		sumBestAsk += book.BestAsk
	}
	if sumBestAsk >= 1 {
		return nil, nil
	}
	units := s.cfg.MaxPositionUSD / sumBestAsk
	if units <= 0 {
		return nil, nil
	}

	// Second pass prices the full unit count against book depth. The
	// executable price is size weighted, so thin books either widen the cost
	// or kill the opportunity outright.
	legs := make([]domain.Leg, 0, len(m.Outcomes))
	var sumExecAsk float64
	for _, o := range m.Outcomes {
		book, _ := snap.Book(o.TokenID)
		price, ok := domain.ExecutableAsk(book.Asks, units)
		if !ok {
			return nil, nil
		}
		sumExecAsk += price
		legs = append(legs, domain.Leg{
			Outcome:    o.Name,
			TokenID:    o.TokenID,
			Price:      price,
			SizeTokens: units,
			CostUSD:    price * units,
		})
	}

	edge := 1 - sumExecAsk
	if edge < s.cfg.MinEdge {
		return nil, nil
	}

	expiry := now.Add(s.cfg.TTL)
	if m.CloseTime.Before(expiry) {
		expiry = m.CloseTime
	}
	opp := domain.Opportunity{
		ID:              uuid.Must(uuid.NewRandom()).String(),
		Strategy:        domain.StrategyOneOfMany,
		MarketID:        m.ID,
		Question:        m.Question,
		NegRisk:         m.NegRisk,
		Legs:            legs,
		TotalCost:       sumExecAsk * units,
		ExpectedPayout:  1,
		ExpectedEdge:    edge,
		SnapshotVersion: snap.Version,
		DetectedAt:      now,
		ExpiresAt:       expiry,
	}
	s.logger.InfoContext(ctx, "one-of-many opportunity",
		slog.String("market_id", m.ID),
		slog.Float64("edge", edge),
		slog.Float64("cost", opp.TotalCost),
		slog.Int("legs", len(legs)),
	)
	return []domain.Opportunity{opp}, nil
}
