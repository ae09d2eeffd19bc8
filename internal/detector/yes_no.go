package detector

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sureside/arbot/internal/domain"
)

// YesNoConfig tunes the binary yes/no arbitrage strategy.
type YesNoConfig struct {
	MinEdge        float64
	MaxSpreadPct   float64
	MaxPositionUSD float64
	MinTimeToClose time.Duration
	TTL            time.Duration
}

// YesNo detects binary markets where ask(YES) + ask(NO) < 1. Buying equal
// token counts of both sides locks a profit, since exactly one side pays $1.
// Only the buy-both direction is a valid entry; the venue offers no short
// selling, so the bid-side mirror check is not an opening.
type YesNo struct {
	cfg    YesNoConfig
	logger *slog.Logger
}

// NewYesNo creates a yes/no strategy.
func NewYesNo(cfg YesNoConfig, logger *slog.Logger) *YesNo {
	return &YesNo{cfg: cfg, logger: logger.With(slog.String("strategy", string(domain.StrategyYesNo)))}
}

// Kind returns the strategy identifier.
func (s *YesNo) Kind() domain.StrategyKind { return domain.StrategyYesNo }

var _ Strategy = (*YesNo)(nil)

// binarySides returns the YES/UP and NO/DOWN outcomes, or ok=false when the
// market is not a recognizable binary pair.
func binarySides(m domain.Market) (yes, no domain.Outcome, ok bool) {
	if !m.Binary() {
		return yes, no, false
	}
	for _, o := range m.Outcomes {
		switch strings.ToUpper(o.Name) {
		case "YES", "UP":
			yes = o
		case "NO", "DOWN":
			no = o
		}
	}
	if yes.TokenID == "" || no.TokenID == "" {
		return yes, no, false
	}
	return yes, no, true
}

// Detect emits at most one opportunity when both sides of a binary market can
// be bought for less than $1 combined at executable prices.
func (s *YesNo) Detect(ctx context.Context, snap domain.MarketSnapshot) ([]domain.Opportunity, error) {
	m := snap.Market
	yes, no, ok := binarySides(m)
	if !ok {
		return nil, nil
	}
	now := snap.Taken
	if m.CloseTime.IsZero() || m.CloseTime.Sub(now) < s.cfg.MinTimeToClose {
		return nil, nil
	}

	yesBook, okY := snap.Book(yes.TokenID)
	noBook, okN := snap.Book(no.TokenID)
	if !okY || !okN || yesBook.BestAsk <= 0 || noBook.BestAsk <= 0 {
		return nil, nil
	}
	if yesBook.SpreadPct() > s.cfg.MaxSpreadPct || noBook.SpreadPct() > s.cfg.MaxSpreadPct {
		return nil, nil
	}

	sumBestAsk := yesBook.BestAsk + noBook.BestAsk
	if sumBestAsk >= 1 {
		return nil, nil
	}
	units := s.cfg.MaxPositionUSD / sumBestAsk
	if units <= 0 {
		return nil, nil
	}

	yesPrice, okY := domain.ExecutableAsk(yesBook.Asks, units)
	noPrice, okN := domain.ExecutableAsk(noBook.Asks, units)
	if !okY || !okN {
		return nil, nil
	}

	edge := 1 - (yesPrice + noPrice)
	if edge < s.cfg.MinEdge {
		return nil, nil
	}

	expiry := now.Add(s.cfg.TTL)
	if m.CloseTime.Before(expiry) {
		expiry = m.CloseTime
	}
	opp := domain.Opportunity{
		ID:       uuid.Must(uuid.NewRandom()).String(),
		Strategy: domain.StrategyYesNo,
		MarketID: m.ID,
		Question: m.Question,
		NegRisk:  m.NegRisk,
		Legs: []domain.Leg{
			{Outcome: yes.Name, TokenID: yes.TokenID, Price: yesPrice, SizeTokens: units, CostUSD: yesPrice * units},
			{Outcome: no.Name, TokenID: no.TokenID, Price: noPrice, SizeTokens: units, CostUSD: noPrice * units},
		},
		TotalCost:       (yesPrice + noPrice) * units,
		ExpectedPayout:  1,
		ExpectedEdge:    edge,
		SnapshotVersion: snap.Version,
		DetectedAt:      now,
		ExpiresAt:       expiry,
	}
	s.logger.InfoContext(ctx, "yes/no opportunity",
		slog.String("market_id", m.ID),
		slog.Float64("edge", edge),
		slog.Float64("cost", opp.TotalCost),
	)
	return []domain.Opportunity{opp}, nil
}
