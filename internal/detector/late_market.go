package detector

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sureside/arbot/internal/domain"
)

// LateMarketConfig tunes the late-market sure-side strategy.
type LateMarketConfig struct {
	Symbol           string // reference feed symbol, e.g. "btcusdt"
	WindowStart      time.Duration
	WindowEnd        time.Duration
	MinDeviationPct  float64
	MaxVolatilityPct float64
	MaxEntryPrice    float64
	MaxSpreadPct     float64
	MaxPositionUSD   float64
	StalenessBound   time.Duration
	TTL              time.Duration
	VolatilityWindow int // number of history samples
}

// LateMarket buys the now-favored side of a timed crypto Up/Down market in
// the final seconds before close, when the reference price has moved far
// enough past the open that a reversal is treated as improbable. Unlike the
// two arbitrage strategies this one is directional and can lose its full
// cost, so it carries a tighter per-trade cap and a seconds-scale expiry.
type LateMarket struct {
	cfg    LateMarketConfig
	feed   domain.ReferenceFeed
	logger *slog.Logger

	mu       sync.Mutex
	signaled map[string]time.Time // market id -> signal time, one entry per window
}

// NewLateMarket creates a late-market strategy backed by the reference feed.
func NewLateMarket(cfg LateMarketConfig, feed domain.ReferenceFeed, logger *slog.Logger) *LateMarket {
	if cfg.VolatilityWindow <= 0 {
		cfg.VolatilityWindow = 30
	}
	return &LateMarket{
		cfg:      cfg,
		feed:     feed,
		logger:   logger.With(slog.String("strategy", string(domain.StrategyLateMarket))),
		signaled: make(map[string]time.Time),
	}
}

// Kind returns the strategy identifier.
func (s *LateMarket) Kind() domain.StrategyKind { return domain.StrategyLateMarket }

var _ Strategy = (*LateMarket)(nil)

// Detect emits at most one single-leg opportunity per market per close
// window. A stale reference feed suppresses the strategy entirely.
func (s *LateMarket) Detect(ctx context.Context, snap domain.MarketSnapshot) ([]domain.Opportunity, error) {
	m := snap.Market
	if m.Category != domain.CategoryCryptoTimed {
		return nil, nil
	}
	up, down, ok := upDownSides(m)
	if !ok {
		return nil, nil
	}
	now := snap.Taken
	toClose := m.CloseTime.Sub(now)
	if toClose < s.cfg.WindowEnd || toClose > s.cfg.WindowStart {
		return nil, nil
	}
	if s.alreadySignaled(m.ID, now) {
		return nil, nil
	}

	if s.feed.Stale(s.cfg.Symbol, s.cfg.StalenessBound) {
		s.logger.DebugContext(ctx, "reference feed stale, skipping", slog.String("symbol", s.cfg.Symbol))
		return nil, nil
	}
	sample, ok := s.feed.Sample(s.cfg.Symbol)
	if !ok {
		return nil, nil
	}
	vol := s.feed.Volatility(s.cfg.Symbol, s.cfg.VolatilityWindow)
	if vol > s.cfg.MaxVolatilityPct {
		s.logger.DebugContext(ctx, "reference volatility too high",
			slog.Float64("volatility_pct", vol),
			slog.Float64("max_pct", s.cfg.MaxVolatilityPct),
		)
		return nil, nil
	}
	open, ok := s.feed.WindowOpen(s.cfg.Symbol, s.cfg.WindowStart+toClose)
	if !ok || open <= 0 {
		return nil, nil
	}

	changePct := (sample.Price - open) / open * 100
	if math.Abs(changePct) < s.cfg.MinDeviationPct {
		return nil, nil
	}

	winner := up
	if changePct < 0 {
		winner = down
	}
	book, ok := snap.Book(winner.TokenID)
	if !ok || book.BestAsk <= 0 {
		return nil, nil
	}
	if book.SpreadPct() > s.cfg.MaxSpreadPct {
		return nil, nil
	}

	tokens := s.cfg.MaxPositionUSD / book.BestAsk
	price, ok := domain.ExecutableAsk(book.Asks, tokens)
	if !ok {
		return nil, nil
	}
	if price > s.cfg.MaxEntryPrice {
		s.logger.DebugContext(ctx, "favored side already priced in",
			slog.String("market_id", m.ID),
			slog.Float64("entry_price", price),
		)
		return nil, nil
	}

	edge := 1 - price
	expiry := now.Add(s.cfg.TTL)
	if m.CloseTime.Before(expiry) {
		expiry = m.CloseTime
	}
	s.markSignaled(m.ID, now)

	opp := domain.Opportunity{
		ID:       uuid.Must(uuid.NewRandom()).String(),
		Strategy: domain.StrategyLateMarket,
		MarketID: m.ID,
		Question: m.Question,
		NegRisk:  m.NegRisk,
		Legs: []domain.Leg{
			{Outcome: winner.Name, TokenID: winner.TokenID, Price: price, SizeTokens: tokens, CostUSD: price * tokens},
		},
		TotalCost:       price * tokens,
		ExpectedPayout:  1,
		ExpectedEdge:    edge,
		SnapshotVersion: snap.Version,
		DetectedAt:      now,
		ExpiresAt:       expiry,
	}
	s.logger.InfoContext(ctx, "late-market opportunity",
		slog.String("market_id", m.ID),
		slog.String("side", winner.Name),
		slog.Float64("entry_price", price),
		slog.Float64("ref_change_pct", changePct),
		slog.Float64("seconds_to_close", toClose.Seconds()),
	)
	return []domain.Opportunity{opp}, nil
}

// upDownSides returns the Up and Down outcomes of a timed binary market.
func upDownSides(m domain.Market) (up, down domain.Outcome, ok bool) {
	if !m.Binary() {
		return up, down, false
	}
	for _, o := range m.Outcomes {
		switch strings.ToUpper(o.Name) {
		case "UP", "YES":
			up = o
		case "DOWN", "NO":
			down = o
		}
	}
	if up.TokenID == "" || down.TokenID == "" {
		return up, down, false
	}
	return up, down, true
}

func (s *LateMarket) alreadySignaled(marketID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.signaled[marketID]
	if ok && now.Sub(at) < s.cfg.WindowStart {
		return true
	}
	// Prune entries whose window has long since closed.
	for id, t := range s.signaled {
		if now.Sub(t) > 2*s.cfg.WindowStart {
			delete(s.signaled, id)
		}
	}
	return false
}

func (s *LateMarket) markSignaled(marketID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signaled[marketID] = now
}
