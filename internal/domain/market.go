package domain

import "time"

// MarketCategory tags the kind of market for strategy routing.
type MarketCategory string

const (
	CategoryGeneral     MarketCategory = "general"
	CategoryCryptoTimed MarketCategory = "crypto_timed" // e.g. "BTC up or down, 5 minute"
)

// Outcome is one side of a market: a human-readable name plus the CLOB token
// that pays $1 when the outcome wins.
type Outcome struct {
	Name    string
	TokenID string
}

// Market represents a Polymarket prediction market. Identity fields never
// change after discovery; quote state lives in MarketSnapshot.
type Market struct {
	ID         string // condition id
	Question   string
	Category   MarketCategory
	NegRisk    bool
	Outcomes   []Outcome
	Volume     float64
	CloseTime  time.Time
	Resolved   bool
	Winner     string // outcome name, set once resolved
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Binary reports whether the market has exactly two outcomes.
func (m Market) Binary() bool { return len(m.Outcomes) == 2 }

// OutcomeByName returns the outcome with the given name (case-sensitive) and
// whether it was found.
func (m Market) OutcomeByName(name string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.Name == name {
			return o, true
		}
	}
	return Outcome{}, false
}

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is a full snapshot of one outcome token's orderbook. Snapshots
// are replaced wholesale on each refresh and never patched in place.
type BookSnapshot struct {
	TokenID   string
	Bids      []PriceLevel // best first
	Asks      []PriceLevel // best first
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// SpreadPct returns the bid/ask spread as a percentage of the mid price, or
// 100 when either side is missing.
func (b BookSnapshot) SpreadPct() float64 {
	if b.BestBid <= 0 || b.BestAsk <= 0 {
		return 100
	}
	mid := (b.BestBid + b.BestAsk) / 2
	return (b.BestAsk - b.BestBid) / mid * 100
}

// ExecutableAsk walks the ask side of a book and returns the size-weighted
// average price for buying requiredTokens. It returns ok=false when the book
// lacks the depth to fill the full size, in which case no trade should be
// derived from it.
func ExecutableAsk(asks []PriceLevel, requiredTokens float64) (float64, bool) {
	if requiredTokens <= 0 || len(asks) == 0 {
		return 0, false
	}
	var filled, cost float64
	for _, lvl := range asks {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		take := lvl.Size
		if remaining := requiredTokens - filled; take > remaining {
			take = remaining
		}
		filled += take
		cost += take * lvl.Price
		if filled >= requiredTokens {
			return cost / filled, true
		}
	}
	return 0, false
}

// MarketSnapshot bundles a market with the books of all its outcomes at a
// single poll. Version increases monotonically per market; detectors treat the
// whole snapshot as immutable.
type MarketSnapshot struct {
	Market  Market
	Books   map[string]BookSnapshot // keyed by token id
	Version uint64
	Taken   time.Time
}

// Book returns the book for an outcome token and whether a quote was present
// in this snapshot.
func (s MarketSnapshot) Book(tokenID string) (BookSnapshot, bool) {
	b, ok := s.Books[tokenID]
	return b, ok
}

// Age returns how stale the snapshot is relative to now.
func (s MarketSnapshot) Age(now time.Time) time.Duration { return now.Sub(s.Taken) }
