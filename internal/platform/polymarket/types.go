package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sureside/arbot/internal/domain"
)

// flexBool tolerates the Gamma API sending booleans as true/false or as the
// strings "true"/"false".
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	*b = flexBool(s == "true")
	return nil
}

// flexFloat tolerates numbers sent either bare or as strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

// gammaMarket is the market payload returned by the Gamma API. Outcomes,
// token ids, and prices arrive as JSON-encoded strings nested inside the JSON
// document.
type gammaMarket struct {
	ID            string    `json:"id"`
	ConditionID   string    `json:"conditionId"`
	Question      string    `json:"question"`
	Slug          string    `json:"slug"`
	Outcomes      string    `json:"outcomes"`      // e.g. "[\"Yes\",\"No\"]"
	OutcomePrices string    `json:"outcomePrices"` // e.g. "[\"0.5\",\"0.5\"]"
	ClobTokenIDs  string    `json:"clobTokenIds"`  // e.g. "[\"123\",\"456\"]"
	Volume        flexFloat `json:"volume"`
	NegRisk       bool      `json:"negRisk"`
	Active        flexBool  `json:"active"`
	Closed        bool      `json:"closed"`
	EndDateISO    string    `json:"endDateIso"`
	EndDate       string    `json:"endDate"`
	CreatedAt     string    `json:"createdAt"`
	UpdatedAt     string    `json:"updatedAt"`
}

// toDomain maps the API payload to a domain market. Markets whose outcome and
// token lists disagree in length are malformed and reported as such.
func (g *gammaMarket) toDomain() (domain.Market, error) {
	var names, tokens, prices []string
	if err := json.Unmarshal([]byte(g.Outcomes), &names); err != nil {
		return domain.Market{}, err
	}
	if err := json.Unmarshal([]byte(g.ClobTokenIDs), &tokens); err != nil {
		return domain.Market{}, err
	}
	if g.OutcomePrices != "" {
		_ = json.Unmarshal([]byte(g.OutcomePrices), &prices)
	}
	if len(names) != len(tokens) {
		return domain.Market{}, errMalformedMarket
	}

	outcomes := make([]domain.Outcome, len(names))
	for i := range names {
		outcomes[i] = domain.Outcome{Name: names[i], TokenID: tokens[i]}
	}

	id := g.ConditionID
	if id == "" {
		id = g.ID
	}

	m := domain.Market{
		ID:        id,
		Question:  g.Question,
		Category:  classifyCategory(g.Question),
		NegRisk:   g.NegRisk,
		Outcomes:  outcomes,
		Volume:    float64(g.Volume),
		CloseTime: parseTime(g.EndDateISO, g.EndDate),
		Resolved:  g.Closed,
		CreatedAt: parseTime(g.CreatedAt),
		UpdatedAt: parseTime(g.UpdatedAt),
	}

	// On settled markets the winning outcome's price pins to 1.
	if g.Closed && len(prices) == len(names) {
		for i, p := range prices {
			if v, err := strconv.ParseFloat(p, 64); err == nil && v >= 0.999 {
				m.Winner = names[i]
				break
			}
		}
	}

	return m, nil
}

// cryptoAssets are the symbols that, combined with an up-or-down question,
// mark a short-horizon crypto market.
var cryptoAssets = []string{"bitcoin", "btc", "ethereum", "eth", "solana", "sol", "xrp"}

// classifyCategory tags short-horizon crypto up/down markets, whose titles
// follow patterns like "Bitcoin Up or Down - February 16, 3:20PM-3:25PM ET".
func classifyCategory(question string) domain.MarketCategory {
	q := strings.ToLower(question)
	if !strings.Contains(q, "up or down") && !strings.Contains(q, "up/down") {
		return domain.CategoryGeneral
	}
	for _, asset := range cryptoAssets {
		if strings.Contains(q, asset) {
			return domain.CategoryCryptoTimed
		}
	}
	return domain.CategoryGeneral
}

func parseTime(candidates ...string) time.Time {
	for _, s := range candidates {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// clobBook is the orderbook payload from GET /book.
type clobBook struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Timestamp string      `json:"timestamp"` // unix millis as string
	Bids      []clobLevel `json:"bids"`
	Asks      []clobLevel `json:"asks"`
}

type clobLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// toDomain converts the book, sorting both sides best-first. The venue sends
// levels worst-first.
func (b *clobBook) toDomain() domain.BookSnapshot {
	snap := domain.BookSnapshot{
		TokenID:   b.AssetID,
		Bids:      toLevels(b.Bids, false),
		Asks:      toLevels(b.Asks, true),
		Timestamp: parseMillis(b.Timestamp),
	}
	if len(snap.Bids) > 0 {
		snap.BestBid = snap.Bids[0].Price
	}
	if len(snap.Asks) > 0 {
		snap.BestAsk = snap.Asks[0].Price
	}
	return snap
}

func toLevels(raw []clobLevel, ascending bool) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		size, err2 := strconv.ParseFloat(l.Size, 64)
		if err1 != nil || err2 != nil || price <= 0 || size <= 0 {
			continue
		}
		levels = append(levels, domain.PriceLevel{Price: price, Size: size})
	}
	// Insertion sort; books rarely exceed a few dozen levels.
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0; j-- {
			if (ascending && levels[j].Price < levels[j-1].Price) ||
				(!ascending && levels[j].Price > levels[j-1].Price) {
				levels[j], levels[j-1] = levels[j-1], levels[j]
			} else {
				break
			}
		}
	}
	return levels
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// orderPayload is the body for POST /order.
type orderPayload struct {
	TokenID   string `json:"tokenID"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	ClientID  string `json:"clientID,omitempty"`
	NegRisk   bool   `json:"negRisk,omitempty"`
}

// orderResult is the response to order submission and status queries.
type orderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	SizeMatched string `json:"size_matched,omitempty"`
	AvgPrice    string `json:"avg_price,omitempty"`
}

// Order status values reported by the venue.
const (
	orderStatusMatched  = "matched"
	orderStatusLive     = "live"
	orderStatusDelayed  = "delayed"
	orderStatusCanceled = "canceled"
)
