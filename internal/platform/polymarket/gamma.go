// Package polymarket provides the REST clients for the venue's two APIs: the
// Gamma API for market discovery and metadata, and the CLOB API for
// orderbooks and order management.
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sureside/arbot/internal/domain"
)

var errMalformedMarket = errors.New("polymarket: malformed market payload")

// GammaClient is the REST client for the Gamma API.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    domain.RateLimiter
	logger     *slog.Logger
}

// NewGammaClient creates a Gamma client for the given API root, e.g.
// "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string, logger *slog.Logger) *GammaClient {
	return &GammaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(slog.String("component", "gamma")),
	}
}

// WithRateLimiter makes the client wait on a shared request budget before
// each call. A nil limiter disables throttling.
func (g *GammaClient) WithRateLimiter(rl domain.RateLimiter) *GammaClient {
	g.limiter = rl
	return g
}

// ListActiveMarkets returns open markets with at least minVolume USD traded,
// up to limit. Malformed entries are skipped, not fatal.
func (g *GammaClient) ListActiveMarkets(ctx context.Context, minVolume float64, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("active", "true")
	params.Set("closed", "false")
	params.Set("limit", strconv.Itoa(limit))
	if minVolume > 0 {
		params.Set("volume_num_min", strconv.FormatFloat(minVolume, 'f', -1, 64))
	}

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}

	var raw []gammaMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	markets := make([]domain.Market, 0, len(raw))
	for i := range raw {
		if !bool(raw[i].Active) {
			continue
		}
		m, err := raw[i].toDomain()
		if err != nil {
			g.logger.DebugContext(ctx, "skipping malformed market",
				slog.String("market_id", raw[i].ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// FetchMarket returns a single market by condition id.
func (g *GammaClient) FetchMarket(ctx context.Context, marketID string) (domain.Market, error) {
	params := url.Values{}
	params.Set("condition_ids", marketID)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: get market %s: %w", marketID, err)
	}

	var raw []gammaMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}
	if len(raw) == 0 {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market %s: %w", marketID, domain.ErrNotFound)
	}

	m, err := raw[0].toDomain()
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market %s: %w", marketID, err)
	}
	return m, nil
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, "gamma"); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
