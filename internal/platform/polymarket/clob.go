package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sureside/arbot/internal/crypto"
	"github.com/sureside/arbot/internal/domain"
)

// fillPollInterval is how often Submit re-checks a resting order for fills.
const fillPollInterval = 500 * time.Millisecond

// ClobClient is the REST client for the CLOB API: public orderbook reads and
// authenticated order management.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	creds      crypto.Credentials
	limiter    domain.RateLimiter
	logger     *slog.Logger
}

var _ domain.OrderGateway = (*ClobClient)(nil)

// NewClobClient creates a CLOB client for the given API root, e.g.
// "https://clob.polymarket.com". Empty credentials leave the client in
// read-only mode; order calls will be rejected by the venue.
func NewClobClient(baseURL string, creds crypto.Credentials, logger *slog.Logger) *ClobClient {
	return &ClobClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		creds:      creds,
		logger:     logger.With(slog.String("component", "clob")),
	}
}

// WithRateLimiter makes the client wait on a shared request budget before
// each call. A nil limiter disables throttling.
func (c *ClobClient) WithRateLimiter(rl domain.RateLimiter) *ClobClient {
	c.limiter = rl
	return c
}

// FetchBook returns the current orderbook for one outcome token.
func (c *ClobClient) FetchBook(ctx context.Context, tokenID string) (domain.BookSnapshot, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	body, err := c.doRequest(ctx, http.MethodGet, "/book?"+params.Encode(), nil)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("polymarket/clob: fetch book: %w", err)
	}

	var book clobBook
	if err := json.Unmarshal(body, &book); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	snap := book.toDomain()
	if snap.TokenID == "" {
		snap.TokenID = tokenID
	}
	return snap, nil
}

// Submit places a limit order and blocks until it reaches a terminal state or
// ctx expires. A resting order is polled for fills; on ctx expiry the current
// fill state is returned with Status reflecting what executed so far.
func (c *ClobClient) Submit(ctx context.Context, req domain.OrderRequest) (domain.FillResult, error) {
	payload := orderPayload{
		TokenID:   req.TokenID,
		Price:     strconv.FormatFloat(req.LimitPrice, 'f', -1, 64),
		Size:      strconv.FormatFloat(req.SizeTokens, 'f', -1, 64),
		Side:      string(req.Side),
		OrderType: "GTC",
		ClientID:  req.ClientRef,
		NegRisk:   req.NegRisk,
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/order", payload)
	if err != nil {
		return domain.FillResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result orderResult
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.FillResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success {
		return domain.FillResult{
			OrderID: result.OrderID,
			Status:  domain.FillFailed,
			Message: result.ErrorMsg,
		}, nil
	}

	fill := toFill(result, req.SizeTokens, req.LimitPrice)
	if fill.Status == domain.FillFull || fill.Status == domain.FillFailed {
		return fill, nil
	}
	return c.awaitFill(ctx, fill, req.SizeTokens, req.LimitPrice)
}

// awaitFill polls a resting order until it fills, dies, or ctx expires.
func (c *ClobClient) awaitFill(ctx context.Context, last domain.FillResult, size, limitPrice float64) (domain.FillResult, error) {
	ticker := time.NewTicker(fillPollInterval)
	defer ticker.Stop()

	orderID := last.OrderID
	for {
		select {
		case <-ctx.Done():
			// Caller decides whether to cancel; report what filled so far.
			return last, nil
		case <-ticker.C:
		}

		body, err := c.doRequest(ctx, http.MethodGet, "/order/"+url.PathEscape(orderID), nil)
		if err != nil {
			if ctx.Err() != nil {
				return last, nil
			}
			c.logger.WarnContext(ctx, "order status poll failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
			continue
		}

		var result orderResult
		if err := json.Unmarshal(body, &result); err != nil {
			return last, fmt.Errorf("polymarket/clob: decode order status: %w", err)
		}
		result.OrderID = orderID
		result.Success = true
		last = toFill(result, size, limitPrice)

		switch result.Status {
		case orderStatusMatched, orderStatusCanceled:
			return last, nil
		case orderStatusLive, orderStatusDelayed:
			// keep polling
		default:
			return last, nil
		}
	}
}

// Cancel removes a resting order.
func (c *ClobClient) Cancel(ctx context.Context, orderID string) error {
	body, err := c.doRequest(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID})
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", result.ErrorMsg)
	}
	return nil
}

// toFill maps an API order result onto the requested size.
func toFill(result orderResult, size, limitPrice float64) domain.FillResult {
	matched, _ := strconv.ParseFloat(result.SizeMatched, 64)
	avg, _ := strconv.ParseFloat(result.AvgPrice, 64)
	if avg <= 0 {
		avg = limitPrice
	}

	fill := domain.FillResult{
		OrderID:    result.OrderID,
		FilledSize: matched,
		AvgPrice:   avg,
		Message:    result.ErrorMsg,
	}
	switch {
	case matched >= size-1e-9:
		fill.Status = domain.FillFull
	case matched > 0:
		fill.Status = domain.FillPartial
	default:
		fill.Status = domain.FillNone
	}
	return fill
}

// doRequest builds, signs, sends, and reads a CLOB API request.
func (c *ClobClient) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "clob"); err != nil {
			return nil, err
		}
	}

	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if !c.creds.Empty() {
		for k, v := range c.creds.Headers(method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}
