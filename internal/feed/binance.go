// Package feed maintains the external reference price series used by the
// late-market strategy. Prices stream over the Binance combined-ticker
// WebSocket; the feed keeps an in-memory history per symbol and mirrors the
// latest sample into the price cache for external readers.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sureside/arbot/internal/domain"
)

const (
	handshakeTimeout = 15 * time.Second
	readWait         = 60 * time.Second
	writeWait        = 10 * time.Second

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second

	// historyCap bounds the per-symbol sample ring. Ticker updates arrive
	// roughly once per second, so this covers the longest deviation window
	// the late-market strategy can ask for.
	historyCap = 600
)

// Binance streams reference prices for the configured symbols and answers
// deviation, volatility, and staleness queries over the retained history.
type Binance struct {
	wsURL   string
	symbols []string
	cache   domain.PriceCache
	logger  *slog.Logger

	mu      sync.RWMutex
	history map[string][]domain.PriceSample

	now func() time.Time
}

var _ domain.ReferenceFeed = (*Binance)(nil)

// NewBinance creates a feed for the given symbols (e.g. "btcusdt"). cache may
// be nil when no external mirror is wanted.
func NewBinance(wsURL string, symbols []string, cache domain.PriceCache, logger *slog.Logger) *Binance {
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			normalized = append(normalized, s)
		}
	}
	return &Binance{
		wsURL:   wsURL,
		symbols: normalized,
		cache:   cache,
		logger:  logger.With(slog.String("component", "binance_feed")),
		history: make(map[string][]domain.PriceSample, len(normalized)),
		now:     time.Now,
	}
}

// Run connects and consumes ticker updates until ctx is cancelled,
// reconnecting with exponential backoff on any stream error.
func (b *Binance) Run(ctx context.Context) error {
	if len(b.symbols) == 0 {
		b.logger.InfoContext(ctx, "no symbols configured, feed idle")
		<-ctx.Done()
		return ctx.Err()
	}

	delay := reconnectDelay
	for {
		err := b.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.WarnContext(ctx, "stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (b *Binance) consume(ctx context.Context) error {
	streams := make([]string, len(b.symbols))
	for i, s := range b.symbols {
		streams[i] = s + "@ticker"
	}
	url := fmt.Sprintf("%s/%s", strings.TrimRight(b.wsURL, "/"), strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	b.logger.InfoContext(ctx, "stream connected", slog.Int("symbols", len(b.symbols)))

	// The server pings periodically; answering keeps the session alive and
	// refreshes the read deadline.
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	// Close the socket when ctx dies so ReadMessage unblocks promptly.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		b.handleMessage(ctx, message)
	}
}

// tickerMessage covers both the combined-stream envelope and the raw ticker
// payload.
type tickerMessage struct {
	Stream string       `json:"stream"`
	Data   tickerFields `json:"data"`
	tickerFields
}

type tickerFields struct {
	Symbol string `json:"s"`
	Last   string `json:"c"`
}

func (b *Binance) handleMessage(ctx context.Context, raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return // drop unparseable frames
	}

	fields := msg.tickerFields
	if msg.Stream != "" {
		fields = msg.Data
	}
	symbol := strings.ToLower(fields.Symbol)
	price, err := strconv.ParseFloat(fields.Last, 64)
	if err != nil || price <= 0 || symbol == "" {
		return
	}

	sample := domain.PriceSample{Symbol: symbol, Price: price, Time: b.now().UTC()}
	b.record(sample)

	if b.cache != nil {
		if err := b.cache.SetPrice(ctx, symbol, price, sample.Time); err != nil {
			b.logger.DebugContext(ctx, "price cache update failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (b *Binance) record(sample domain.PriceSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := append(b.history[sample.Symbol], sample)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	b.history[sample.Symbol] = h
}

// Sample returns the most recent price for symbol.
func (b *Binance) Sample(symbol string) (domain.PriceSample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.history[strings.ToLower(symbol)]
	if len(h) == 0 {
		return domain.PriceSample{}, false
	}
	return h[len(h)-1], true
}

// WindowOpen returns the oldest retained price observed within the given
// window before now. It reports false when history does not reach back far
// enough to cover the window start.
func (b *Binance) WindowOpen(symbol string, window time.Duration) (float64, bool) {
	cutoff := b.now().Add(-window)

	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.history[strings.ToLower(symbol)]
	for _, s := range h {
		if !s.Time.Before(cutoff) {
			return s.Price, true
		}
	}
	return 0, false
}

// Volatility returns the coefficient of variation, as a percentage, over the
// last window samples. Fewer than two samples yield zero.
func (b *Binance) Volatility(symbol string, window int) float64 {
	b.mu.RLock()
	h := b.history[strings.ToLower(symbol)]
	if window > 0 && len(h) > window {
		h = h[len(h)-window:]
	}
	prices := make([]float64, len(h))
	for i, s := range h {
		prices[i] = s.Price
	}
	b.mu.RUnlock()

	if len(prices) < 2 {
		return 0
	}
	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(len(prices))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, p := range prices {
		variance += (p - mean) * (p - mean)
	}
	variance /= float64(len(prices))
	return math.Sqrt(variance) / mean * 100
}

// Stale reports whether the latest sample for symbol is older than bound, or
// absent entirely.
func (b *Binance) Stale(symbol string, bound time.Duration) bool {
	sample, ok := b.Sample(symbol)
	if !ok {
		return true
	}
	return b.now().Sub(sample.Time) > bound
}
