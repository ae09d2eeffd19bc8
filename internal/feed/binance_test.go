package feed

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sureside/arbot/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type memCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (c *memCache) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = make(map[string]float64)
	}
	c.prices[symbol] = price
	return nil
}

func (c *memCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Time{}, nil
}

func newTestFeed(cache domain.PriceCache) (*Binance, *time.Time) {
	b := NewBinance("wss://stream.example/ws", []string{"btcusdt"}, cache, testLogger)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

// seed appends one sample per second ending at the current clock.
func seed(b *Binance, now time.Time, prices ...float64) {
	start := now.Add(-time.Duration(len(prices)-1) * time.Second)
	for i, p := range prices {
		b.record(domain.PriceSample{Symbol: "btcusdt", Price: p, Time: start.Add(time.Duration(i) * time.Second)})
	}
}

func TestSample(t *testing.T) {
	b, now := newTestFeed(nil)

	_, ok := b.Sample("btcusdt")
	assert.False(t, ok)

	seed(b, *now, 64000, 64100, 64250)
	s, ok := b.Sample("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 64250.0, s.Price)
}

func TestWindowOpen(t *testing.T) {
	b, now := newTestFeed(nil)
	seed(b, *now, 64000, 64100, 64200, 64300, 64400)

	// Oldest sample inside a 2.5s window is the one 2s back.
	open, ok := b.WindowOpen("btcusdt", 2500*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 64200.0, open)

	// A window wider than the retained history still answers with the
	// oldest sample; short history just means small measured deviation.
	open, ok = b.WindowOpen("btcusdt", 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, 64000.0, open)

	_, ok = b.WindowOpen("ethusdt", time.Minute)
	assert.False(t, ok)
}

func TestVolatility(t *testing.T) {
	b, now := newTestFeed(nil)

	assert.Zero(t, b.Volatility("btcusdt", 30))

	seed(b, *now, 100, 100, 100, 100)
	assert.Zero(t, b.Volatility("btcusdt", 30))

	b2, now2 := newTestFeed(nil)
	seed(b2, *now2, 90, 110)
	// mean 100, population stddev 10 -> 10%.
	assert.InDelta(t, 10.0, b2.Volatility("btcusdt", 30), 1e-9)

	// The window limits how far back the calculation reaches.
	b3, now3 := newTestFeed(nil)
	seed(b3, *now3, 50, 200, 100, 100, 100)
	assert.Zero(t, b3.Volatility("btcusdt", 3))
}

func TestStale(t *testing.T) {
	b, now := newTestFeed(nil)

	assert.True(t, b.Stale("btcusdt", 10*time.Second), "no samples means stale")

	seed(b, *now, 64000)
	assert.False(t, b.Stale("btcusdt", 10*time.Second))

	*now = now.Add(11 * time.Second)
	assert.True(t, b.Stale("btcusdt", 10*time.Second))
}

func TestHandleMessageCombinedStream(t *testing.T) {
	cache := &memCache{}
	b, _ := newTestFeed(cache)

	b.handleMessage(context.Background(), []byte(`{"stream":"btcusdt@ticker","data":{"s":"BTCUSDT","c":"64123.50"}}`))

	s, ok := b.Sample("btcusdt")
	require.True(t, ok)
	assert.Equal(t, 64123.50, s.Price)

	p, _, err := cache.GetPrice(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, 64123.50, p)
}

func TestHandleMessageRawStream(t *testing.T) {
	b, _ := newTestFeed(nil)

	b.handleMessage(context.Background(), []byte(`{"e":"24hrTicker","s":"BTCUSDT","c":"64500.00"}`))

	s, ok := b.Sample("btcusdt")
	require.True(t, ok)
	assert.Equal(t, 64500.0, s.Price)
}

func TestHandleMessageDropsGarbage(t *testing.T) {
	b, _ := newTestFeed(nil)

	b.handleMessage(context.Background(), []byte(`not json`))
	b.handleMessage(context.Background(), []byte(`{"s":"BTCUSDT","c":"0"}`))
	b.handleMessage(context.Background(), []byte(`{"s":"BTCUSDT","c":"nope"}`))

	_, ok := b.Sample("btcusdt")
	assert.False(t, ok)
}

func TestHistoryRingIsBounded(t *testing.T) {
	b, now := newTestFeed(nil)
	for i := 0; i < historyCap+50; i++ {
		b.record(domain.PriceSample{Symbol: "btcusdt", Price: float64(i), Time: now.Add(time.Duration(i) * time.Second)})
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	assert.Len(t, b.history["btcusdt"], historyCap)
}
