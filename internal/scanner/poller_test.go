package scanner

import (
	"context"
	"errors"
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

type fakeCatalog struct {
	mu       sync.Mutex
	markets  []domain.Market
	listErr  error
	books    map[string]domain.BookSnapshot
	bookErrs map[string]error
}

func (c *fakeCatalog) ListActiveMarkets(context.Context) ([]domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markets, c.listErr
}

func (c *fakeCatalog) FetchMarket(_ context.Context, id string) (domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.markets {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (c *fakeCatalog) FetchBook(_ context.Context, tokenID string) (domain.BookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.bookErrs[tokenID]; err != nil {
		return domain.BookSnapshot{}, err
	}
	b, ok := c.books[tokenID]
	if !ok {
		return domain.BookSnapshot{}, domain.ErrDataUnavailable
	}
	return b, nil
}

type memMarkets struct {
	mu      sync.Mutex
	upserts map[string]int
}

func (s *memMarkets) Upsert(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upserts == nil {
		s.upserts = make(map[string]int)
	}
	s.upserts[m.ID]++
	return nil
}

func (s *memMarkets) GetByID(context.Context, string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func (s *memMarkets) ListActive(context.Context, domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

var baseTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func book(token string, ask float64) domain.BookSnapshot {
	return domain.BookSnapshot{
		TokenID: token,
		Bids:    []domain.PriceLevel{{Price: ask - 0.02, Size: 500}},
		Asks:    []domain.PriceLevel{{Price: ask, Size: 500}},
		BestBid: ask - 0.02,
		BestAsk: ask,
	}
}

func generalMarket(id string, closeIn time.Duration) domain.Market {
	return domain.Market{
		ID:       id,
		Question: "Who wins?",
		Category: domain.CategoryGeneral,
		Outcomes: []domain.Outcome{
			{Name: "Yes", TokenID: id + "-yes"},
			{Name: "No", TokenID: id + "-no"},
		},
		Volume:    50000,
		CloseTime: baseTime.Add(closeIn),
	}
}

func newFixture(markets ...domain.Market) (*Scanner, *fakeCatalog, *memMarkets) {
	catalog := &fakeCatalog{markets: markets, books: make(map[string]domain.BookSnapshot)}
	for _, m := range markets {
		for _, o := range m.Outcomes {
			catalog.books[o.TokenID] = book(o.TokenID, 0.48)
		}
	}
	store := &memMarkets{}
	s := New(Config{
		Interval:       time.Second,
		MinVolume:      5000,
		MinTimeToClose: 30 * time.Minute,
		MaxMarkets:     100,
	}, catalog, store, testLogger)
	s.now = func() time.Time { return baseTime }
	return s, catalog, store
}

func collect(s *Scanner, n int) []domain.MarketSnapshot {
	out := make(chan domain.MarketSnapshot, n)
	s.Sweep(context.Background(), out)
	close(out)
	var snaps []domain.MarketSnapshot
	for snap := range out {
		snaps = append(snaps, snap)
	}
	return snaps
}

func TestSweepEmitsSnapshots(t *testing.T) {
	s, _, store := newFixture(generalMarket("m1", time.Hour), generalMarket("m2", 2*time.Hour))

	snaps := collect(s, 4)
	require.Len(t, snaps, 2)
	assert.Equal(t, "m1", snaps[0].Market.ID)
	assert.Equal(t, uint64(1), snaps[0].Version)
	assert.Equal(t, baseTime, snaps[0].Taken)
	require.Len(t, snaps[0].Books, 2)
	assert.Equal(t, 0.48, snaps[0].Books["m1-yes"].BestAsk)

	assert.Equal(t, 1, store.upserts["m1"])
	assert.Equal(t, 1, store.upserts["m2"])
}

func TestVersionsIncreasePerMarket(t *testing.T) {
	s, _, _ := newFixture(generalMarket("m1", time.Hour))

	first := collect(s, 2)
	second := collect(s, 2)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, uint64(1), first[0].Version)
	assert.Equal(t, uint64(2), second[0].Version)
}

func TestSweepFilters(t *testing.T) {
	thin := generalMarket("thin", time.Hour)
	thin.Volume = 100

	closing := generalMarket("closing", 10*time.Minute)

	resolved := generalMarket("done", time.Hour)
	resolved.Resolved = true

	expired := generalMarket("expired", -time.Minute)

	noClose := generalMarket("noclose", time.Hour)
	noClose.CloseTime = time.Time{}

	s, _, _ := newFixture(thin, closing, resolved, expired, noClose, generalMarket("ok", time.Hour))

	snaps := collect(s, 12)
	require.Len(t, snaps, 1)
	assert.Equal(t, "ok", snaps[0].Market.ID)
}

func TestCryptoTimedBypassesMinTimeToClose(t *testing.T) {
	timed := domain.Market{
		ID:       "btc-5m",
		Question: "Bitcoin Up or Down - June 15, 12:00PM-12:05PM ET",
		Category: domain.CategoryCryptoTimed,
		Outcomes: []domain.Outcome{
			{Name: "Up", TokenID: "b-up"},
			{Name: "Down", TokenID: "b-down"},
		},
		Volume:    20000,
		CloseTime: baseTime.Add(3 * time.Minute),
	}
	s, _, _ := newFixture(timed)

	snaps := collect(s, 2)
	require.Len(t, snaps, 1)
	assert.Equal(t, "btc-5m", snaps[0].Market.ID)
}

func TestMissingBookSkipsWholeMarket(t *testing.T) {
	s, catalog, _ := newFixture(generalMarket("m1", time.Hour), generalMarket("m2", time.Hour))
	catalog.bookErrs = map[string]error{"m1-no": errors.New("book fetch 500")}

	snaps := collect(s, 4)
	require.Len(t, snaps, 1)
	assert.Equal(t, "m2", snaps[0].Market.ID)
}

func TestMaxMarketsCapsEmission(t *testing.T) {
	s, _, _ := newFixture(generalMarket("m1", time.Hour), generalMarket("m2", time.Hour), generalMarket("m3", time.Hour))
	s.cfg.MaxMarkets = 2

	snaps := collect(s, 6)
	assert.Len(t, snaps, 2)
}

func TestListFailureEmitsNothing(t *testing.T) {
	s, catalog, _ := newFixture(generalMarket("m1", time.Hour))
	catalog.listErr = errors.New("gamma down")

	snaps := collect(s, 2)
	assert.Empty(t, snaps)
}
