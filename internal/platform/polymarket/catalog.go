package polymarket

import (
	"context"

	"github.com/sureside/arbot/internal/domain"
)

// Catalog composes the Gamma and CLOB clients into the venue-facing market
// catalog: discovery and metadata from Gamma, orderbooks from the CLOB.
type Catalog struct {
	gamma *GammaClient
	clob  *ClobClient

	minVolume float64
	limit     int
}

var _ domain.MarketCatalog = (*Catalog)(nil)

// NewCatalog creates a catalog listing at most limit markets with at least
// minVolume USD traded.
func NewCatalog(gamma *GammaClient, clob *ClobClient, minVolume float64, limit int) *Catalog {
	return &Catalog{gamma: gamma, clob: clob, minVolume: minVolume, limit: limit}
}

func (c *Catalog) ListActiveMarkets(ctx context.Context) ([]domain.Market, error) {
	return c.gamma.ListActiveMarkets(ctx, c.minVolume, c.limit)
}

func (c *Catalog) FetchMarket(ctx context.Context, marketID string) (domain.Market, error) {
	return c.gamma.FetchMarket(ctx, marketID)
}

func (c *Catalog) FetchBook(ctx context.Context, tokenID string) (domain.BookSnapshot, error) {
	return c.clob.FetchBook(ctx, tokenID)
}
