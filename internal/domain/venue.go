package domain

import (
	"context"
	"time"
)

// OrderSide indicates order direction. Short selling is unavailable on the
// venue, so every strategy entry is a buy.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// FillStatus is the terminal state of a submitted order.
type FillStatus string

const (
	FillFull    FillStatus = "filled"
	FillPartial FillStatus = "partial"
	FillNone    FillStatus = "unfilled"
	FillFailed  FillStatus = "failed"
)

// OrderRequest is a single limit order intent. ClientRef is assigned by the
// caller and makes resubmission after a transient error idempotent.
type OrderRequest struct {
	MarketID   string
	TokenID    string
	Side       OrderSide
	LimitPrice float64
	SizeTokens float64
	NegRisk    bool
	ClientRef  string
}

// FillResult reports what happened to a submitted order.
type FillResult struct {
	OrderID    string
	Status     FillStatus
	FilledSize float64
	AvgPrice   float64
	Message    string
}

// Filled reports whether any size executed.
func (r FillResult) Filled() bool { return r.FilledSize > 0 }

// MarketCatalog lists tradable markets with quotes. Partial or missing quotes
// for some outcomes are not an error; affected markets are skipped for the
// cycle.
type MarketCatalog interface {
	ListActiveMarkets(ctx context.Context) ([]Market, error)
	FetchBook(ctx context.Context, tokenID string) (BookSnapshot, error)
	FetchMarket(ctx context.Context, marketID string) (Market, error)
}

// OrderGateway submits and cancels orders at the venue. Submit blocks until
// the order reaches a terminal state or ctx expires.
type OrderGateway interface {
	Submit(ctx context.Context, req OrderRequest) (FillResult, error)
	Cancel(ctx context.Context, orderID string) error
}

// PriceSample is one tick of the external reference price series.
type PriceSample struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// ReferenceFeed exposes the external price series for the late-market
// strategy. A stale feed must suppress that strategy entirely.
type ReferenceFeed interface {
	Sample(symbol string) (PriceSample, bool)
	WindowOpen(symbol string, window time.Duration) (float64, bool)
	Volatility(symbol string, window int) float64
	Stale(symbol string, bound time.Duration) bool
}
