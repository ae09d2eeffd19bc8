package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrDataUnavailable    = errors.New("market data unavailable")
	ErrStaleQuote         = errors.New("quote snapshot stale")
	ErrRejectedByRisk     = errors.New("rejected by risk guard")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrExecutionTimeout   = errors.New("order fill timed out")
	ErrPartialHedge       = errors.New("partial hedge: some legs unfilled")
	ErrPersistence        = errors.New("persistence failure")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrLockHeld           = errors.New("lock held by another holder")
)
