package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyNamespacing(t *testing.T) {
	assert.Equal(t, "arbot:price:btcusdt", priceKey("btcusdt"))
	assert.Equal(t, "arbot:lock:archiver", lockKey("archiver"))
	assert.Equal(t, "arbot:ratelimit:clob", rateLimitKey("clob"))
}

func TestHasPattern(t *testing.T) {
	assert.False(t, hasPattern("arbot:events"))
	assert.True(t, hasPattern("arbot:*"))
	assert.True(t, hasPattern("arbot:event?"))
	assert.True(t, hasPattern("arbot:[ab]"))
}

func TestNewSignalBusDefaultsStreamMaxLen(t *testing.T) {
	c := &Client{}

	assert.Equal(t, defaultStreamMaxLen, NewSignalBus(c, 0).maxLen)
	assert.Equal(t, defaultStreamMaxLen, NewSignalBus(c, -5).maxLen)
	assert.Equal(t, int64(2500), NewSignalBus(c, 2500).maxLen)
}
