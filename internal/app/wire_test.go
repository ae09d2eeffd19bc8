package app

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sureside/arbot/internal/config"
	"github.com/sureside/arbot/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubFeed struct{}

func (stubFeed) Sample(string) (domain.PriceSample, bool) { return domain.PriceSample{}, false }

func (stubFeed) WindowOpen(string, time.Duration) (float64, bool) { return 0, false }

func (stubFeed) Volatility(string, int) float64 { return 0 }

func (stubFeed) Stale(string, time.Duration) bool { return true }

func TestBuildStrategiesHonorsEnableFlags(t *testing.T) {
	cfg := config.Defaults()

	strategies, ttl, err := buildStrategies(&cfg, stubFeed{}, testLogger)
	require.NoError(t, err)
	assert.Len(t, strategies, 3)
	assert.Equal(t, 2*time.Minute, ttl)

	cfg.Strategy.OneOfMany.Enabled = false
	cfg.Strategy.YesNo.Enabled = false
	strategies, ttl, err = buildStrategies(&cfg, stubFeed{}, testLogger)
	require.NoError(t, err)
	require.Len(t, strategies, 1)
	assert.Equal(t, domain.StrategyLateMarket, strategies[0].Kind())
	assert.Equal(t, 10*time.Second, ttl)
}

func TestBuildStrategiesRejectsEmptySet(t *testing.T) {
	cfg := config.Defaults()
	cfg.Strategy.OneOfMany.Enabled = false
	cfg.Strategy.YesNo.Enabled = false
	cfg.Strategy.Late.Enabled = false

	_, _, err := buildStrategies(&cfg, stubFeed{}, testLogger)
	require.Error(t, err)
}
