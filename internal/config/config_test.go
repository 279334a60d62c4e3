package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 120, cfg.Queue.LeaseSecs)
	assert.Equal(t, 250, cfg.Queue.PollIntervalMS)

	assert.Equal(t, 8, cfg.Workers.Analysis.Concurrency)
	assert.Equal(t, 60, cfg.Workers.Fetch.JobTimeoutSecs)

	assert.Equal(t, "medium", cfg.Shield.ReviewThreshold)
	assert.Equal(t, []string{"threat", "self_harm", "hate"}, cfg.Shield.AlwaysReviewCategories)

	assert.Equal(t, "keyword", cfg.Classifier.Provider)
	assert.InDelta(t, 0.3, cfg.Classifier.LowAt, 1e-9)
	assert.InDelta(t, 0.95, cfg.Classifier.CritAt, 1e-9)

	assert.Equal(t, "template", cfg.Generator.Provider)
	assert.Equal(t, "witty", cfg.Generator.DefaultTone)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CROWDGATE_LOG_LEVEL", "debug")
	t.Setenv("CROWDGATE_STORE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestDefaultTierLimits(t *testing.T) {
	t.Parallel()
	limits := defaultTierLimits()

	assert.Equal(t, int64(500), limits["free"]["classification"])
	assert.Equal(t, int64(10000), limits["pro"]["generation"])

	// Every paid tier bounds concurrent platform accounts.
	assert.Equal(t, int64(1), limits["free"]["accounts"])
	assert.Equal(t, int64(3), limits["starter"]["accounts"])
	assert.Equal(t, int64(10), limits["pro"]["accounts"])

	// The top tier is unmetered across the board.
	for resource, limit := range limits["plus"] {
		assert.Equal(t, int64(-1), limit, resource)
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	q := QueueConfig{LeaseSecs: 120, PollIntervalMS: 250}
	assert.Equal(t, 2*time.Minute, q.LeaseDuration())
	assert.Equal(t, 250*time.Millisecond, q.PollInterval())

	p := PoolConfig{JobTimeoutSecs: 30}
	assert.Equal(t, 30*time.Second, p.JobTimeout())
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "shouty", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
