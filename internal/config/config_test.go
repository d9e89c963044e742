package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	unsetAll(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "UTC", cfg.TimeZone)
	assert.Equal(t, int32(20), cfg.DBMaxConns)
	assert.Equal(t, 5*time.Minute, cfg.TrendCacheTTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 100*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, 8, cfg.ProjectorWorkers)
	assert.False(t, cfg.CacheEnabled())
	assert.Error(t, cfg.RequireDatabase())
}

func TestLoadFromEnvironment(t *testing.T) {
	unsetAll(t)
	t.Setenv("DATABASE_URL", "postgres://rx:rx@localhost:5432/rx")
	t.Setenv("TIME_ZONE", "Asia/Seoul")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092")
	t.Setenv("TREND_CACHE_TTL", "90s")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.NoError(t, cfg.RequireDatabase())
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.TrendCacheTTL)
	assert.True(t, cfg.CacheEnabled())

	cal, err := cfg.Calendar()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", cal.Location().String())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"TIME_ZONE":         "Mars/Olympus",
		"LOG_LEVEL":         "loud",
		"TRACE_SAMPLE_RATE": "1.5",
		"PROJECTOR_WORKERS": "0",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			unsetAll(t)
			t.Setenv(key, value)
			_, err := Load()
			assert.ErrorContains(t, err, key)
		})
	}
}

// unsetAll blanks every key; viper treats an empty variable as unset
func unsetAll(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
