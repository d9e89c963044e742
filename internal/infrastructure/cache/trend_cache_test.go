package cache

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/assessment"
)

func TestReportKey(t *testing.T) {
	key := assessment.TrendCacheKey{
		PrescriptionCode: "ABCD1234",
		StartWeek:        1,
		EndWeek:          3,
		Today:            clock.NewDate(2024, 6, 15),
	}
	assert.Equal(t, "trend:ABCD1234:1-3:2024-06-15", reportKey(key))
	assert.Equal(t, "trend:ABCD1234:keys", indexKey("ABCD1234"))
	assert.Equal(t, "trend:ABCD1234:gen", generationKey("ABCD1234"))
}

func TestReportKeyDependsOnDay(t *testing.T) {
	key := assessment.TrendCacheKey{PrescriptionCode: "ABCD1234", StartWeek: 1, EndWeek: 2, Today: clock.NewDate(2024, 6, 15)}
	next := key
	next.Today = key.Today.AddDays(1)
	assert.NotEqual(t, reportKey(key), reportKey(next))
}

func unreachable(t *testing.T) *TrendCache {
	t.Helper()
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewTrendCache(rdb, time.Minute)
}

func TestUnavailableRedisReturnsErrors(t *testing.T) {
	c := unreachable(t)
	ctx := context.Background()
	key := assessment.TrendCacheKey{PrescriptionCode: "ABCD1234", StartWeek: 1, EndWeek: 1, Today: clock.NewDate(2024, 6, 15)}

	report, hit, err := c.Get(ctx, key)
	assert.ErrorContains(t, err, "get trend report")
	assert.False(t, hit)
	assert.Nil(t, report)

	_, err = c.Generation(ctx, "ABCD1234")
	assert.ErrorContains(t, err, "read trend generation")
	assert.ErrorContains(t, c.Put(ctx, key, 0, &assessment.TrendReport{PrescriptionCode: "ABCD1234"}), "put trend report")
	assert.ErrorContains(t, c.InvalidatePrescription(ctx, "ABCD1234"), "bump trend generation")
	assert.Error(t, c.Ping(ctx))
}

// TestRoundTrip needs a Redis server; set REDIS_ADDR to run it.
func TestRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := NewClient(ctx, addr)
	require.NoError(t, err)
	defer rdb.Close()

	c := NewTrendCache(rdb, time.Minute)
	key := assessment.TrendCacheKey{PrescriptionCode: "ZZZZ0001", StartWeek: 1, EndWeek: 2, Today: clock.NewDate(2024, 6, 15)}
	require.NoError(t, c.InvalidatePrescription(ctx, key.PrescriptionCode))

	_, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)

	gen, err := c.Generation(ctx, key.PrescriptionCode)
	require.NoError(t, err)
	want := &assessment.TrendReport{PrescriptionCode: "ZZZZ0001", Period: assessment.Period{StartWeek: 1, EndWeek: 2}}
	require.NoError(t, c.Put(ctx, key, gen, want))
	got, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, want.PrescriptionCode, got.PrescriptionCode)
	assert.Equal(t, want.Period, got.Period)

	require.NoError(t, c.InvalidatePrescription(ctx, key.PrescriptionCode))
	_, hit, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)

	// a report computed before the invalidation is not stored
	require.NoError(t, c.Put(ctx, key, gen, want))
	_, hit, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
}
