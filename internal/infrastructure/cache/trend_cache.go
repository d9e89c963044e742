// Package cache stores computed trend reports in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-rxcourse/internal/domain/assessment"
)

var _ assessment.TrendCache = (*TrendCache)(nil)

// TrendCache caches trend reports per prescription. Each prescription keeps
// a set of its report keys so all of them can be dropped at once, and a
// generation counter that guards writes against concurrent invalidation.
type TrendCache struct {
	rdb    goredis.UniversalClient
	ttl    time.Duration
	tracer trace.Tracer
}

// NewClient connects to Redis and verifies it answers
func NewClient(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewTrendCache creates a cache whose entries expire after ttl
func NewTrendCache(rdb goredis.UniversalClient, ttl time.Duration) *TrendCache {
	return &TrendCache{
		rdb:    rdb,
		ttl:    ttl,
		tracer: otel.Tracer("trend-cache"),
	}
}

// Get returns the cached report, or false on a miss
func (c *TrendCache) Get(ctx context.Context, key assessment.TrendCacheKey) (*assessment.TrendReport, bool, error) {
	ctx, span := c.tracer.Start(ctx, "trend_cache_get",
		trace.WithAttributes(attribute.String("prescription_code", key.PrescriptionCode)))
	defer span.End()

	raw, err := c.rdb.Get(ctx, reportKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("get trend report: %w", err)
	}

	var report assessment.TrendReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, false, fmt.Errorf("decode trend report: %w", err)
	}
	return &report, true, nil
}

// Generation returns the prescription's invalidation counter, 0 if it was
// never invalidated
func (c *TrendCache) Generation(ctx context.Context, code string) (int64, error) {
	gen, err := readGeneration(ctx, c.rdb, code)
	if err != nil {
		return 0, fmt.Errorf("read trend generation: %w", err)
	}
	return gen, nil
}

// getter is satisfied by clients and by WATCH transactions
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func readGeneration(ctx context.Context, cmd getter, code string) (int64, error) {
	gen, err := cmd.Get(ctx, generationKey(code)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Put stores a report and records its key in the prescription index. The
// write is dropped without error when the generation moved past gen.
func (c *TrendCache) Put(ctx context.Context, key assessment.TrendCacheKey, gen int64, report *assessment.TrendReport) error {
	ctx, span := c.tracer.Start(ctx, "trend_cache_put",
		trace.WithAttributes(
			attribute.String("prescription_code", key.PrescriptionCode),
			attribute.Int64("generation", gen)))
	defer span.End()

	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode trend report: %w", err)
	}

	gk := generationKey(key.PrescriptionCode)
	rk, ik := reportKey(key), indexKey(key.PrescriptionCode)
	stale := false
	err = c.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := readGeneration(ctx, tx, key.PrescriptionCode)
		if err != nil {
			return err
		}
		if current != gen {
			stale = true
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, rk, raw, c.ttl)
			pipe.SAdd(ctx, ik, rk)
			pipe.Expire(ctx, ik, c.ttl)
			return nil
		})
		return err
	}, gk)
	if errors.Is(err, goredis.TxFailedErr) {
		// invalidated between WATCH and EXEC
		stale, err = true, nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("put trend report: %w", err)
	}
	span.SetAttributes(attribute.Bool("stale", stale))
	return nil
}

// InvalidatePrescription bumps the generation and drops every cached report
// of a prescription
func (c *TrendCache) InvalidatePrescription(ctx context.Context, code string) error {
	ctx, span := c.tracer.Start(ctx, "trend_cache_invalidate",
		trace.WithAttributes(attribute.String("prescription_code", code)))
	defer span.End()

	if err := c.rdb.Incr(ctx, generationKey(code)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("bump trend generation: %w", err)
	}

	ik := indexKey(code)
	keys, err := c.rdb.SMembers(ctx, ik).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list cached reports: %w", err)
	}
	if err := c.rdb.Del(ctx, append(keys, ik)...).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete cached reports: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity
func (c *TrendCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func reportKey(k assessment.TrendCacheKey) string {
	return fmt.Sprintf("trend:%s:%d-%d:%s", k.PrescriptionCode, k.StartWeek, k.EndWeek, k.Today)
}

func indexKey(code string) string {
	return "trend:" + code + ":keys"
}

func generationKey(code string) string {
	return "trend:" + code + ":gen"
}
