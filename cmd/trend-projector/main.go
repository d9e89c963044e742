// Package main provides the trend projector entry point.
// It consumes assessment events and refreshes cached trend reports.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/config"
	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
	"github.com/drfirst/go-rxcourse/internal/domain/assessment"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/cache"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcourse/internal/observability/logging"
	"github.com/drfirst/go-rxcourse/internal/observability/metrics"
	"github.com/drfirst/go-rxcourse/internal/observability/tracing"
	"github.com/drfirst/go-rxcourse/internal/projector"
	"github.com/drfirst/go-rxcourse/pkg/idempotency"
	"github.com/drfirst/go-rxcourse/pkg/workerpool"
)

const serviceName = "trend-projector"

const lagInterval = time.Minute

func main() {
	cmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Refresh cached trend reports from assessment events",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("metrics-addr")
			return run(addr)
		},
	}
	cmd.Flags().String("metrics-addr", ":9092", "Listen address for /metrics and /health")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(metricsAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	if !cfg.CacheEnabled() {
		return fmt.Errorf("REDIS_ADDR is required: the projector only maintains the trend cache")
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logging.Named(logger, serviceName)

	cal, err := cfg.Calendar()
	if err != nil {
		return err
	}

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := cache.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer rdb.Close()

	m := metrics.New(prometheus.NewRegistry())

	store := postgres.NewStore(pool, redpanda.TopicAssessmentEvents, logger)
	svc := assessment.NewService(store, cal, logger,
		assessment.WithTrendCache(cache.NewTrendCache(rdb, cfg.TrendCacheTTL)),
		assessment.WithCacheObserver(m.ObserveCacheLookup))

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.IsTerminal = func(err error) bool { return apperr.IsCode(err, apperr.CodeNotFound) }
	inbox := idempotency.NewInbox(pool, inboxCfg, logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	proj := projector.New(svc, inbox, m, logger)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.ProjectorWorkers
	poolCfg.Retryable = projector.Retryable
	workers, err := workerpool.New(poolCfg, proj.Work, logger)
	if err != nil {
		return err
	}
	workers.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = serviceName
	consumerCfg.Topics = []string{redpanda.TopicAssessmentEvents}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		res, err := workers.SubmitWait(ctx, &workerpool.Task{
			ID:      fmt.Sprintf("%d-%d", msg.Partition, msg.Offset),
			Payload: msg.Value,
			Context: ctx,
		})
		if err != nil {
			return err
		}
		return res.Error
	}, logger)
	if err != nil {
		return err
	}
	consumer.Start()
	logger.Info("trend projector started",
		zap.Int("workers", poolCfg.Workers),
		zap.Strings("topics", consumerCfg.Topics))

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	lagCtx, stopLag := context.WithCancel(ctx)
	go reportLag(lagCtx, admin, inbox, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !workers.IsHealthy() {
			http.Error(w, "worker queue saturated", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: metricsAddr, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopLag()
	consumer.Stop()
	if err := workers.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	stats := consumer.Stats()
	logger.Info("trend projector stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
	return nil
}

func reportLag(ctx context.Context, admin *redpanda.Admin, inbox *idempotency.Inbox, logger *zap.Logger) {
	ticker := time.NewTicker(lagInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, serviceName)
			if err != nil {
				logger.Warn("consumer lag unavailable", zap.Error(err))
				continue
			}
			logger.Info("consumer lag", zap.Any("lag", lag))

			if stats, err := inbox.GetStats(ctx); err == nil {
				logger.Info("inbox entries",
					zap.Int64("finished", stats[idempotency.StatusFinished]),
					zap.Int64("recoverable", stats[idempotency.StatusRecoverable]),
					zap.Int64("failed", stats[idempotency.StatusFailed]))
			}
		}
	}
}
