// Package main provides the outbox relay service entry point.
// It publishes committed outbox rows to Redpanda.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/config"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcourse/internal/observability/logging"
	"github.com/drfirst/go-rxcourse/internal/observability/metrics"
	"github.com/drfirst/go-rxcourse/internal/observability/tracing"
	"github.com/drfirst/go-rxcourse/pkg/circuitbreaker"
)

const serviceName = "outbox-relay"

const (
	maintenanceInterval = 30 * time.Second
	cleanupInterval     = time.Hour
	processedRetention  = 7 * 24 * time.Hour
)

func main() {
	cmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Relay committed outbox events to Redpanda",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("metrics-addr")
			return run(addr)
		},
	}
	cmd.Flags().String("metrics-addr", ":9091", "Listen address for /metrics and /health")

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
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logging.Named(logger, serviceName)

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
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("could not ensure topics", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		return err
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New(prometheus.NewRegistry())

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("redpanda-publish"), logger)
	if err != nil {
		return err
	}
	breaker.OnStateChange(func(s circuitbreaker.State) {
		m.SetBreakerState("redpanda-publish", breakerGauge(s))
	})
	m.SetBreakerState("redpanda-publish", breakerGauge(breaker.GetState()))

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.PollInterval = cfg.OutboxPollInterval
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := postgres.NewRelay(pool, &breakerPublisher{producer: producer, breaker: breaker}, relayCfg, logger)

	relay.Start()
	logger.Info("outbox relay started", zap.Duration("poll_interval", relayCfg.PollInterval))

	maintCtx, stopMaint := context.WithCancel(ctx)
	go maintain(maintCtx, relay, m, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
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
	stopMaint()
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	logger.Info("outbox relay stopped")
	return nil
}

// maintain dead-letters exhausted entries, trims processed rows and exports
// backlog gauges
func maintain(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := relay.MoveToDeadLetter(ctx); err != nil {
				logger.Error("dead-lettering failed", zap.Error(err))
			} else if n > 0 {
				logger.Warn("moved outbox entries to dead letter topic", zap.Int64("count", n))
			}

			stats, err := relay.GetStats(ctx)
			if err != nil {
				logger.Error("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(stats.Pending))
			m.OutboxFailed.Set(float64(stats.Failed))
		case <-cleanup.C:
			n, err := relay.CleanupProcessed(ctx, processedRetention)
			if err != nil {
				logger.Error("outbox cleanup failed", zap.Error(err))
				continue
			}
			logger.Info("outbox cleaned up", zap.Int64("deleted", n))
		}
	}
}

// breakerPublisher routes publishes through the circuit breaker
type breakerPublisher struct {
	producer *redpanda.Producer
	breaker  *circuitbreaker.CircuitBreaker
}

func (p *breakerPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.producer.Publish(ctx, topic, key, value)
	})
}

func breakerGauge(s circuitbreaker.State) int {
	switch s {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
