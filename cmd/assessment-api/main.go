// Package main provides the assessment API entry point.
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/api"
	"github.com/drfirst/go-rxcourse/internal/config"
	"github.com/drfirst/go-rxcourse/internal/domain/assessment"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/cache"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/memory"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcourse/internal/observability/logging"
	"github.com/drfirst/go-rxcourse/internal/observability/metrics"
	"github.com/drfirst/go-rxcourse/internal/observability/tracing"
)

const serviceName = "assessment-api"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Treatment course assessment API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			inMemory, _ := cmd.Flags().GetBool("memory")
			return runServer(inMemory)
		},
	}
	cmd.Flags().Bool("memory", false, "Keep data in process memory instead of PostgreSQL")
	return cmd
}

// store is what the services need from either backend
type store interface {
	prescription.Store
	assessment.Store
}

func runServer(inMemory bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		st    store
		ready func(context.Context) error
	)
	if inMemory {
		logger.Warn("using in-memory store; data is lost on exit")
		st = memory.NewStore()
	} else {
		if err := cfg.RequireDatabase(); err != nil {
			return err
		}
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info("connected to database")

		pg := postgres.NewStore(pool, redpanda.TopicAssessmentEvents, logger)
		st = pg
		ready = pg.Ping
	}

	opts := []assessment.Option{assessment.WithCacheObserver(m.ObserveCacheLookup)}
	if cfg.CacheEnabled() {
		rdb, err := cache.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts = append(opts, assessment.WithTrendCache(cache.NewTrendCache(rdb, cfg.TrendCacheTTL)))
		logger.Info("trend cache enabled", zap.String("redis", cfg.RedisAddr), zap.Duration("ttl", cfg.TrendCacheTTL))
	}

	router := api.NewRouter(api.Deps{
		Prescriptions: prescription.NewService(st, cal, logger),
		Assessments:   assessment.NewService(st, cal, logger, opts...),
		Metrics:       m,
		Ready:         ready,
		ServiceName:   serviceName,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting assessment API",
		zap.String("port", cfg.Port),
		zap.String("time_zone", cfg.TimeZone))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *postgres.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *postgres.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *postgres.Migrator) error) error {
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

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, postgres.NewMigrator(pool, postgres.Migrations(), logger))
}
