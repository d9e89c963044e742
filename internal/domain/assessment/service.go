package assessment

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/clock"
)

// Service validates submissions and builds trend reports
type Service struct {
	store         Store
	cal           clock.Calendar
	logger        *zap.Logger
	tracer        trace.Tracer
	cache         TrendCache
	cacheObserver func(hit bool)
}

// Option configures a Service
type Option func(*Service)

// WithTrendCache enables caching of trend reports
func WithTrendCache(c TrendCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithCacheObserver is called with the outcome of every cache lookup
func WithCacheObserver(fn func(hit bool)) Option {
	return func(s *Service) { s.cacheObserver = fn }
}

// NewService creates an assessment service
func NewService(store Store, cal clock.Calendar, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:  store,
		cal:    cal,
		logger: logger,
		tracer: otel.Tracer("assessment-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InvalidateTrends drops cached reports for a prescription
func (s *Service) InvalidateTrends(ctx context.Context, code string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidatePrescription(ctx, code); err != nil {
		s.logger.Warn("trend cache invalidation failed",
			zap.String("code", code),
			zap.Error(err))
	}
}

// RefreshTrends invalidates cached reports and recomputes the default report
func (s *Service) RefreshTrends(ctx context.Context, code string) error {
	if s.cache == nil {
		return nil
	}
	s.InvalidateTrends(ctx, code)
	_, err := s.WeeklyTrend(ctx, TrendQuery{PrescriptionCode: code})
	return err
}
