// Package api assembles the HTTP surface of the assessment service.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/api/handlers"
	"github.com/drfirst/go-rxcourse/internal/api/middleware"
	"github.com/drfirst/go-rxcourse/internal/observability/metrics"
)

// Deps are the collaborators the router serves
type Deps struct {
	Prescriptions handlers.PrescriptionService
	Assessments   handlers.AssessmentService
	Metrics       *metrics.Metrics
	// Ready reports whether backing stores are reachable; nil means always ready
	Ready       func(ctx context.Context) error
	ServiceName string
	Logger      *zap.Logger
}

// NewRouter builds the chi router with middleware, probes and /api/v1 routes
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.ServiceName == "" {
		d.ServiceName = "assessment-api"
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ready"))
	})
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	assessments := handlers.NewAssessmentHandler(d.Assessments, d.Metrics, logger)
	prescriptions := handlers.NewPrescriptionHandler(d.Prescriptions, assessments, d.Metrics, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/assessments", assessments.Routes())
		r.Mount("/prescriptions", prescriptions.Routes())
	})

	return r
}
