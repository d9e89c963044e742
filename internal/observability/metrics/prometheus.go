// Package metrics provides Prometheus metrics for the treatment course services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
)

// Metrics holds all application metrics
type Metrics struct {
	AssessmentsSubmitted   prometheus.Counter
	AssessmentsRejected    *prometheus.CounterVec
	TrendQueries           prometheus.Counter
	TrendCacheLookups      *prometheus.CounterVec
	PrescriptionsCreated   prometheus.Counter
	PrescriptionsActivated prometheus.Counter
	RequestDuration        *prometheus.HistogramVec
	OutboxPending          prometheus.Gauge
	OutboxFailed           prometheus.Gauge
	EventsProjected        *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses a
// fresh registry, which keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		r := prometheus.NewRegistry()
		reg = r
	}

	m := &Metrics{
		AssessmentsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assessments_submitted_total",
			Help: "Total daily assessments accepted",
		}),
		AssessmentsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessments_rejected_total",
			Help: "Total daily assessments rejected, by error code",
		}, []string{"code"}),
		TrendQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trend_queries_total",
			Help: "Total weekly trend queries served",
		}),
		TrendCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_cache_lookups_total",
			Help: "Trend cache lookups by result (hit, miss)",
		}, []string{"result"}),
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions issued",
		}),
		PrescriptionsActivated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_activated_total",
			Help: "Total prescriptions activated",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by route and status",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_failed_entries",
			Help: "Outbox entries that exhausted their retries",
		}),
		EventsProjected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_events_total",
			Help: "Events handled by the trend projector, by outcome",
		}, []string{"outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.AssessmentsSubmitted,
		m.AssessmentsRejected,
		m.TrendQueries,
		m.TrendCacheLookups,
		m.PrescriptionsCreated,
		m.PrescriptionsActivated,
		m.RequestDuration,
		m.OutboxPending,
		m.OutboxFailed,
		m.EventsProjected,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}

	return m
}

// ObserveSubmission counts an accepted or rejected submission
func (m *Metrics) ObserveSubmission(err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.AssessmentsSubmitted.Inc()
		return
	}
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeInternal
	}
	m.AssessmentsRejected.WithLabelValues(string(code)).Inc()
}

// ObserveCacheLookup records a trend cache hit or miss
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TrendCacheLookups.WithLabelValues(result).Inc()
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// SetBreakerState publishes a breaker state as 0, 1 or 2
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus HTTP handler for the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
