// Package circuitbreaker guards calls to a flaky dependency with
// sony/gobreaker, adding spans, call counters and transition callbacks.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the position of the breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes when the breaker trips and how it recovers
type Config struct {
	Name string
	// HalfOpenRequests is how many probe calls pass while half-open
	HalfOpenRequests uint32
	// CountWindow resets the closed-state counts; zero never resets
	CountWindow time.Duration
	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration
	// ConsecutiveFailures trips the breaker while traffic is below MinRequests
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests calls were counted
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig returns settings suited to broker publishing
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		HalfOpenRequests:    3,
		CountWindow:         time.Minute,
		OpenTimeout:         10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

// tripper decides from the window counts whether to open
func (c Config) tripper() func(gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		if counts.Requests < c.MinRequests {
			return counts.ConsecutiveFailures >= c.ConsecutiveFailures
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
	}
}

// CircuitBreaker is a named gobreaker with observability attached
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer
	calls  metric.Int64Counter

	mu        sync.RWMutex
	listeners []func(State)
}

// New builds a breaker from cfg
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	calls, err := otel.Meter("circuit-breaker").Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through the circuit breaker by outcome"))
	if err != nil {
		return nil, err
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		calls:  calls,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:          cfg.Name,
		MaxRequests:   cfg.HalfOpenRequests,
		Interval:      cfg.CountWindow,
		Timeout:       cfg.OpenTimeout,
		ReadyToTrip:   cfg.tripper(),
		OnStateChange: c.transition,
		// a caller giving up says nothing about the dependency
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c, nil
}

// Execute runs fn unless the breaker is open
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	result, err := c.cb.Execute(fn)

	outcome := "success"
	switch {
	case IsRejected(err):
		outcome = "rejected"
		span.SetAttributes(attribute.Bool("circuit_open", true))
	case err != nil:
		outcome = "failure"
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", c.name),
		attribute.String("outcome", outcome),
	))

	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// Do is Execute for calls that only return an error
func (c *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := c.Execute(ctx, func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// IsRejected reports whether err means the breaker refused the call
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// OnStateChange registers fn to be called with the new state on every transition
func (c *CircuitBreaker) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *CircuitBreaker) transition(_ string, from, to gobreaker.State) {
	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(stateOf(from))),
		zap.String("to", string(stateOf(to))))

	c.mu.RLock()
	listeners := append([]func(State){}, c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(stateOf(to))
	}
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// GetState returns the current state
func (c *CircuitBreaker) GetState() State { return stateOf(c.cb.State()) }

// IsOpen reports whether calls are being rejected
func (c *CircuitBreaker) IsOpen() bool { return c.GetState() == StateOpen }

// IsClosed reports whether calls flow normally
func (c *CircuitBreaker) IsClosed() bool { return c.GetState() == StateClosed }

// Counts returns the counts of the current window
func (c *CircuitBreaker) Counts() gobreaker.Counts { return c.cb.Counts() }
