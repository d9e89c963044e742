// Package projector keeps cached trend reports in step with recorded
// assessments by handling the change events published from the outbox.
package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
	"github.com/drfirst/go-rxcourse/internal/domain/events"
	"github.com/drfirst/go-rxcourse/internal/observability/metrics"
	"github.com/drfirst/go-rxcourse/pkg/idempotency"
	"github.com/drfirst/go-rxcourse/pkg/workerpool"
)

// HandlerName identifies the projector in the idempotency inbox
const HandlerName = "trend-projector"

// Outcomes recorded per handled event
const (
	OutcomeRefreshed = "refreshed"
	OutcomeSkipped   = "skipped"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Refresher recomputes the cached trend reports of a prescription
type Refresher interface {
	RefreshTrends(ctx context.Context, code string) error
}

// Inbox runs a handler at most once per key
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Projector handles assessment change events
type Projector struct {
	refresher Refresher
	inbox     Inbox
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates a projector. A nil inbox handles every delivery.
func New(refresher Refresher, inbox Inbox, m *metrics.Metrics, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{
		refresher: refresher,
		inbox:     inbox,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("trend-projector"),
	}
}

// Handle processes one encoded event
func (p *Projector) Handle(ctx context.Context, raw []byte) (string, error) {
	evt, err := events.Decode(raw)
	if err != nil {
		p.observe(OutcomeSkipped)
		return OutcomeSkipped, apperr.Wrap(apperr.CodeInvalidArgument, "decode event", err)
	}

	ctx, span := p.tracer.Start(ctx, "project_event",
		trace.WithAttributes(
			attribute.String("event_id", evt.ID),
			attribute.String("event_type", string(evt.EventType)),
			attribute.String("prescription_code", evt.PrescriptionCode),
		))
	defer span.End()

	// a new prescription has no assessments and no cached reports yet
	if evt.EventType == events.EventPrescriptionCreated {
		p.observe(OutcomeSkipped)
		return OutcomeSkipped, nil
	}

	refresh := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := p.refresher.RefreshTrends(ctx, evt.PrescriptionCode); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if p.inbox == nil {
		_, err = refresh(ctx, nil)
	} else {
		_, err = p.inbox.Process(ctx, evt.ID, HandlerName, raw, refresh)
	}

	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrMessageInProgress):
		p.logger.Debug("event already handled",
			zap.String("event_id", evt.ID),
			zap.Error(err))
		p.observe(OutcomeDuplicate)
		return OutcomeDuplicate, nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		p.logger.Warn("skipping event that failed terminally before",
			zap.String("event_id", evt.ID))
		p.observe(OutcomeSkipped)
		return OutcomeSkipped, nil
	case err != nil:
		span.RecordError(err)
		p.observe(OutcomeFailed)
		return OutcomeFailed, fmt.Errorf("refresh trends for %s: %w", evt.PrescriptionCode, err)
	}

	p.logger.Debug("trend reports refreshed",
		zap.String("event_id", evt.ID),
		zap.String("event_type", string(evt.EventType)),
		zap.String("code", evt.PrescriptionCode),
		zap.String("correlation_id", evt.CorrelationID))
	p.observe(OutcomeRefreshed)
	return OutcomeRefreshed, nil
}

// Work adapts Handle to a worker pool; the task payload is the raw event
func (p *Projector) Work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	raw, ok := task.Payload.([]byte)
	if !ok {
		return &workerpool.Result{
			TaskID: task.ID,
			Error:  apperr.Newf(apperr.CodeInvalidArgument, "project event", "unexpected payload %T", task.Payload),
		}
	}
	outcome, err := p.Handle(ctx, raw)
	return &workerpool.Result{TaskID: task.ID, Success: err == nil, Error: err, Data: outcome}
}

// Retryable reports whether a failed event is worth another attempt
func Retryable(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeNotFound, apperr.CodeInvalidArgument:
		return false
	}
	return true
}

func (p *Projector) observe(outcome string) {
	if p.metrics != nil {
		p.metrics.EventsProjected.WithLabelValues(outcome).Inc()
	}
}
