package prescription

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
)

// maxCodeAttempts bounds retries when a generated code collides
const maxCodeAttempts = 5

// Store persists prescriptions
type Store interface {
	FindPrescriptionByCode(ctx context.Context, code string) (*Prescription, error)
	// CreatePrescription fails with a conflict error when the code is taken
	CreatePrescription(ctx context.Context, p *Prescription) error
	// ActivatePrescription stores the activation date only if none is stored yet
	ActivatePrescription(ctx context.Context, p *Prescription) error
}

// View is a prescription together with its derived state on a given day
type View struct {
	Prescription *Prescription
	Status       Status
	CurrentWeek  int
}

// Service manages the prescription lifecycle
type Service struct {
	store        Store
	cal          clock.Calendar
	logger       *zap.Logger
	tracer       trace.Tracer
	generateCode func() (string, error)
}

// NewService creates a prescription service
func NewService(store Store, cal clock.Calendar, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		cal:          cal,
		logger:       logger,
		tracer:       otel.Tracer("prescription-service"),
		generateCode: GenerateCode,
	}
}

// Lookup resolves a code, mapping a missing prescription to a not-found error
func Lookup(ctx context.Context, store interface {
	FindPrescriptionByCode(ctx context.Context, code string) (*Prescription, error)
}, op, code string) (*Prescription, error) {
	p, err := store.FindPrescriptionByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeNotFound, op, "prescription %s not found", code)
		}
		return nil, apperr.Wrap(apperr.CodeInternal, op, err)
	}
	return p, nil
}

// Create issues a new prescription with a fresh code
func (s *Service) Create(ctx context.Context) (*View, error) {
	ctx, span := s.tracer.Start(ctx, "create_prescription")
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "create prescription", err)
		}

		p := New(code, s.cal.Now())
		err = s.store.CreatePrescription(ctx, p)
		if err == nil {
			span.SetAttributes(attribute.String("prescription_code", code))
			s.logger.Info("prescription created",
				zap.String("id", p.ID().String()),
				zap.String("code", code))
			return s.view(p), nil
		}
		if !apperr.IsCode(err, apperr.CodeConflict) {
			span.RecordError(err)
			return nil, apperr.Wrap(apperr.CodeInternal, "create prescription", err)
		}

		lastErr = err
		s.logger.Warn("prescription code collision, retrying",
			zap.String("code", code),
			zap.Int("attempt", attempt))
	}

	return nil, apperr.Wrap(apperr.CodeConflict, "create prescription",
		fmt.Errorf("no unique code after %d attempts: %w", maxCodeAttempts, lastErr))
}

// Get returns the prescription with its status today
func (s *Service) Get(ctx context.Context, code string) (*View, error) {
	ctx, span := s.tracer.Start(ctx, "get_prescription",
		trace.WithAttributes(attribute.String("prescription_code", code)))
	defer span.End()

	if !ValidCode(code) {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "get prescription", "malformed prescription code %q", code)
	}
	p, err := Lookup(ctx, s.store, "get prescription", code)
	if err != nil {
		return nil, err
	}
	return s.view(p), nil
}

// Activate starts the treatment course today
func (s *Service) Activate(ctx context.Context, code string) (*View, error) {
	ctx, span := s.tracer.Start(ctx, "activate_prescription",
		trace.WithAttributes(attribute.String("prescription_code", code)))
	defer span.End()

	if !ValidCode(code) {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "activate prescription", "malformed prescription code %q", code)
	}
	p, err := Lookup(ctx, s.store, "activate prescription", code)
	if err != nil {
		return nil, err
	}

	today := s.cal.Today()
	if err := p.Activate(today, s.cal); err != nil {
		return nil, err
	}
	if err := s.store.ActivatePrescription(ctx, p); err != nil {
		span.RecordError(err)
		return nil, apperr.Wrap(apperr.CodeInternal, "activate prescription", err)
	}

	s.logger.Info("prescription activated",
		zap.String("code", code),
		zap.Stringer("activated_date", today))
	return s.view(p), nil
}

func (s *Service) view(p *Prescription) *View {
	today := s.cal.Today()
	return &View{
		Prescription: p,
		Status:       p.StatusOn(today, s.cal),
		CurrentWeek:  p.CurrentWeek(today, s.cal),
	}
}
