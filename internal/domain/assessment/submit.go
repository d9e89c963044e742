package assessment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

const opSubmit = "submit assessment"

// SubmitCommand is a daily assessment submission
type SubmitCommand struct {
	PrescriptionCode string
	Date             clock.Date
	PainScore        int
	StressScore      int
	FunctionScore    int
	Pains            []PainEntry
}

// SubmitResult identifies the stored assessment
type SubmitResult struct {
	AssessmentID     uuid.UUID
	PrescriptionCode string
	Week             int
}

// Submit validates and records a daily assessment. The prescription lookup,
// the duplicate check and the write share one transaction.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (*SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "submit_assessment",
		trace.WithAttributes(
			attribute.String("prescription_code", cmd.PrescriptionCode),
			attribute.String("date", cmd.Date.String()),
		))
	defer span.End()

	today := s.cal.Today()

	var result *SubmitResult
	err := s.store.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
		p, err := prescription.Lookup(ctx, repo, opSubmit, cmd.PrescriptionCode)
		if err != nil {
			return err
		}

		if status := p.StatusOn(cmd.Date, s.cal); status != prescription.StatusActive {
			return apperr.Newf(apperr.CodeInvalidState, opSubmit,
				"prescription %s is %s on %s", p.Code(), status, cmd.Date)
		}
		if !p.InWindow(cmd.Date) {
			return apperr.Newf(apperr.CodeInvalidState, opSubmit,
				"%s is outside the treatment window", cmd.Date)
		}

		exists, err := repo.ExistsAssessment(ctx, p.ID(), cmd.Date)
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, opSubmit, err)
		}
		if exists {
			return apperr.Newf(apperr.CodeConflict, opSubmit,
				"assessment for %s on %s already recorded", p.Code(), cmd.Date)
		}

		if cmd.Date.After(today) {
			return apperr.Newf(apperr.CodeInvalidArgument, opSubmit,
				"%s is in the future", cmd.Date)
		}
		if err := checkDistinctLocations(cmd.Pains); err != nil {
			return err
		}
		if err := checkStructure(cmd); err != nil {
			return err
		}

		activated, _ := p.ActivatedDate()
		a := &Assessment{
			ID:               uuid.New(),
			PrescriptionID:   p.ID(),
			PrescriptionCode: p.Code(),
			Date:             cmd.Date,
			Week:             prescription.WeekOf(activated, cmd.Date),
			PainScore:        cmd.PainScore,
			StressScore:      cmd.StressScore,
			FunctionScore:    cmd.FunctionScore,
			Pains:            append([]PainEntry{}, cmd.Pains...),
			CreatedAt:        s.cal.Now().UTC(),
		}
		if err := repo.SaveAssessment(ctx, a); err != nil {
			return apperr.Wrap(apperr.CodeInternal, opSubmit, err)
		}

		result = &SubmitResult{
			AssessmentID:     a.ID,
			PrescriptionCode: a.PrescriptionCode,
			Week:             a.Week,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Debug("assessment rejected",
			zap.String("code", cmd.PrescriptionCode),
			zap.Stringer("date", cmd.Date),
			zap.String("reason", string(apperr.CodeOf(err))),
			zap.Error(err))
		return nil, err
	}

	s.InvalidateTrends(ctx, result.PrescriptionCode)

	span.SetAttributes(attribute.Int("week", result.Week))
	s.logger.Info("assessment recorded",
		zap.String("id", result.AssessmentID.String()),
		zap.String("code", result.PrescriptionCode),
		zap.Stringer("date", cmd.Date),
		zap.Int("week", result.Week))
	return result, nil
}

func checkDistinctLocations(pains []PainEntry) error {
	seen := make(map[Location]struct{}, len(pains))
	for _, p := range pains {
		if _, dup := seen[p.Location]; dup {
			return apperr.Newf(apperr.CodeInvalidArgument, opSubmit,
				"pain location %s reported more than once", p.Location)
		}
		seen[p.Location] = struct{}{}
	}
	return nil
}

// checkStructure repeats the score and pain checks for callers that skip the HTTP layer.
// Code format is not checked here: an unknown code already fails the lookup.
func checkStructure(cmd SubmitCommand) error {
	scores := []struct {
		name  string
		value int
	}{
		{"painScore", cmd.PainScore},
		{"stressScore", cmd.StressScore},
		{"functionScore", cmd.FunctionScore},
	}
	for _, sc := range scores {
		if err := checkRange(sc.name, sc.value); err != nil {
			return err
		}
	}
	if len(cmd.Pains) > MaxPainEntries {
		return apperr.Newf(apperr.CodeInvalidArgument, opSubmit,
			"at most %d pain entries allowed, got %d", MaxPainEntries, len(cmd.Pains))
	}
	for i, p := range cmd.Pains {
		if !p.Location.Valid() {
			return apperr.Newf(apperr.CodeInvalidArgument, opSubmit,
				"pains[%d]: unknown location %q", i, p.Location)
		}
		if err := checkRange(fmt.Sprintf("pains[%d].intensity", i), p.Intensity); err != nil {
			return err
		}
	}
	return nil
}

func checkRange(name string, v int) error {
	if v < MinScore || v > MaxScore {
		return apperr.Newf(apperr.CodeInvalidArgument, opSubmit,
			"%s must be between %d and %d, got %d", name, MinScore, MaxScore, v)
	}
	return nil
}
