package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
	"github.com/drfirst/go-rxcourse/internal/domain/assessment"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

func TestCreateAndFindPrescription(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	p := prescription.New("ABCD1234", time.Now())

	require.NoError(t, s.CreatePrescription(ctx, p))
	err := s.CreatePrescription(ctx, prescription.New("ABCD1234", time.Now()))
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))

	got, err := s.FindPrescriptionByCode(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, p.ID(), got.ID())

	_, err = s.FindPrescriptionByCode(ctx, "ZZZZ9999")
	assert.True(t, errors.Is(err, prescription.ErrNotFound))
}

func TestActivatePrescriptionOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	created := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	cal := clock.NewCalendar(clock.Fixed(created), time.UTC)

	p := prescription.New("ABCD1234", created)
	require.NoError(t, s.CreatePrescription(ctx, p))

	first, _ := s.FindPrescriptionByCode(ctx, "ABCD1234")
	second, _ := s.FindPrescriptionByCode(ctx, "ABCD1234")
	require.NoError(t, first.Activate(cal.Today(), cal))
	require.NoError(t, second.Activate(cal.Today().AddDays(1), cal))

	require.NoError(t, s.ActivatePrescription(ctx, first))
	err := s.ActivatePrescription(ctx, second)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidState))

	stored, _ := s.FindPrescriptionByCode(ctx, "ABCD1234")
	d, ok := stored.ActivatedDate()
	require.True(t, ok)
	assert.Equal(t, cal.Today(), d)
}

func TestWithinTxDiscardsWritesOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	id := uuid.New()
	day := clock.NewDate(2024, time.March, 3)

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, repo assessment.Repository) error {
		require.NoError(t, repo.SaveAssessment(ctx, &assessment.Assessment{ID: uuid.New(), PrescriptionID: id, Date: day, Week: 1}))
		exists, err := repo.ExistsAssessment(ctx, id, day)
		require.NoError(t, err)
		assert.True(t, exists, "pending write visible inside the transaction")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Count(id))

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, repo assessment.Repository) error {
		return repo.SaveAssessment(ctx, &assessment.Assessment{ID: uuid.New(), PrescriptionID: id, Date: day, Week: 1})
	}))
	assert.Equal(t, 1, s.Count(id))
}

func TestSaveAssessmentRejectsDuplicateDay(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	id := uuid.New()
	day := clock.NewDate(2024, time.March, 3)

	require.NoError(t, s.SaveAssessment(ctx, &assessment.Assessment{ID: uuid.New(), PrescriptionID: id, Date: day, Week: 1}))
	err := s.SaveAssessment(ctx, &assessment.Assessment{ID: uuid.New(), PrescriptionID: id, Date: day, Week: 1})
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))
}

func TestFindAssessmentsInWeekRangeOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	id := uuid.New()
	base := clock.NewDate(2024, time.March, 1)

	for _, offset := range []int{15, 2, 8, 0, 30} {
		d := base.AddDays(offset)
		require.NoError(t, s.SaveAssessment(ctx, &assessment.Assessment{
			ID: uuid.New(), PrescriptionID: id, Date: d, Week: prescription.WeekOf(base, d),
		}))
	}

	got, err := s.FindAssessmentsInWeekRange(ctx, id, 1, 3)
	require.NoError(t, err)
	var offsets []int
	for _, a := range got {
		offsets = append(offsets, a.Date.DaysSince(base))
	}
	assert.Equal(t, []int{0, 2, 8, 15}, offsets)
}
