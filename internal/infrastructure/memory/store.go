// Package memory provides an in-process store for local runs and tests. It
// enforces the same uniqueness rules as the PostgreSQL schema.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
	"github.com/drfirst/go-rxcourse/internal/domain/assessment"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

var (
	_ assessment.Store   = (*Store)(nil)
	_ prescription.Store = (*Store)(nil)
)

type prescriptionRecord struct {
	id        uuid.UUID
	code      string
	createdAt time.Time
	activated *clock.Date
}

// Store keeps prescriptions and assessments in memory
type Store struct {
	mu            sync.Mutex
	prescriptions map[string]*prescriptionRecord
	assessments   map[uuid.UUID][]*assessment.Assessment
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		prescriptions: make(map[string]*prescriptionRecord),
		assessments:   make(map[uuid.UUID][]*assessment.Assessment),
	}
}

// FindPrescriptionByCode returns prescription.ErrNotFound for unknown codes
func (s *Store) FindPrescriptionByCode(ctx context.Context, code string) (*prescription.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findPrescription(code)
}

// CreatePrescription stores a new prescription
func (s *Store) CreatePrescription(ctx context.Context, p *prescription.Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.prescriptions[p.Code()]; taken {
		return apperr.Newf(apperr.CodeConflict, "create prescription", "code %s already in use", p.Code())
	}
	rec := &prescriptionRecord{id: p.ID(), code: p.Code(), createdAt: p.CreatedAt()}
	if d, ok := p.ActivatedDate(); ok {
		rec.activated = &d
	}
	s.prescriptions[p.Code()] = rec
	return nil
}

// ActivatePrescription stores the activation date if none is stored yet
func (s *Store) ActivatePrescription(ctx context.Context, p *prescription.Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.prescriptions[p.Code()]
	if !ok {
		return prescription.ErrNotFound
	}
	d, ok := p.ActivatedDate()
	if !ok {
		return apperr.New(apperr.CodeInvalidArgument, "activate prescription", "no activation date set")
	}
	if rec.activated != nil {
		return apperr.Newf(apperr.CodeInvalidState, "activate prescription", "prescription %s already activated", p.Code())
	}
	rec.activated = &d
	return nil
}

// ExistsAssessment reports whether an assessment exists for the day
func (s *Store) ExistsAssessment(ctx context.Context, prescriptionID uuid.UUID, date clock.Date) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists(prescriptionID, date), nil
}

// SaveAssessment inserts an assessment
func (s *Store) SaveAssessment(ctx context.Context, a *assessment.Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exists(a.PrescriptionID, a.Date) {
		return duplicate(a)
	}
	s.insert(a)
	return nil
}

// FindAssessmentsInWeekRange returns copies ordered by week, then date
func (s *Store) FindAssessmentsInWeekRange(ctx context.Context, prescriptionID uuid.UUID, startWeek, endWeek int) ([]*assessment.Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weekRange(prescriptionID, startWeek, endWeek), nil
}

// WithinTx runs fn while holding the store lock. Assessments saved inside fn
// become visible only if fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repo assessment.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txRepo{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, a := range tx.pending {
		s.insert(a)
	}
	return nil
}

// Count returns the number of stored assessments for a prescription
func (s *Store) Count(prescriptionID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assessments[prescriptionID])
}

func (s *Store) findPrescription(code string) (*prescription.Prescription, error) {
	rec, ok := s.prescriptions[code]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	return prescription.Restore(rec.id, rec.code, rec.createdAt, rec.activated), nil
}

func (s *Store) exists(prescriptionID uuid.UUID, date clock.Date) bool {
	for _, a := range s.assessments[prescriptionID] {
		if a.Date == date {
			return true
		}
	}
	return false
}

func (s *Store) weekRange(prescriptionID uuid.UUID, startWeek, endWeek int) []*assessment.Assessment {
	var out []*assessment.Assessment
	for _, a := range s.assessments[prescriptionID] {
		if a.Week >= startWeek && a.Week <= endWeek {
			out = append(out, clone(a))
		}
	}
	slices.SortFunc(out, func(a, b *assessment.Assessment) int {
		if a.Week != b.Week {
			return a.Week - b.Week
		}
		return a.Date.DaysSince(b.Date)
	})
	return out
}

func (s *Store) insert(a *assessment.Assessment) {
	s.assessments[a.PrescriptionID] = append(s.assessments[a.PrescriptionID], clone(a))
}

type txRepo struct {
	store   *Store
	pending []*assessment.Assessment
}

func (t *txRepo) FindPrescriptionByCode(ctx context.Context, code string) (*prescription.Prescription, error) {
	return t.store.findPrescription(code)
}

func (t *txRepo) ExistsAssessment(ctx context.Context, prescriptionID uuid.UUID, date clock.Date) (bool, error) {
	if t.store.exists(prescriptionID, date) {
		return true, nil
	}
	for _, a := range t.pending {
		if a.PrescriptionID == prescriptionID && a.Date == date {
			return true, nil
		}
	}
	return false, nil
}

func (t *txRepo) SaveAssessment(ctx context.Context, a *assessment.Assessment) error {
	exists, _ := t.ExistsAssessment(ctx, a.PrescriptionID, a.Date)
	if exists {
		return duplicate(a)
	}
	t.pending = append(t.pending, clone(a))
	return nil
}

func (t *txRepo) FindAssessmentsInWeekRange(ctx context.Context, prescriptionID uuid.UUID, startWeek, endWeek int) ([]*assessment.Assessment, error) {
	return t.store.weekRange(prescriptionID, startWeek, endWeek), nil
}

func duplicate(a *assessment.Assessment) error {
	return apperr.Newf(apperr.CodeConflict, "save assessment",
		"assessment for %s on %s already recorded", a.PrescriptionCode, a.Date)
}

func clone(a *assessment.Assessment) *assessment.Assessment {
	c := *a
	c.Pains = slices.Clone(a.Pains)
	return &c
}
