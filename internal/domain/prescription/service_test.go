package prescription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
)

type mapStore struct {
	mu      sync.Mutex
	byCode  map[string]*Prescription
	failAll error
}

func newMapStore() *mapStore {
	return &mapStore{byCode: make(map[string]*Prescription)}
}

func (s *mapStore) FindPrescriptionByCode(_ context.Context, code string) (*Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return nil, s.failAll
	}
	p, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	return Restore(p.id, p.code, p.createdAt, p.activatedDate), nil
}

func (s *mapStore) CreatePrescription(_ context.Context, p *Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	if _, ok := s.byCode[p.code]; ok {
		return apperr.New(apperr.CodeConflict, "create prescription", "code taken")
	}
	s.byCode[p.code] = Restore(p.id, p.code, p.createdAt, p.activatedDate)
	return nil
}

func (s *mapStore) ActivatePrescription(_ context.Context, p *Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byCode[p.code]
	if !ok {
		return ErrNotFound
	}
	stored.activatedDate = p.activatedDate
	return nil
}

func newTestService(store Store, now time.Time, codes ...string) *Service {
	svc := NewService(store, clock.NewCalendar(clock.Fixed(now), time.UTC), nil)
	if len(codes) > 0 {
		next := 0
		svc.generateCode = func() (string, error) {
			code := codes[next%len(codes)]
			next++
			return code, nil
		}
	}
	return svc
}

var serviceNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func TestCreateIssuesWaitingPrescription(t *testing.T) {
	store := newMapStore()
	svc := newTestService(store, serviceNow)

	view, err := svc.Create(context.Background())
	require.NoError(t, err)
	assert.True(t, ValidCode(view.Prescription.Code()))
	assert.Equal(t, StatusWaiting, view.Status)
	assert.Equal(t, FirstWeek, view.CurrentWeek)
	assert.Equal(t, serviceNow, view.Prescription.CreatedAt())

	_, err = store.FindPrescriptionByCode(context.Background(), view.Prescription.Code())
	assert.NoError(t, err)
}

func TestCreateRetriesOnCollision(t *testing.T) {
	store := newMapStore()
	require.NoError(t, store.CreatePrescription(context.Background(), New("AAAA1111", serviceNow)))

	svc := newTestService(store, serviceNow, "AAAA1111", "AAAA1111", "BBBB2222")
	view, err := svc.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BBBB2222", view.Prescription.Code())
}

func TestCreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	store := newMapStore()
	require.NoError(t, store.CreatePrescription(context.Background(), New("AAAA1111", serviceNow)))

	svc := newTestService(store, serviceNow, "AAAA1111")
	_, err := svc.Create(context.Background())
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))
}

func TestCreateStoreFailureIsInternal(t *testing.T) {
	store := newMapStore()
	store.failAll = errors.New("connection refused")

	_, err := newTestService(store, serviceNow).Create(context.Background())
	assert.True(t, apperr.IsCode(err, apperr.CodeInternal))
}

func TestServiceGet(t *testing.T) {
	store := newMapStore()
	start := clock.NewDate(2024, time.May, 20)
	p := Restore(uuid.New(), "ABCD1234", start.Time(), &start)
	require.NoError(t, store.CreatePrescription(context.Background(), p))
	svc := newTestService(store, serviceNow)

	view, err := svc.Get(context.Background(), "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, view.Status)
	assert.Equal(t, 2, view.CurrentWeek)

	_, err = svc.Get(context.Background(), "ZZZZ9999")
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))

	_, err = svc.Get(context.Background(), "abc")
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidArgument))

	store.failAll = errors.New("timeout")
	_, err = svc.Get(context.Background(), "ABCD1234")
	assert.True(t, apperr.IsCode(err, apperr.CodeInternal))
}

func TestServiceActivate(t *testing.T) {
	store := newMapStore()
	require.NoError(t, store.CreatePrescription(context.Background(), New("ABCD1234", serviceNow.Add(-48*time.Hour))))
	svc := newTestService(store, serviceNow)

	view, err := svc.Activate(context.Background(), "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, view.Status)
	assert.Equal(t, 1, view.CurrentWeek)

	stored, err := store.FindPrescriptionByCode(context.Background(), "ABCD1234")
	require.NoError(t, err)
	d, ok := stored.ActivatedDate()
	require.True(t, ok)
	assert.Equal(t, clock.NewDate(2024, time.June, 1), d)

	_, err = svc.Activate(context.Background(), "ABCD1234")
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidState))
}

func TestActivateExpired(t *testing.T) {
	store := newMapStore()
	require.NoError(t, store.CreatePrescription(context.Background(), New("ABCD1234", serviceNow.AddDate(0, 0, -43))))

	_, err := newTestService(store, serviceNow).Activate(context.Background(), "ABCD1234")
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidState))
}

func TestActivateUnknownAndMalformed(t *testing.T) {
	svc := newTestService(newMapStore(), serviceNow)

	_, err := svc.Activate(context.Background(), "ZZZZ9999")
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))

	_, err = svc.Activate(context.Background(), "ZZZZ-999")
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidArgument))
}
