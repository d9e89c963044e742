package assessment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
	"github.com/drfirst/go-rxcourse/internal/domain/assessment"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/memory"
)

const testCode = "ABCD1234"

var testNow = time.Date(2024, time.June, 15, 10, 30, 0, 0, time.UTC)

type fixture struct {
	store     *memory.Store
	cal       clock.Calendar
	svc       *assessment.Service
	today     clock.Date
	activated clock.Date
	rx        *prescription.Prescription
}

// newFixture seeds one prescription activated daysAgo days before today
func newFixture(t *testing.T, daysAgo int, opts ...assessment.Option) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewStore(),
		cal:   clock.NewCalendar(clock.Fixed(testNow), time.UTC),
	}
	f.today = f.cal.Today()
	f.activated = f.today.AddDays(-daysAgo)
	f.rx = prescription.Restore(uuid.New(), testCode, f.activated.Time(), &f.activated)
	require.NoError(t, f.store.CreatePrescription(context.Background(), f.rx))
	f.svc = assessment.NewService(f.store, f.cal, nil, opts...)
	return f
}

func (f *fixture) submit(date clock.Date, pain, stress, function int, pains ...assessment.PainEntry) (*assessment.SubmitResult, error) {
	return f.svc.Submit(context.Background(), assessment.SubmitCommand{
		PrescriptionCode: testCode,
		Date:             date,
		PainScore:        pain,
		StressScore:      stress,
		FunctionScore:    function,
		Pains:            pains,
	})
}

func requireCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperr.CodeOf(err), "error: %v", err)
}

func TestSubmitRecordsAssessmentInSecondWeek(t *testing.T) {
	f := newFixture(t, 8)
	cmd := assessment.SubmitCommand{
		PrescriptionCode: testCode,
		Date:             f.today.AddDays(-1),
		PainScore:        7,
		StressScore:      5,
		FunctionScore:    6,
		Pains: []assessment.PainEntry{
			{Location: assessment.LocationLeftJaw, Intensity: 8},
			{Location: assessment.LocationRightTemple, Intensity: 6},
		},
	}

	res, err := f.svc.Submit(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Week)
	assert.Equal(t, testCode, res.PrescriptionCode)
	assert.NotEqual(t, uuid.Nil, res.AssessmentID)

	_, err = f.svc.Submit(context.Background(), cmd)
	requireCode(t, err, apperr.CodeConflict)
	assert.Equal(t, 1, f.store.Count(f.rx.ID()))
}

func TestSubmitWindowBoundary(t *testing.T) {
	f := newFixture(t, 41)

	res, err := f.submit(f.activated.AddDays(41), 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Week)

	_, err = f.submit(f.activated.AddDays(42), 1, 1, 1)
	requireCode(t, err, apperr.CodeInvalidState)
}

func TestSubmitWeekNumbers(t *testing.T) {
	f := newFixture(t, 41)
	tests := []struct {
		offset int
		week   int
	}{
		{0, 1}, {6, 1}, {7, 2}, {13, 2}, {14, 3}, {20, 3}, {21, 4}, {35, 6}, {40, 6},
	}
	for _, tt := range tests {
		res, err := f.submit(f.activated.AddDays(tt.offset), 2, 2, 2)
		require.NoError(t, err, "offset %d", tt.offset)
		assert.Equal(t, tt.week, res.Week, "offset %d", tt.offset)
	}
}

func TestSubmitRejections(t *testing.T) {
	jaw := assessment.PainEntry{Location: assessment.LocationLeftJaw, Intensity: 3}
	neck := assessment.PainEntry{Location: assessment.LocationNeck, Intensity: 4}

	tests := []struct {
		name     string
		daysAgo  int
		cmd      func(f *fixture) assessment.SubmitCommand
		wantCode apperr.Code
		wantMsg  string
	}{
		{
			name:    "unknown code",
			daysAgo: 3,
			cmd: func(f *fixture) assessment.SubmitCommand {
				return assessment.SubmitCommand{PrescriptionCode: "ZZZZ9999", Date: f.today}
			},
			wantCode: apperr.CodeNotFound,
		},
		{
			name:    "malformed code is not found first",
			daysAgo: 3,
			cmd: func(f *fixture) assessment.SubmitCommand {
				return assessment.SubmitCommand{PrescriptionCode: "bad", Date: f.today}
			},
			wantCode: apperr.CodeNotFound,
		},
		{
			name:    "date before activation",
			daysAgo: 3,
			cmd: func(f *fixture) assessment.SubmitCommand {
				return assessment.SubmitCommand{PrescriptionCode: testCode, Date: f.activated.AddDays(-1)}
			},
			wantCode: apperr.CodeInvalidState,
		},
		{
			name:    "date after window",
			daysAgo: 50,
			cmd: func(f *fixture) assessment.SubmitCommand {
				return assessment.SubmitCommand{PrescriptionCode: testCode, Date: f.today}
			},
			wantCode: apperr.CodeInvalidState,
		},
		{
			name:    "future date inside window",
			daysAgo: 3,
			cmd: func(f *fixture) assessment.SubmitCommand {
				return assessment.SubmitCommand{PrescriptionCode: testCode, Date: f.today.AddDays(1)}
			},
			wantCode: apperr.CodeInvalidArgument,
			wantMsg:  "future",
		},
		{
			name:    "future date checked before duplicate locations",
			daysAgo: 3,
			cmd: func(f *fixture) assessment.SubmitCommand {
				return assessment.SubmitCommand{
					PrescriptionCode: testCode,
					Date:             f.today.AddDays(2),
					Pains:            []assessment.PainEntry{jaw, jaw},
				}
			},
			wantCode: apperr.CodeInvalidArgument,
			wantMsg:  "future",
		},
		{
			name:    "duplicate location",
			daysAgo: 3,
			cmd: func(f *fixture) assessment.SubmitCommand {
				return assessment.SubmitCommand{
					PrescriptionCode: testCode,
					Date:             f.today,
					Pains:            []assessment.PainEntry{jaw, neck, {Location: assessment.LocationLeftJaw, Intensity: 9}},
				}
			},
			wantCode: apperr.CodeInvalidArgument,
			wantMsg:  "more than once",
		},
		{
			name:    "duplicate location checked before score range",
			daysAgo: 3,
			cmd: func(f *fixture) assessment.SubmitCommand {
				return assessment.SubmitCommand{
					PrescriptionCode: testCode,
					Date:             f.today,
					PainScore:        11,
					Pains:            []assessment.PainEntry{neck, neck},
				}
			},
			wantCode: apperr.CodeInvalidArgument,
			wantMsg:  "more than once",
		},
		{
			name:    "score out of range",
			daysAgo: 3,
			cmd: func(f *fixture) assessment.SubmitCommand {
				return assessment.SubmitCommand{PrescriptionCode: testCode, Date: f.today, StressScore: -1}
			},
			wantCode: apperr.CodeInvalidArgument,
			wantMsg:  "stressScore",
		},
		{
			name:    "unknown location",
			daysAgo: 3,
			cmd: func(f *fixture) assessment.SubmitCommand {
				return assessment.SubmitCommand{
					PrescriptionCode: testCode,
					Date:             f.today,
					Pains:            []assessment.PainEntry{{Location: "SHOULDER", Intensity: 2}},
				}
			},
			wantCode: apperr.CodeInvalidArgument,
			wantMsg:  "unknown location",
		},
		{
			name:    "intensity out of range",
			daysAgo: 3,
			cmd: func(f *fixture) assessment.SubmitCommand {
				return assessment.SubmitCommand{
					PrescriptionCode: testCode,
					Date:             f.today,
					Pains:            []assessment.PainEntry{{Location: assessment.LocationChin, Intensity: 12}},
				}
			},
			wantCode: apperr.CodeInvalidArgument,
			wantMsg:  "intensity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.daysAgo)
			_, err := f.svc.Submit(context.Background(), tt.cmd(f))
			requireCode(t, err, tt.wantCode)
			if tt.wantMsg != "" {
				assert.Contains(t, apperr.MessageOf(err), tt.wantMsg)
			}
			assert.Equal(t, 0, f.store.Count(f.rx.ID()))
		})
	}
}

func TestSubmitWaitingPrescription(t *testing.T) {
	f := newFixture(t, 3)
	p := prescription.New("WXYZ5678", testNow)
	require.NoError(t, f.store.CreatePrescription(context.Background(), p))

	_, err := f.svc.Submit(context.Background(), assessment.SubmitCommand{
		PrescriptionCode: "WXYZ5678",
		Date:             f.today,
	})
	requireCode(t, err, apperr.CodeInvalidState)
}

func TestSubmitStoredCodeIsAuthoritative(t *testing.T) {
	f := newFixture(t, 3)
	activated := f.activated
	legacy := prescription.Restore(uuid.New(), "legacy-1", activated.Time(), &activated)
	require.NoError(t, f.store.CreatePrescription(context.Background(), legacy))

	res, err := f.svc.Submit(context.Background(), assessment.SubmitCommand{
		PrescriptionCode: "legacy-1",
		Date:             f.today,
		PainScore:        2,
		StressScore:      2,
		FunctionScore:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", res.PrescriptionCode)
	assert.Equal(t, 1, f.store.Count(legacy.ID()))
}

func TestSubmitConcurrentSameDay(t *testing.T) {
	f := newFixture(t, 10)
	const n = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.submit(f.today, 3, 3, 3)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperr.IsCode(err, apperr.CodeConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, 1, f.store.Count(f.rx.ID()))
}

// racingStore hides existing rows from the pre-check so the write hits the
// uniqueness constraint, as when another request commits first.
type racingStore struct {
	*memory.Store
}

type blindRepo struct {
	assessment.Repository
}

func (blindRepo) ExistsAssessment(context.Context, uuid.UUID, clock.Date) (bool, error) {
	return false, nil
}

func (s racingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repo assessment.Repository) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, repo assessment.Repository) error {
		return fn(ctx, blindRepo{repo})
	})
}

func TestSubmitLostRaceIsConflict(t *testing.T) {
	f := newFixture(t, 5)
	_, err := f.submit(f.today, 1, 1, 1)
	require.NoError(t, err)

	racing := assessment.NewService(racingStore{f.store}, f.cal, nil)
	_, err = racing.Submit(context.Background(), assessment.SubmitCommand{
		PrescriptionCode: testCode,
		Date:             f.today,
	})
	requireCode(t, err, apperr.CodeConflict)
	assert.Equal(t, 1, f.store.Count(f.rx.ID()))
}

func TestWeeklyTrendDefaultRange(t *testing.T) {
	f := newFixture(t, 8)
	_, err := f.submit(f.activated, 0, 0, 0)
	require.NoError(t, err)
	_, err = f.submit(f.activated.AddDays(7), 5, 5, 5)
	require.NoError(t, err)

	report, err := f.svc.WeeklyTrend(context.Background(), assessment.TrendQuery{PrescriptionCode: testCode})
	require.NoError(t, err)

	assert.Equal(t, testCode, report.PrescriptionCode)
	assert.Equal(t, assessment.Period{StartWeek: 1, EndWeek: 2}, report.Period)
	require.Len(t, report.WeeklyTrend, 2)
	assert.Nil(t, report.WeeklyTrend[0].ChangeRate)
	assert.Equal(t, &assessment.ChangeRate{}, report.WeeklyTrend[1].ChangeRate)
	assert.Equal(t, 5.0, report.WeeklyTrend[1].AvgPain)
	assert.Empty(t, report.TopPainLocations)
}

func TestWeeklyTrendExplicitRange(t *testing.T) {
	f := newFixture(t, 30)
	for _, offset := range []int{0, 8, 15, 22, 29} {
		_, err := f.submit(f.activated.AddDays(offset), 4, 4, 4,
			assessment.PainEntry{Location: assessment.LocationNeck, Intensity: offset % 10})
		require.NoError(t, err)
	}

	start, end := 2, 4
	report, err := f.svc.WeeklyTrend(context.Background(), assessment.TrendQuery{
		PrescriptionCode: testCode,
		StartWeek:        &start,
		EndWeek:          &end,
	})
	require.NoError(t, err)

	var weeks []int
	for _, w := range report.WeeklyTrend {
		weeks = append(weeks, w.Week)
	}
	assert.Equal(t, []int{2, 3, 4}, weeks)
	assert.Nil(t, report.WeeklyTrend[0].ChangeRate, "first week in range has no predecessor")
	require.Len(t, report.TopPainLocations, 1)
	assert.Equal(t, 3, report.TopPainLocations[0].Count)
	assert.Equal(t, 5.0, report.TopPainLocations[0].AvgIntensity)
}

func TestWeeklyTrendDefaults(t *testing.T) {
	tests := []struct {
		name    string
		daysAgo int
		wantEnd int
	}{
		{"first day", 0, 1},
		{"mid course", 20, 3},
		{"last day", 41, 6},
		{"completed", 90, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.daysAgo)
			report, err := f.svc.WeeklyTrend(context.Background(), assessment.TrendQuery{PrescriptionCode: testCode})
			require.NoError(t, err)
			assert.Equal(t, assessment.Period{StartWeek: 1, EndWeek: tt.wantEnd}, report.Period)
			assert.Empty(t, report.WeeklyTrend)
		})
	}
}

func TestWeeklyTrendWaitingPrescriptionDefaultsToFirstWeek(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, f.store.CreatePrescription(context.Background(), prescription.New("WXYZ5678", testNow)))

	report, err := f.svc.WeeklyTrend(context.Background(), assessment.TrendQuery{PrescriptionCode: "WXYZ5678"})
	require.NoError(t, err)
	assert.Equal(t, assessment.Period{StartWeek: 1, EndWeek: 1}, report.Period)
}

func TestWeeklyTrendRejections(t *testing.T) {
	week := func(w int) *int { return &w }
	tests := []struct {
		name     string
		q        assessment.TrendQuery
		wantCode apperr.Code
	}{
		{"unknown code", assessment.TrendQuery{PrescriptionCode: "ZZZZ9999"}, apperr.CodeNotFound},
		{"start zero", assessment.TrendQuery{PrescriptionCode: testCode, StartWeek: week(0)}, apperr.CodeInvalidArgument},
		{"end seven", assessment.TrendQuery{PrescriptionCode: testCode, EndWeek: week(7)}, apperr.CodeInvalidArgument},
		{"inverted", assessment.TrendQuery{PrescriptionCode: testCode, StartWeek: week(5), EndWeek: week(2)}, apperr.CodeInvalidArgument},
		{"start after default end", assessment.TrendQuery{PrescriptionCode: testCode, StartWeek: week(4)}, apperr.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 8)
			_, err := f.svc.WeeklyTrend(context.Background(), tt.q)
			requireCode(t, err, tt.wantCode)
		})
	}
}

type fakeCache struct {
	mu          sync.Mutex
	reports     map[assessment.TrendCacheKey]*assessment.TrendReport
	generations map[string]int64
	invalidated []string
	dropped     int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		reports:     make(map[assessment.TrendCacheKey]*assessment.TrendReport),
		generations: make(map[string]int64),
	}
}

func (c *fakeCache) Generation(_ context.Context, code string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[code], nil
}

func (c *fakeCache) Get(_ context.Context, key assessment.TrendCacheKey) (*assessment.TrendReport, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[key]
	return r, ok, nil
}

func (c *fakeCache) Put(_ context.Context, key assessment.TrendCacheKey, gen int64, r *assessment.TrendReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[key.PrescriptionCode] != gen {
		c.dropped++
		return nil
	}
	c.reports[key] = r
	return nil
}

func (c *fakeCache) InvalidatePrescription(_ context.Context, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.reports {
		if k.PrescriptionCode == code {
			delete(c.reports, k)
		}
	}
	c.generations[code]++
	c.invalidated = append(c.invalidated, code)
	return nil
}

// readHookStore runs onRead after loading assessments for a trend, before the
// report is built
type readHookStore struct {
	*memory.Store
	onRead func()
}

func (s *readHookStore) FindAssessmentsInWeekRange(ctx context.Context, prescriptionID uuid.UUID, startWeek, endWeek int) ([]*assessment.Assessment, error) {
	items, err := s.Store.FindAssessmentsInWeekRange(ctx, prescriptionID, startWeek, endWeek)
	if s.onRead != nil {
		hook := s.onRead
		s.onRead = nil
		hook()
	}
	return items, err
}

func TestWeeklyTrendDoesNotCacheReportOvertakenBySubmit(t *testing.T) {
	f := newFixture(t, 8)
	cache := newFakeCache()
	store := &readHookStore{Store: f.store}
	svc := assessment.NewService(store, f.cal, nil, assessment.WithTrendCache(cache))
	ctx := context.Background()
	q := assessment.TrendQuery{PrescriptionCode: testCode}

	store.onRead = func() {
		_, err := svc.Submit(ctx, assessment.SubmitCommand{
			PrescriptionCode: testCode,
			Date:             f.today,
			PainScore:        3,
			StressScore:      3,
			FunctionScore:    3,
		})
		require.NoError(t, err)
	}

	stale, err := svc.WeeklyTrend(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, stale.WeeklyTrend, "read started before the submit committed")
	assert.Equal(t, 1, cache.dropped)

	fresh, err := svc.WeeklyTrend(ctx, q)
	require.NoError(t, err)
	require.Len(t, fresh.WeeklyTrend, 1)
	assert.Equal(t, 3.0, fresh.WeeklyTrend[0].AvgPain)
}

func TestWeeklyTrendCache(t *testing.T) {
	cache := newFakeCache()
	var hits, misses int
	f := newFixture(t, 8,
		assessment.WithTrendCache(cache),
		assessment.WithCacheObserver(func(hit bool) {
			if hit {
				hits++
			} else {
				misses++
			}
		}))
	ctx := context.Background()
	q := assessment.TrendQuery{PrescriptionCode: testCode}

	first, err := f.svc.WeeklyTrend(ctx, q)
	require.NoError(t, err)
	second, err := f.svc.WeeklyTrend(ctx, q)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)

	_, err = f.submit(f.today, 2, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{testCode}, cache.invalidated)

	third, err := f.svc.WeeklyTrend(ctx, q)
	require.NoError(t, err)
	require.Len(t, third.WeeklyTrend, 1)
	assert.Equal(t, 2, misses)
}

func TestRefreshTrendsWarmsCache(t *testing.T) {
	cache := newFakeCache()
	f := newFixture(t, 8, assessment.WithTrendCache(cache))

	require.NoError(t, f.svc.RefreshTrends(context.Background(), testCode))
	_, ok, err := cache.Get(context.Background(), assessment.TrendCacheKey{
		PrescriptionCode: testCode,
		StartWeek:        1,
		EndWeek:          2,
		Today:            f.today,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	err = f.svc.RefreshTrends(context.Background(), "ZZZZ9999")
	requireCode(t, err, apperr.CodeNotFound)
}

func TestRefreshTrendsWithoutCache(t *testing.T) {
	f := newFixture(t, 8)
	assert.NoError(t, f.svc.RefreshTrends(context.Background(), testCode))
}
