package assessment

import (
	"context"
	"math"
	"slices"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

const (
	opTrend = "weekly trend"

	// topLocations is how many pain locations a report ranks
	topLocations = 3
)

// TrendQuery selects the weeks of a trend report; nil bounds use defaults
type TrendQuery struct {
	PrescriptionCode string
	StartWeek        *int
	EndWeek          *int
}

// Period is the inclusive week range of a report
type Period struct {
	StartWeek int `json:"startWeek"`
	EndWeek   int `json:"endWeek"`
}

// ChangeRate is the percentage improvement over the previous week with data.
// Positive values always mean better.
type ChangeRate struct {
	Pain     float64 `json:"pain"`
	Stress   float64 `json:"stress"`
	Function float64 `json:"function"`
}

// WeeklyStat summarizes one week that has assessments
type WeeklyStat struct {
	Week        int         `json:"week"`
	AvgPain     float64     `json:"avgPain"`
	AvgStress   float64     `json:"avgStress"`
	AvgFunction float64     `json:"avgFunction"`
	ChangeRate  *ChangeRate `json:"changeRate"`
}

// LocationStat summarizes the pain reported at one location
type LocationStat struct {
	Location     Location `json:"location"`
	Count        int      `json:"count"`
	AvgIntensity float64  `json:"avgIntensity"`
}

// TrendReport is the weekly trend of a prescription
type TrendReport struct {
	PrescriptionCode string         `json:"prescriptionCode"`
	Period           Period         `json:"period"`
	WeeklyTrend      []WeeklyStat   `json:"weeklyTrend"`
	TopPainLocations []LocationStat `json:"topPainLocations"`
}

// TrendCacheKey identifies a cached report. Reports depend on today through
// the default end week, so the date is part of the key.
type TrendCacheKey struct {
	PrescriptionCode string
	StartWeek        int
	EndWeek          int
	Today            clock.Date
}

// TrendCache stores computed reports. Every invalidation bumps the
// prescription's generation; Put only stores a report computed under the
// current generation, so a read that raced a write cannot cache stale data.
type TrendCache interface {
	Get(ctx context.Context, key TrendCacheKey) (*TrendReport, bool, error)
	Generation(ctx context.Context, code string) (int64, error)
	Put(ctx context.Context, key TrendCacheKey, gen int64, report *TrendReport) error
	InvalidatePrescription(ctx context.Context, code string) error
}

// WeeklyTrend aggregates a prescription's assessments by week
func (s *Service) WeeklyTrend(ctx context.Context, q TrendQuery) (*TrendReport, error) {
	ctx, span := s.tracer.Start(ctx, "weekly_trend",
		trace.WithAttributes(attribute.String("prescription_code", q.PrescriptionCode)))
	defer span.End()

	p, err := prescription.Lookup(ctx, s.store, opTrend, q.PrescriptionCode)
	if err != nil {
		return nil, err
	}

	today := s.cal.Today()
	period := Period{StartWeek: prescription.FirstWeek, EndWeek: p.CurrentWeek(today, s.cal)}
	if q.StartWeek != nil {
		period.StartWeek = *q.StartWeek
	}
	if q.EndWeek != nil {
		period.EndWeek = *q.EndWeek
	}
	if err := checkPeriod(period); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("start_week", period.StartWeek),
		attribute.Int("end_week", period.EndWeek))

	key := TrendCacheKey{
		PrescriptionCode: p.Code(),
		StartWeek:        period.StartWeek,
		EndWeek:          period.EndWeek,
		Today:            today,
	}
	if cached, ok := s.cacheGet(ctx, key); ok {
		return cached, nil
	}
	gen, cacheable := s.cacheGeneration(ctx, key.PrescriptionCode)

	items, err := s.store.FindAssessmentsInWeekRange(ctx, p.ID(), period.StartWeek, period.EndWeek)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Wrap(apperr.CodeInternal, opTrend, err)
	}

	report := &TrendReport{
		PrescriptionCode: p.Code(),
		Period:           period,
		WeeklyTrend:      summarizeWeeks(items),
		TopPainLocations: rankPainLocations(items),
	}
	if cacheable {
		s.cachePut(ctx, key, gen, report)
	}
	return report, nil
}

func checkPeriod(p Period) error {
	if !prescription.ValidWeek(p.StartWeek) || !prescription.ValidWeek(p.EndWeek) {
		return apperr.Newf(apperr.CodeInvalidArgument, opTrend,
			"weeks must be between %d and %d, got %d..%d",
			prescription.FirstWeek, prescription.LastWeek, p.StartWeek, p.EndWeek)
	}
	if p.StartWeek > p.EndWeek {
		return apperr.Newf(apperr.CodeInvalidArgument, opTrend,
			"startWeek %d is after endWeek %d", p.StartWeek, p.EndWeek)
	}
	return nil
}

// summarizeWeeks folds week groups in ascending order, carrying the last
// summarized week forward so weeks without data are skipped.
func summarizeWeeks(items []*Assessment) []WeeklyStat {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b *Assessment) int {
		if a.Week != b.Week {
			return a.Week - b.Week
		}
		return a.Date.DaysSince(b.Date)
	})

	stats := make([]WeeklyStat, 0, prescription.LastWeek)
	var prev WeeklyStat
	hasPrev := false

	for start := 0; start < len(sorted); {
		end := start
		var pain, stress, function int
		for end < len(sorted) && sorted[end].Week == sorted[start].Week {
			pain += sorted[end].PainScore
			stress += sorted[end].StressScore
			function += sorted[end].FunctionScore
			end++
		}
		n := float64(end - start)

		stat := WeeklyStat{
			Week:        sorted[start].Week,
			AvgPain:     round1(float64(pain) / n),
			AvgStress:   round1(float64(stress) / n),
			AvgFunction: round1(float64(function) / n),
		}
		if hasPrev {
			stat.ChangeRate = &ChangeRate{
				Pain:     decreaseRate(prev.AvgPain, stat.AvgPain),
				Stress:   decreaseRate(prev.AvgStress, stat.AvgStress),
				Function: increaseRate(prev.AvgFunction, stat.AvgFunction),
			}
		}

		stats = append(stats, stat)
		prev, hasPrev = stat, true
		start = end
	}
	return stats
}

// decreaseRate is the improvement for metrics where lower is better
func decreaseRate(prev, curr float64) float64 {
	return percentChange(tenths(prev), tenths(prev)-tenths(curr))
}

// increaseRate is the improvement for metrics where higher is better
func increaseRate(prev, curr float64) float64 {
	return percentChange(tenths(prev), tenths(curr)-tenths(prev))
}

// tenths converts a one-decimal average to an exact integer count of tenths
func tenths(v float64) int64 {
	return int64(math.Round(v * 10))
}

// percentChange returns delta/base as a percentage rounded to one decimal,
// halves away from zero. Both arguments are in tenths, so the rounding is
// exact integer arithmetic.
func percentChange(base, delta int64) float64 {
	if base == 0 {
		return 0
	}
	num, den := delta*1000, base
	if den < 0 {
		num, den = -num, -den
	}
	var q int64
	if num >= 0 {
		q = (2*num + den) / (2 * den)
	} else {
		q = -((-2*num + den) / (2 * den))
	}
	return float64(q) / 10
}

func rankPainLocations(items []*Assessment) []LocationStat {
	counts := make([]int, len(Locations))
	sums := make([]int, len(Locations))
	for _, a := range items {
		for _, p := range a.Pains {
			i := p.Location.index()
			if i < 0 {
				continue
			}
			counts[i]++
			sums[i] += p.Intensity
		}
	}

	ranked := make([]LocationStat, 0, len(Locations))
	for i, loc := range Locations {
		if counts[i] == 0 {
			continue
		}
		ranked = append(ranked, LocationStat{
			Location:     loc,
			Count:        counts[i],
			AvgIntensity: round1(float64(sums[i]) / float64(counts[i])),
		})
	}

	// stable: full ties keep declaration order
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].AvgIntensity > ranked[j].AvgIntensity
	})

	if len(ranked) > topLocations {
		ranked = ranked[:topLocations]
	}
	return ranked
}

// round1 rounds to one decimal place, halves away from zero
func round1(v float64) float64 {
	r := math.Round(v*10) / 10
	if r == 0 {
		return 0 // no negative zero in reports
	}
	return r
}

func (s *Service) cacheGet(ctx context.Context, key TrendCacheKey) (*TrendReport, bool) {
	if s.cache == nil {
		return nil, false
	}
	report, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("trend cache read failed",
			zap.String("code", key.PrescriptionCode),
			zap.Error(err))
		ok = false
	}
	if s.cacheObserver != nil {
		s.cacheObserver(ok)
	}
	return report, ok
}

// cacheGeneration must be read before the assessments are loaded
func (s *Service) cacheGeneration(ctx context.Context, code string) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	gen, err := s.cache.Generation(ctx, code)
	if err != nil {
		s.logger.Warn("trend cache generation read failed",
			zap.String("code", code),
			zap.Error(err))
		return 0, false
	}
	return gen, true
}

func (s *Service) cachePut(ctx context.Context, key TrendCacheKey, gen int64, report *TrendReport) {
	if err := s.cache.Put(ctx, key, gen, report); err != nil {
		s.logger.Warn("trend cache write failed",
			zap.String("code", key.PrescriptionCode),
			zap.Error(err))
	}
}
