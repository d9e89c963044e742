package prescription

import "github.com/drfirst/go-rxcourse/internal/clock"

// Status is the lifecycle state derived from stored dates and a reference date
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusExpired   Status = "EXPIRED"
)

const (
	// CourseDays is the length of the active window (day 0 through day 41)
	CourseDays = 42
	// ExpiryDays is how long an unactivated prescription stays claimable
	ExpiryDays = 42
	// DaysPerWeek buckets the course into weeks
	DaysPerWeek = 7
	// FirstWeek and LastWeek bound every week number
	FirstWeek = 1
	LastWeek  = CourseDays / DaysPerWeek
)

// StatusOn derives the status on the given calendar date. The creation date
// is resolved in the calendar's reference zone.
func (p *Prescription) StatusOn(on clock.Date, cal clock.Calendar) Status {
	if p.activatedDate != nil {
		activated := *p.activatedDate
		switch {
		case on.Before(activated):
			return StatusWaiting
		case !on.After(LastActiveDay(activated)):
			return StatusActive
		default:
			return StatusCompleted
		}
	}

	if on.After(cal.DateOf(p.createdAt).AddDays(ExpiryDays)) {
		return StatusExpired
	}
	return StatusWaiting
}

// LastActiveDay returns the final day of the window starting on activated
func LastActiveDay(activated clock.Date) clock.Date {
	return activated.AddDays(CourseDays - 1)
}

// InWindow reports whether on lies within the active window
func (p *Prescription) InWindow(on clock.Date) bool {
	if p.activatedDate == nil {
		return false
	}
	activated := *p.activatedDate
	return !on.Before(activated) && !on.After(LastActiveDay(activated))
}

// WeekOf returns the unclamped course week containing on
func WeekOf(activated, on clock.Date) int {
	days := on.DaysSince(activated)
	// floor division so dates before activation never land in week 1
	week := days / DaysPerWeek
	if days < 0 && days%DaysPerWeek != 0 {
		week--
	}
	return week + 1
}

// CurrentWeek returns the course week for today, clamped to the course
// length. Prescriptions that are not active or completed report week 1.
func (p *Prescription) CurrentWeek(today clock.Date, cal clock.Calendar) int {
	status := p.StatusOn(today, cal)
	if status != StatusActive && status != StatusCompleted {
		return FirstWeek
	}
	return ClampWeek(WeekOf(*p.activatedDate, today))
}

// ClampWeek bounds week into [FirstWeek, LastWeek]
func ClampWeek(week int) int {
	switch {
	case week < FirstWeek:
		return FirstWeek
	case week > LastWeek:
		return LastWeek
	default:
		return week
	}
}

// ValidWeek reports whether week lies in the course
func ValidWeek(week int) bool {
	return week >= FirstWeek && week <= LastWeek
}
