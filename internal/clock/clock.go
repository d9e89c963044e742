// Package clock provides the time source and calendar-date arithmetic used by
// the treatment course domain. All calendar dates are resolved in one fixed
// reference time zone so results do not depend on where the process runs.
package clock

import (
	"encoding/json"
	"fmt"
	"time"
)

// Clock is a source of the current instant
type Clock interface {
	Now() time.Time
}

// System reads the wall clock
type System struct{}

// Now returns the current instant
func (System) Now() time.Time { return time.Now() }

// Fixed always returns the same instant
type Fixed time.Time

// Now returns the fixed instant
func (f Fixed) Now() time.Time { return time.Time(f) }

// Date is a calendar date without a time of day or zone
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// NewDate builds a normalized date (e.g. Feb 30 becomes Mar 2)
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar date of t in t's own location
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns midnight UTC of the date
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// IsZero reports whether d is the zero date
func (d Date) IsZero() bool { return d == Date{} }

// AddDays returns the date n calendar days later (n may be negative)
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// DaysSince returns the number of calendar days from other to d
func (d Date) DaysSince(other Date) int {
	return int(d.Time().Sub(other.Time()).Hours() / 24)
}

// Before reports whether d is strictly before other
func (d Date) Before(other Date) bool { return d.Time().Before(other.Time()) }

// After reports whether d is strictly after other
func (d Date) After(other Date) bool { return d.Time().After(other.Time()) }

func (d Date) String() string { return d.Time().Format(dateLayout) }

// MarshalJSON encodes the date as "YYYY-MM-DD"
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a "YYYY-MM-DD" string
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Calendar resolves instants to calendar dates in a fixed reference zone
type Calendar struct {
	clock Clock
	loc   *time.Location
}

// NewCalendar creates a calendar; a nil location means UTC
func NewCalendar(c Clock, loc *time.Location) Calendar {
	if c == nil {
		c = System{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{clock: c, loc: loc}
}

// LoadCalendar creates a system calendar for the named IANA zone
func LoadCalendar(zone string) (Calendar, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("load time zone %q: %w", zone, err)
	}
	return NewCalendar(System{}, loc), nil
}

// Now returns the current instant
func (c Calendar) Now() time.Time { return c.clock.Now() }

// Today returns the current calendar date in the reference zone
func (c Calendar) Today() Date { return c.DateOf(c.clock.Now()) }

// DateOf returns the calendar date of t in the reference zone
func (c Calendar) DateOf(t time.Time) Date { return DateOf(t.In(c.loc)) }

// Location returns the reference zone
func (c Calendar) Location() *time.Location { return c.loc }
