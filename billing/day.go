package billing

import (
	"time"
)

// =============================================================================
// DAY - Calendar-day abstraction for due dates and sweeps
// =============================================================================

// Day is a UTC calendar date. Due-date comparisons are made on whole days
// so an invoice due today is not overdue until tomorrow.
type Day struct {
	Time time.Time
}

func NewDay(year int, month time.Month, day int) Day {
	return Day{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates t to its UTC calendar date.
func DayOf(t time.Time) Day {
	u := t.UTC()
	return NewDay(u.Year(), u.Month(), u.Day())
}

func Today(now time.Time) Day { return DayOf(now) }

// Comparison
func (d Day) Before(other Day) bool        { return d.Time.Before(other.Time) }
func (d Day) Equal(other Day) bool         { return d.Time.Equal(other.Time) }
func (d Day) After(other Day) bool         { return d.Time.After(other.Time) }
func (d Day) BeforeOrEqual(other Day) bool { return !d.After(other) }
func (d Day) AfterOrEqual(other Day) bool  { return !d.Before(other) }

// Arithmetic
func (d Day) AddDays(n int) Day { return Day{Time: d.Time.AddDate(0, 0, n)} }

func (d Day) IsZero() bool   { return d.Time.IsZero() }
func (d Day) String() string { return d.Time.Format("2006-01-02") }

// DaysBetween returns whole days from -> to (negative when to is earlier).
func DaysBetween(from, to Day) int { return int(to.Time.Sub(from.Time).Hours() / 24) }
