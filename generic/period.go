package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - The billing period
// =============================================================================

// Month is a billing month key in YYYY-MM form. Keys compare lexically in
// chronological order, so they can be sorted as plain strings.
//
// A Month has no timezone of its own. Boundaries are always computed against
// an explicit *time.Location (see Clock) so tests can pin the reference zone.
type Month string

const monthLayout = "2006-01"

// ParseMonth validates a YYYY-MM key.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil || t.Format(monthLayout) != s {
		return "", Invalid("month", "%q is not YYYY-MM", s)
	}
	return Month(s), nil
}

// MustMonth panics on an invalid key. For tests and constants.
func MustMonth(s string) Month {
	m, err := ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MonthOf returns the month containing t as observed in loc.
func MonthOf(t time.Time, loc *time.Location) Month {
	return Month(t.In(loc).Format(monthLayout))
}

// NewMonth builds a key from year and month.
func NewMonth(year int, month time.Month) Month {
	return Month(fmt.Sprintf("%04d-%02d", year, int(month)))
}

func (m Month) parsed() time.Time {
	t, err := time.Parse(monthLayout, string(m))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (m Month) Year() int           { return m.parsed().Year() }
func (m Month) Month() time.Month   { return m.parsed().Month() }
func (m Month) String() string      { return string(m) }
func (m Month) IsZero() bool        { return m == "" }
func (m Month) Before(o Month) bool { return m < o }
func (m Month) After(o Month) bool  { return m > o }

// Next returns the following month.
func (m Month) Next() Month { return m.add(1) }

// Prev returns the preceding month.
func (m Month) Prev() Month { return m.add(-1) }

func (m Month) add(n int) Month {
	t := m.parsed().AddDate(0, n, 0)
	return NewMonth(t.Year(), t.Month())
}

// Start returns the first instant of the month in loc.
func (m Month) Start(loc *time.Location) time.Time {
	return time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, loc)
}

// End returns the first instant of the next month in loc (exclusive bound).
func (m Month) End(loc *time.Location) time.Time {
	return m.Start(loc).AddDate(0, 1, 0)
}

// Contains reports whether t falls inside the month as observed in loc.
func (m Month) Contains(t time.Time, loc *time.Location) bool {
	return MonthOf(t, loc) == m
}

// =============================================================================
// DATE RANGE - Closed-open intervals used for enrollments
// =============================================================================

// DateRange is [Start, End]. A nil End means open-ended.
type DateRange struct {
	Start time.Time
	End   *time.Time
}

// OverlapsMonth reports whether any day of the range falls in m.
func (r DateRange) OverlapsMonth(m Month, loc *time.Location) bool {
	if !r.Start.Before(m.End(loc)) {
		return false
	}
	if r.End != nil && r.End.Before(m.Start(loc)) {
		return false
	}
	return true
}

// ContainsDay reports whether t's calendar day (in loc) is within the range.
func (r DateRange) ContainsDay(t time.Time, loc *time.Location) bool {
	day := truncateDay(t, loc)
	if day.Before(truncateDay(r.Start, loc)) {
		return false
	}
	if r.End != nil && day.After(truncateDay(*r.End, loc)) {
		return false
	}
	return true
}

func truncateDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
