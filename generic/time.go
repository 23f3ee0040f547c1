package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// CLOCK - Explicit "now" and reference timezone
// =============================================================================

// DefaultTimezone is the zone the billing months were historically cut in.
const DefaultTimezone = "Asia/Bangkok"

// Clock supplies the current time and the zone month boundaries are
// computed in. Every month computation takes its location from a Clock.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// SystemClock reads the wall clock.
type SystemClock struct {
	Loc *time.Location
}

func (c SystemClock) Now() time.Time { return time.Now().In(c.Location()) }

func (c SystemClock) Location() *time.Location {
	if c.Loc == nil {
		return time.UTC
	}
	return c.Loc
}

// FixedClock always returns the same instant. Used by tests and replays.
type FixedClock struct {
	At  time.Time
	Loc *time.Location
}

func (c FixedClock) Now() time.Time { return c.At.In(c.Location()) }

func (c FixedClock) Location() *time.Location {
	if c.Loc == nil {
		return time.UTC
	}
	return c.Loc
}

// LoadLocation resolves a zone name, falling back to a fixed +07:00 zone for
// Asia/Bangkok when the host has no tzdata.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc, nil
	}
	if name == DefaultTimezone {
		return time.FixedZone("ICT", 7*60*60), nil
	}
	return nil, fmt.Errorf("load timezone %q: %w", name, err)
}

// CurrentMonth returns the month containing clock.Now().
func CurrentMonth(c Clock) Month {
	return MonthOf(c.Now(), c.Location())
}

// Date builds a midnight time in loc. Handy for session and enrollment dates.
func Date(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}
