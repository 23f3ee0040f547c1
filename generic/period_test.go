package generic_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/generic"
)

func bangkok(t *testing.T) *time.Location {
	t.Helper()
	loc, err := generic.LoadLocation(generic.DefaultTimezone)
	require.NoError(t, err)
	return loc
}

func TestParseMonth(t *testing.T) {
	m, err := generic.ParseMonth("2024-02")
	require.NoError(t, err)
	assert.Equal(t, 2024, m.Year())
	assert.Equal(t, time.February, m.Month())

	for _, bad := range []string{"", "2024-2", "2024-13", "24-02", "2024-02-01"} {
		_, err := generic.ParseMonth(bad)
		assert.ErrorIs(t, err, generic.ErrValidation, bad)
	}
}

func TestMonth_NextPrevAcrossYear(t *testing.T) {
	assert.Equal(t, generic.MustMonth("2025-01"), generic.MustMonth("2024-12").Next())
	assert.Equal(t, generic.MustMonth("2023-12"), generic.MustMonth("2024-01").Prev())
	assert.True(t, generic.MustMonth("2024-01").Before("2024-02"))
}

func TestMonthOf_UsesReferenceTimezone(t *testing.T) {
	// GIVEN: 18:00 UTC on Jan 31, which is already Feb 1 in Bangkok
	// WHEN: Resolving the billing month
	// THEN: The month depends on the zone passed in, not the host zone

	instant := time.Date(2024, time.January, 31, 18, 0, 0, 0, time.UTC)

	assert.Equal(t, generic.MustMonth("2024-01"), generic.MonthOf(instant, time.UTC))
	assert.Equal(t, generic.MustMonth("2024-02"), generic.MonthOf(instant, bangkok(t)))
}

func TestMonth_Boundaries(t *testing.T) {
	loc := bangkok(t)
	m := generic.MustMonth("2024-02")

	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, loc), m.Start(loc))
	assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, loc), m.End(loc))
	assert.True(t, m.Contains(time.Date(2024, time.February, 29, 23, 59, 0, 0, loc), loc))
	assert.False(t, m.Contains(time.Date(2024, time.March, 1, 0, 0, 0, 0, loc), loc))
}

func TestDateRange_OverlapsMonth(t *testing.T) {
	loc := time.UTC
	end := generic.Date(2024, time.March, 10, loc)
	r := generic.DateRange{Start: generic.Date(2024, time.February, 20, loc), End: &end}

	assert.False(t, r.OverlapsMonth("2024-01", loc))
	assert.True(t, r.OverlapsMonth("2024-02", loc))
	assert.True(t, r.OverlapsMonth("2024-03", loc))
	assert.False(t, r.OverlapsMonth("2024-04", loc))

	open := generic.DateRange{Start: generic.Date(2024, time.February, 20, loc)}
	assert.True(t, open.OverlapsMonth("2030-01", loc))
}

func TestDateRange_ContainsDay_InclusiveEnd(t *testing.T) {
	loc := time.UTC
	end := generic.Date(2024, time.March, 10, loc)
	r := generic.DateRange{Start: generic.Date(2024, time.March, 1, loc), End: &end}

	assert.True(t, r.ContainsDay(time.Date(2024, time.March, 10, 17, 0, 0, 0, loc), loc))
	assert.False(t, r.ContainsDay(generic.Date(2024, time.March, 11, loc), loc))
	assert.False(t, r.ContainsDay(generic.Date(2024, time.February, 29, loc), loc))
}

func TestMoney_PercentFloor(t *testing.T) {
	tests := []struct {
		base generic.Money
		pct  string
		want generic.Money
	}{
		{1_600_000, "10", 160_000},
		{1_440_000, "20", 288_000},
		{999, "33.3", 332},
		{0, "50", 0},
		{1_000, "0", 0},
	}
	for _, tt := range tests {
		got := tt.base.PercentFloor(decimal.RequireFromString(tt.pct))
		assert.Equal(t, tt.want, got, "%d at %s%%", tt.base, tt.pct)
	}
}

func TestNonEmpty(t *testing.T) {
	assert.False(t, generic.NonEmpty("").Valid())
	assert.False(t, generic.NonEmpty(" \t\n").Valid())
	assert.True(t, generic.NonEmpty("family request").Valid())
}
