package generic_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func owes(entity string, month string, amount generic.Money) generic.Obligation {
	return generic.Obligation{
		EntityID: generic.EntityID(entity),
		Month:    generic.MustMonth(month),
		Ref:      "inv-" + entity + "-" + month,
		Owed:     amount,
	}
}

func twoStudents() []generic.Obligation {
	return []generic.Obligation{
		owes("s2", "2024-02", 800_000),
		owes("s1", "2024-01", 600_000),
	}
}

func assertConserved(t *testing.T, plan generic.AllocationPlan) {
	t.Helper()
	assert.Equal(t, plan.Amount, plan.Allocated()+plan.Leftover, "allocated + leftover must equal amount")
	assert.GreaterOrEqual(t, int64(plan.Leftover), int64(0))
}

// =============================================================================
// OLDEST FIRST
// =============================================================================

func TestAllocate_OldestFirst_PaysOldestMonthFirst(t *testing.T) {
	// GIVEN: s1 owes 600,000 for January, s2 owes 800,000 for February
	// WHEN: A family pays 1,000,000 oldest-first
	// THEN: s1 is paid in full and s2 gets the remaining 400,000

	plan, err := generic.Allocate(1_000_000, twoStudents(), generic.ModeOldestFirst, nil)
	require.NoError(t, err)

	assertConserved(t, plan)
	assert.Equal(t, generic.Money(600_000), plan.For("s1"))
	assert.Equal(t, generic.Money(400_000), plan.For("s2"))
	assert.Equal(t, generic.Money(0), plan.Leftover)
	require.Len(t, plan.Allocations, 2)
	assert.Equal(t, generic.EntityID("s1"), plan.Allocations[0].EntityID)
	assert.Equal(t, 1, plan.Allocations[0].Order)
}

func TestAllocate_OldestFirst_SameMonthTiesByEntity(t *testing.T) {
	obligations := []generic.Obligation{
		owes("b", "2024-03", 100),
		owes("a", "2024-03", 100),
	}

	plan, err := generic.Allocate(150, obligations, generic.ModeOldestFirst, nil)
	require.NoError(t, err)

	assert.Equal(t, generic.Money(100), plan.For("a"))
	assert.Equal(t, generic.Money(50), plan.For("b"))
}

func TestAllocate_Overpayment_LeavesLeftover(t *testing.T) {
	// GIVEN: 1,400,000 owed in total
	// WHEN: 1,600,000 is paid
	// THEN: Every obligation is paid and 200,000 is left over

	for _, mode := range []generic.AllocationMode{generic.ModeOldestFirst, generic.ModeProRata} {
		t.Run(string(mode), func(t *testing.T) {
			plan, err := generic.Allocate(1_600_000, twoStudents(), mode, nil)
			require.NoError(t, err)

			assertConserved(t, plan)
			assert.Equal(t, generic.Money(600_000), plan.For("s1"))
			assert.Equal(t, generic.Money(800_000), plan.For("s2"))
			assert.Equal(t, generic.Money(200_000), plan.Leftover)
		})
	}
}

func TestAllocate_NothingOwed_AllLeftover(t *testing.T) {
	plan, err := generic.Allocate(500, nil, generic.ModeOldestFirst, nil)
	require.NoError(t, err)

	assert.Empty(t, plan.Allocations)
	assert.Equal(t, generic.Money(500), plan.Leftover)
}

// =============================================================================
// PRO RATA
// =============================================================================

func TestAllocate_ProRata_RoundsAndConserves(t *testing.T) {
	// GIVEN: s1 owes 600,000, s2 owes 800,000
	// WHEN: 1,000,000 is paid pro-rata
	// THEN: round(600/1400 * 1,000,000) = 428,571 and the rest to s2

	plan, err := generic.Allocate(1_000_000, twoStudents(), generic.ModeProRata, nil)
	require.NoError(t, err)

	assertConserved(t, plan)
	assert.Equal(t, generic.Money(428_571), plan.For("s1"))
	assert.Equal(t, generic.Money(571_429), plan.For("s2"))
	assert.Equal(t, generic.Money(0), plan.Leftover)
}

func TestAllocate_ProRata_OvershootTrimmedFromNewest(t *testing.T) {
	// GIVEN: Three entities owing 1 each; every share rounds up to 1
	// WHEN: 2 is paid pro-rata
	// THEN: The overshoot is taken back from the last owner

	obligations := []generic.Obligation{
		owes("a", "2024-01", 1),
		owes("b", "2024-01", 1),
		owes("c", "2024-01", 1),
	}

	plan, err := generic.Allocate(2, obligations, generic.ModeProRata, nil)
	require.NoError(t, err)

	assertConserved(t, plan)
	assert.Equal(t, generic.Money(1), plan.For("a"))
	assert.Equal(t, generic.Money(1), plan.For("b"))
	assert.Equal(t, generic.Money(0), plan.For("c"))
}

func TestAllocate_ProRata_RemainderSweptToOldest(t *testing.T) {
	// GIVEN: Three entities owing 1 each; every share rounds down to 0
	// WHEN: 1 is paid pro-rata
	// THEN: The remainder goes to the owner with the oldest obligation

	obligations := []generic.Obligation{
		owes("c", "2024-02", 1),
		owes("b", "2024-01", 1),
		owes("a", "2024-03", 1),
	}

	plan, err := generic.Allocate(1, obligations, generic.ModeProRata, nil)
	require.NoError(t, err)

	assertConserved(t, plan)
	assert.Equal(t, generic.Money(1), plan.For("b"))
	assert.Equal(t, generic.Money(0), plan.Leftover)
}

func TestAllocate_ProRata_NeverExceedsOwed(t *testing.T) {
	obligations := []generic.Obligation{
		owes("a", "2024-01", 1),
		owes("b", "2024-01", 999_999),
	}

	plan, err := generic.Allocate(999_999, obligations, generic.ModeProRata, nil)
	require.NoError(t, err)

	assertConserved(t, plan)
	assert.LessOrEqual(t, int64(plan.For("a")), int64(1))
	assert.LessOrEqual(t, int64(plan.For("b")), int64(999_999))
}

// =============================================================================
// MANUAL
// =============================================================================

func TestAllocate_Manual_CallerOrderAndClipping(t *testing.T) {
	// GIVEN: s1 owes 600,000 and s2 owes 800,000
	// WHEN: The caller asks for s2: 500,000 then s1: 1,000,000 out of 1,200,000
	// THEN: s2 gets 500,000 first, s1 is clipped to what it owes, 100,000 is left

	manual := []generic.ManualRequest{
		{EntityID: "s2", Amount: 500_000},
		{EntityID: "s1", Amount: 1_000_000},
	}

	plan, err := generic.Allocate(1_200_000, twoStudents(), generic.ModeManual, manual)
	require.NoError(t, err)

	assertConserved(t, plan)
	require.Len(t, plan.Allocations, 2)
	assert.Equal(t, generic.EntityID("s2"), plan.Allocations[0].EntityID)
	assert.Equal(t, generic.Money(500_000), plan.For("s2"))
	assert.Equal(t, generic.Money(600_000), plan.For("s1"))
	assert.Equal(t, generic.Money(100_000), plan.Leftover)
}

func TestAllocate_Manual_ClippedToRemainingCash(t *testing.T) {
	manual := []generic.ManualRequest{
		{EntityID: "s1", Amount: 600_000},
		{EntityID: "s2", Amount: 800_000},
	}

	plan, err := generic.Allocate(700_000, twoStudents(), generic.ModeManual, manual)
	require.NoError(t, err)

	assert.Equal(t, generic.Money(600_000), plan.For("s1"))
	assert.Equal(t, generic.Money(100_000), plan.For("s2"))
	assert.Equal(t, generic.Money(0), plan.Leftover)
}

func TestAllocate_Manual_RequiresRequests(t *testing.T) {
	_, err := generic.Allocate(100, twoStudents(), generic.ModeManual, nil)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestAllocate_Manual_RejectsNegativeRequest(t *testing.T) {
	manual := []generic.ManualRequest{{EntityID: "s1", Amount: -1}}
	_, err := generic.Allocate(100, twoStudents(), generic.ModeManual, manual)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestAllocate_UnknownMode_Rejected(t *testing.T) {
	_, err := generic.Allocate(100, twoStudents(), "largest-first", nil)
	assert.True(t, errors.Is(err, generic.ErrUnknownAllocationMode))
	assert.True(t, generic.IsClientError(err))
}

func TestAllocate_NonPositiveAmount_Rejected(t *testing.T) {
	for _, amount := range []generic.Money{0, -5} {
		_, err := generic.Allocate(amount, twoStudents(), generic.ModeOldestFirst, nil)
		assert.ErrorIs(t, err, generic.ErrValidation)
	}
}

func TestParseAllocationMode(t *testing.T) {
	tests := []struct {
		in   string
		want generic.AllocationMode
		ok   bool
	}{
		{"oldest-first", generic.ModeOldestFirst, true},
		{"oldest_first", generic.ModeOldestFirst, true},
		{"pro-rata", generic.ModeProRata, true},
		{"pro_rata", generic.ModeProRata, true},
		{"manual", generic.ModeManual, true},
		{"", "", false},
		{"random", "", false},
	}
	for _, tt := range tests {
		got, err := generic.ParseAllocationMode(tt.in)
		if !tt.ok {
			assert.ErrorIs(t, err, generic.ErrUnknownAllocationMode, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

// =============================================================================
// WATERFALL
// =============================================================================

func TestWaterfall_OldestMonthFirst(t *testing.T) {
	// GIVEN: One student owing January and February
	// WHEN: 500 is spread over their invoices
	// THEN: January is paid in full before February gets anything

	obligations := []generic.Obligation{
		owes("s1", "2024-02", 400),
		owes("s1", "2024-01", 300),
	}

	shares, rest := generic.Waterfall(500, obligations)

	require.Len(t, shares, 2)
	assert.Equal(t, generic.MustMonth("2024-01"), shares[0].Month)
	assert.Equal(t, generic.Money(300), shares[0].Applied)
	assert.Equal(t, generic.MustMonth("2024-02"), shares[1].Month)
	assert.Equal(t, generic.Money(200), shares[1].Applied)
	assert.Equal(t, generic.Money(0), rest)
}

func TestWaterfall_ReturnsUnplaced(t *testing.T) {
	shares, rest := generic.Waterfall(1_000, []generic.Obligation{owes("s1", "2024-01", 300)})

	require.Len(t, shares, 1)
	assert.Equal(t, generic.Money(700), rest)
}

func TestTotalOwed(t *testing.T) {
	owed := generic.TotalOwed([]generic.Obligation{
		owes("s1", "2024-01", 300),
		owes("s1", "2024-02", 400),
		owes("s2", "2024-01", 50),
	})
	assert.Equal(t, generic.Money(700), owed["s1"])
	assert.Equal(t, generic.Money(50), owed["s2"])
}
