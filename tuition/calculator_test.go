package tuition_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/tuition"
)

// =============================================================================
// BASE AND DISCOUNTS
// =============================================================================

func TestCalculate_HeldSessionsAtClassRate(t *testing.T) {
	// GIVEN: One enrollment, 8 Held sessions at 200,000
	// WHEN: Calculating January
	// THEN: base = total = 1,600,000

	f := newFixture(t)
	singleStudent(f)

	draft, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)

	assert.Equal(t, generic.Money(1_600_000), draft.BaseAmount)
	assert.Equal(t, generic.Money(0), draft.DiscountAmount)
	assert.Equal(t, generic.Money(1_600_000), draft.TotalAmount)
	require.Len(t, draft.Lines, 1)
	assert.Equal(t, 8, draft.Lines[0].Sessions)
}

func TestCalculate_MonthlyPercentDiscount(t *testing.T) {
	// GIVEN: 10% monthly discount on a 1,600,000 base
	// WHEN: Calculating January
	// THEN: discount = 160,000 and total = 1,440,000

	f := newFixture(t)
	singleStudent(f, percentOff(10, tuition.CadenceMonthly))

	draft, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)

	assert.Equal(t, generic.Money(160_000), draft.DiscountAmount)
	assert.Equal(t, generic.Money(1_440_000), draft.TotalAmount)
}

func TestCalculate_DraftGolden(t *testing.T) {
	f := newFixture(t)
	singleStudent(f, percentOff(10, tuition.CadenceMonthly))

	draft, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)

	raw, err := json.MarshalIndent(draft, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "draft_percent_discount", raw)
}

func TestCalculate_Deterministic(t *testing.T) {
	f := newFixture(t)
	singleStudent(f, percentOff(10, tuition.CadenceMonthly))

	first, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)
	second, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(b))
}

func TestCalculate_OnlyHeldSessionsBill(t *testing.T) {
	f := newFixture(t)
	singleStudent(f)
	f.session("c1", jan, 9, tuition.SessionCanceled)
	f.session("c1", jan, 10, tuition.SessionHoliday)
	f.session("c1", jan, 11, tuition.SessionScheduled)

	draft, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)

	assert.Equal(t, 8, draft.Lines[0].Sessions)
	assert.Equal(t, generic.Money(1_600_000), draft.TotalAmount)
}

func TestCalculate_RatePrecedence(t *testing.T) {
	// GIVEN: class rate 200,000, enrollment override 150,000, and one
	//        session overridden to 300,000
	// WHEN: Calculating
	// THEN: session override > enrollment override > class rate

	f := newFixture(t)
	f.student("s1", "")
	f.class("c1", 200_000)
	override := generic.Money(150_000)
	f.enroll("e1", "s1", "c1", f.date(jan, 1), func(e *tuition.Enrollment) { e.RateOverride = &override })
	f.session("c1", jan, 1, tuition.SessionHeld)
	special := generic.Money(300_000)
	require.NoError(t, f.store.SaveSession(f.ctx, tuition.Session{
		ID: "c1-special", ClassID: "c1", Date: f.date(jan, 2), Status: tuition.SessionHeld, RateOverride: &special,
	}))

	draft, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)

	assert.Equal(t, generic.Money(450_000), draft.BaseAmount)
}

func TestCalculate_AllowedDaysRestrictBilling(t *testing.T) {
	// GIVEN: Sessions every day Jan 1-8, 2024; the student only attends Mondays
	// WHEN: Calculating
	// THEN: Only Jan 1 and Jan 8 are billed

	f := newFixture(t)
	singleStudent(f, func(e *tuition.Enrollment) { e.AllowedDays = []time.Weekday{time.Monday} })

	draft, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)

	assert.Equal(t, 2, draft.Lines[0].Sessions)
	assert.Equal(t, generic.Money(400_000), draft.TotalAmount)
}

func TestCalculate_EnrollmentEndsMidMonth(t *testing.T) {
	// GIVEN: An enrollment ending Jan 5 (inclusive)
	// WHEN: Calculating January and February
	// THEN: Five sessions in January, nothing in February

	f := newFixture(t)
	f.student("s1", "")
	f.class("c1", 200_000)
	end := f.date(jan, 5)
	f.enroll("e1", "s1", "c1", f.date(dec, 1), func(e *tuition.Enrollment) { e.EndDate = &end })
	f.held("c1", jan, 8)
	f.held("c1", feb, 8)

	january, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)
	assert.Equal(t, 5, january.Lines[0].Sessions)
	assert.Equal(t, generic.Money(1_000_000), january.TotalAmount)

	february, err := f.svc.CalculateInvoice(f.ctx, "s1", feb)
	require.NoError(t, err)
	assert.Empty(t, february.Lines)
	assert.Equal(t, generic.Money(0), february.TotalAmount)
}

func TestCalculate_OnceDiscountOnlyInFirstMonth(t *testing.T) {
	f := newFixture(t)
	f.student("s1", "")
	f.class("c1", 100_000)
	f.enroll("e1", "s1", "c1", f.date(jan, 1), percentOff(50, tuition.CadenceOnce))
	f.held("c1", jan, 4)
	f.held("c1", feb, 4)

	first, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(200_000), first.TotalAmount)

	second, err := f.svc.CalculateInvoice(f.ctx, "s1", feb)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(400_000), second.TotalAmount)
}

func TestCalculate_OnceDiscountWaitsForFirstBilledMonth(t *testing.T) {
	// GIVEN: A 50% once discount on an enrollment starting in January,
	//        whose only January session was cancelled
	// WHEN: Calculating January, February and March
	// THEN: January bills nothing, February takes the discount and March
	//       is billed in full

	f := newFixture(t)
	f.student("s1", "")
	f.class("c1", 100_000)
	f.enroll("e1", "s1", "c1", f.date(jan, 1), percentOff(50, tuition.CadenceOnce))
	f.session("c1", jan, 20, tuition.SessionCanceled)
	f.held("c1", feb, 4)
	f.held("c1", mar, 4)

	first, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(0), first.TotalAmount)

	second, err := f.svc.CalculateInvoice(f.ctx, "s1", feb)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(200_000), second.DiscountAmount)
	assert.Equal(t, generic.Money(200_000), second.TotalAmount)

	third, err := f.svc.CalculateInvoice(f.ctx, "s1", mar)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(0), third.DiscountAmount)
	assert.Equal(t, generic.Money(400_000), third.TotalAmount)
}

func TestCalculate_AmountDiscountCappedAtLine(t *testing.T) {
	f := newFixture(t)
	singleStudent(f, func(e *tuition.Enrollment) {
		e.Discount = &tuition.Discount{Type: tuition.DiscountAmount, Value: decimal.NewFromInt(2_000_000), Cadence: tuition.CadenceMonthly}
	})

	draft, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)

	assert.Equal(t, generic.Money(1_600_000), draft.DiscountAmount)
	assert.Equal(t, generic.Money(0), draft.TotalAmount)
}

// =============================================================================
// SIBLING DISCOUNT
// =============================================================================

func TestCalculate_SiblingDiscountOnWinnersHighestClass(t *testing.T) {
	// GIVEN: Family f1; s1 enrolled first in math (1,600,000 with 10% off)
	//        and art (800,000); s2 enrolled later in art only
	// WHEN: Calculating January for both
	// THEN: s1 wins; 20% of 1,440,000 = 288,000 comes off math only;
	//       s2's invoice is unaffected

	f := newFixture(t)
	f.student("s1", "f1")
	f.student("s2", "f1")
	f.class("c-math", 200_000)
	f.class("c-art", 100_000)
	f.enroll("e1", "s1", "c-math", f.date(dec, 1).AddDate(0, -3, 0), percentOff(10, tuition.CadenceMonthly))
	f.enroll("e2", "s1", "c-art", f.date(dec, 1).AddDate(0, -3, 0))
	f.enroll("e3", "s2", "c-art", f.date(jan, 1))
	f.held("c-math", jan, 8)
	f.held("c-art", jan, 8)

	s1, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)

	assert.True(t, s1.SiblingWinner)
	require.Len(t, s1.Lines, 2)
	art, math := s1.Lines[0], s1.Lines[1]
	assert.Equal(t, tuition.ClassID("c-math"), math.ClassID)
	assert.Equal(t, generic.Money(288_000), math.SiblingDiscount)
	assert.Equal(t, generic.Money(1_152_000), math.Amount)
	assert.Equal(t, generic.Money(0), art.SiblingDiscount)
	assert.Equal(t, generic.Money(2_400_000), s1.BaseAmount)
	assert.Equal(t, generic.Money(448_000), s1.DiscountAmount)
	assert.Equal(t, generic.Money(1_952_000), s1.TotalAmount)

	s2, err := f.svc.CalculateInvoice(f.ctx, "s2", jan)
	require.NoError(t, err)
	assert.False(t, s2.SiblingWinner)
	assert.Equal(t, generic.Money(800_000), s2.TotalAmount)

	state, err := f.svc.SiblingDiscountState(f.ctx, "f1", jan)
	require.NoError(t, err)
	assert.Equal(t, tuition.SiblingAssigned, state.Status)
	assert.Equal(t, tuition.StudentID("s1"), state.WinnerStudentID)
	assert.True(t, state.SiblingPercent.Equal(decimal.NewFromInt(20)))
}

// =============================================================================
// CARRY AND STATE
// =============================================================================

func TestCalculate_CarryInFromPreviousInvoice(t *testing.T) {
	// GIVEN: January overpaid by 400,000
	// WHEN: Calculating February
	// THEN: February carries 400,000 of credit in

	f := newFixture(t)
	singleStudent(f)
	f.held("c1", feb, 4)
	f.pay("s1", jan, 2_000_000, tuition.MethodCash)

	draft, err := f.svc.CalculateInvoice(f.ctx, "s1", feb)
	require.NoError(t, err)

	assert.Equal(t, generic.Money(400_000), draft.CarryInCredit)
	assert.Equal(t, generic.Money(0), draft.CarryInDebt)
	assert.Equal(t, generic.Money(800_000), draft.TotalAmount, "carry does not change the month's own total")
}

func TestInvoiceState_DraftThenPersisted(t *testing.T) {
	f := newFixture(t)
	singleStudent(f)

	st, err := f.svc.InvoiceState(f.ctx, "s1", jan)
	require.NoError(t, err)
	_, isDraft := st.(tuition.Draft)
	assert.True(t, isDraft)
	assert.Equal(t, tuition.StatusDraft, st.Status())

	f.issue("s1", jan)

	st, err = f.svc.InvoiceState(f.ctx, "s1", jan)
	require.NoError(t, err)
	p, isPersisted := st.(tuition.Persisted)
	require.True(t, isPersisted)
	assert.Equal(t, tuition.StatusIssued, p.Status())
	assert.Equal(t, int64(1), p.Version)
}

// =============================================================================
// FAIL CLOSED
// =============================================================================

func TestCalculate_MissingClassIsCalculationError(t *testing.T) {
	f := newFixture(t)
	f.student("s1", "")
	f.enroll("e1", "s1", "c-gone", f.date(jan, 1))

	_, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)

	var calc *generic.CalculationError
	require.ErrorAs(t, err, &calc)
	assert.Equal(t, generic.EntityID("s1"), calc.EntityID)
	assert.Equal(t, jan, calc.Month)
}

func TestCalculate_UnknownStudentNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CalculateInvoice(f.ctx, "nobody", jan)
	assert.True(t, generic.IsNotFound(err))
}

func TestCalculate_InvalidMonth(t *testing.T) {
	f := newFixture(t)
	singleStudent(f)
	_, err := f.svc.CalculateInvoice(f.ctx, "s1", "2024-13")
	assert.ErrorIs(t, err, generic.ErrValidation)
}
