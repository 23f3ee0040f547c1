package tuition_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/tuition"
)

// family: s1 (enrolled Sep 2023) and s2 (enrolled Jan 2024) in f1, both
// in c1 with sessions from January to March.
func family(f *fixture) {
	f.student("s1", "f1")
	f.student("s2", "f1")
	f.class("c1", 100_000)
	f.enroll("e1", "s1", "c1", f.date(dec, 1).AddDate(0, -3, 0))
	f.enroll("e2", "s2", "c1", f.date(jan, 1))
	f.held("c1", jan, 4)
	f.held("c1", feb, 4)
	f.held("c1", mar, 4)
}

func TestSibling_SingleStudentNotEligible(t *testing.T) {
	f := newFixture(t)
	f.student("s1", "f1")
	f.class("c1", 100_000)
	f.enroll("e1", "s1", "c1", f.date(jan, 1))

	state, err := f.svc.SiblingDiscountState(f.ctx, "f1", jan)
	require.NoError(t, err)
	assert.Equal(t, tuition.SiblingNone, state.Status)
	assert.Empty(t, state.WinnerStudentID)
}

func TestSibling_InactiveStudentNotCandidate(t *testing.T) {
	f := newFixture(t)
	family(f)
	require.NoError(t, f.store.SaveStudent(f.ctx, tuition.Student{ID: "s2", FamilyID: "f1", IsActive: false}))

	state, err := f.svc.SiblingDiscountState(f.ctx, "f1", jan)
	require.NoError(t, err)
	assert.Equal(t, tuition.SiblingNone, state.Status)
}

func TestSibling_EarliestEnrollmentWins(t *testing.T) {
	f := newFixture(t)
	family(f)

	state, err := f.svc.SiblingDiscountState(f.ctx, "f1", jan)
	require.NoError(t, err)
	assert.Equal(t, tuition.SiblingAssigned, state.Status)
	assert.Equal(t, tuition.StudentID("s1"), state.WinnerStudentID)
	assert.Equal(t, "earliest_enrollment", state.Policy)
}

func TestSibling_EarliestEnrollment_TieGoesToSmallestID(t *testing.T) {
	start := generic.Date(2024, time.January, 1, time.UTC)
	decision := tuition.EarliestEnrollment{}.Choose([]tuition.SiblingCandidate{
		{StudentID: "s9", EarliestStart: start},
		{StudentID: "s3", EarliestStart: start},
	}, nil)
	assert.Equal(t, tuition.StudentID("s3"), decision.Winner)
	assert.False(t, decision.Pending)
}

func TestSibling_Resolve_Idempotent(t *testing.T) {
	// GIVEN: A family whose winner has been resolved once
	// WHEN: Resolving again with unchanged inputs
	// THEN: Nothing is written a second time and the winner is unchanged

	f := newFixture(t)
	family(f)

	first, err := f.svc.Siblings().Resolve(f.ctx, "f1", jan, "admin")
	require.NoError(t, err)
	second, err := f.svc.Siblings().Resolve(f.ctx, "f1", jan, "admin")
	require.NoError(t, err)

	assert.Equal(t, first.WinnerStudentID, second.WinnerStudentID)
	assert.Len(t, f.audits(generic.AuditSiblingResolved), 1)
}

func TestSibling_ManualPolicyPendingUntilAssigned(t *testing.T) {
	f := newFixture(t, withPolicy(tuition.ManualOnly{}))
	family(f)

	state, err := f.svc.SiblingDiscountState(f.ctx, "f1", jan)
	require.NoError(t, err)
	assert.Equal(t, tuition.SiblingPending, state.Status)

	draft, err := f.svc.CalculateInvoice(f.ctx, "s1", jan)
	require.NoError(t, err)
	assert.False(t, draft.SiblingWinner, "pending means nobody gets the discount")

	assigned, err := f.svc.Siblings().AssignWinner(f.ctx, "f1", jan, "s2", "parent request", "admin")
	require.NoError(t, err)
	assert.True(t, assigned.Manual)

	draft, err = f.svc.CalculateInvoice(f.ctx, "s2", jan)
	require.NoError(t, err)
	assert.True(t, draft.SiblingWinner)
	assert.Equal(t, generic.Money(320_000), draft.TotalAmount)
	assert.Len(t, f.audits(generic.AuditSiblingAssigned), 1)
}

func TestSibling_ManualAssignmentSurvivesRecompute(t *testing.T) {
	// GIVEN: The default policy would pick s1, but an admin assigned s2
	// WHEN: The state is recomputed and resolved
	// THEN: s2 keeps the discount

	f := newFixture(t)
	family(f)

	_, err := f.svc.Siblings().AssignWinner(f.ctx, "f1", jan, "s2", "hardship", "admin")
	require.NoError(t, err)

	state, err := f.svc.Siblings().Resolve(f.ctx, "f1", jan, "system")
	require.NoError(t, err)
	assert.Equal(t, tuition.StudentID("s2"), state.WinnerStudentID)
	assert.Empty(t, f.audits(generic.AuditSiblingResolved))
}

func TestSibling_IncumbentKeepsLastMonthsWinner(t *testing.T) {
	f := newFixture(t, withPolicy(tuition.Incumbent{}))
	family(f)

	_, err := f.svc.Siblings().AssignWinner(f.ctx, "f1", feb, "s2", "moved from s1", "admin")
	require.NoError(t, err)

	state, err := f.svc.SiblingDiscountState(f.ctx, "f1", mar)
	require.NoError(t, err)
	assert.Equal(t, tuition.StudentID("s2"), state.WinnerStudentID)
	assert.Equal(t, "incumbent from 2024-02", state.Reason)

	// Without an incumbent it falls back to the earliest enrollment.
	state, err = f.svc.SiblingDiscountState(f.ctx, "f1", jan)
	require.NoError(t, err)
	assert.Equal(t, tuition.StudentID("s1"), state.WinnerStudentID)
}

func TestSibling_AssignWinner_Validation(t *testing.T) {
	f := newFixture(t)
	family(f)
	f.student("s3", "f2")

	_, err := f.svc.Siblings().AssignWinner(f.ctx, "f1", jan, "s2", "  ", "admin")
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.svc.Siblings().AssignWinner(f.ctx, "f1", jan, "s3", "wrong family", "admin")
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestSibling_StatePersistedWhenInvoiceIssued(t *testing.T) {
	f := newFixture(t)
	family(f)

	_, err := f.store.GetSiblingState(f.ctx, "f1", jan)
	require.True(t, generic.IsNotFound(err))

	f.issue("s1", jan)

	stored, err := f.store.GetSiblingState(f.ctx, "f1", jan)
	require.NoError(t, err)
	assert.Equal(t, tuition.StudentID("s1"), stored.WinnerStudentID)
}
