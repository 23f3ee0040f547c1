/*
calculator.go - Monthly invoice calculation

PURPOSE:
  Calculate(student, month) is a pure function of the stored facts: the
  same enrollments, sessions, discounts and sibling state always produce
  the same draft, byte for byte once encoded.

STEPS:
  1. Enrollments of the student active during the month
  2. Per enrollment: Held sessions of its class, inside the month and the
     enrollment range, on an allowed weekday
  3. Line base = sum of session rates
     (session override > enrollment override > class rate)
  4. Enrollment discount (percent floors, amount capped at the line;
     "once" only in the enrollment's first month with a billable session)
  5. Sibling discount for the family winner, on the single highest line
     after its enrollment discount (ties: smallest class id)
  6. total = base - discounts, never below zero
  7. Carry-in from last month's persisted invoice carry-out

FAIL CLOSED:
  Inconsistent facts (an enrollment pointing at a missing class, a session
  filed under another class, a negative rate) are a *generic.CalculationError.
  The calculator never zeroes an invoice to paper over bad data.
*/
package tuition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/warp/billing-engine/generic"
)

type Calculator struct {
	Store    Store
	Siblings *SiblingResolver
	Clock    generic.Clock
}

func NewCalculator(store Store, siblings *SiblingResolver, clock generic.Clock) *Calculator {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &Calculator{Store: store, Siblings: siblings, Clock: clock}
}

func (c *Calculator) withStore(store Store) *Calculator {
	cp := *c
	cp.Store = store
	if c.Siblings != nil {
		cp.Siblings = c.Siblings.withStore(store)
	}
	return &cp
}

// Calculate computes the draft invoice for (student, month).
func (c *Calculator) Calculate(ctx context.Context, studentID StudentID, month generic.Month) (InvoiceDraft, error) {
	if _, err := generic.ParseMonth(month.String()); err != nil {
		return InvoiceDraft{}, err
	}
	student, err := c.Store.GetStudent(ctx, studentID)
	if err != nil {
		return InvoiceDraft{}, err
	}
	loc := c.Clock.Location()
	fail := func(format string, args ...any) error {
		return &generic.CalculationError{EntityID: studentID, Month: month, Reason: fmt.Sprintf(format, args...)}
	}

	enrollments, err := c.Store.ListEnrollments(ctx, studentID)
	if err != nil {
		return InvoiceDraft{}, err
	}
	var active []Enrollment
	for _, e := range enrollments {
		if e.StudentID != studentID {
			return InvoiceDraft{}, fail("enrollment %s belongs to %s", e.ID, e.StudentID)
		}
		if e.ActiveIn(month, loc) {
			active = append(active, e)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].ClassID != active[j].ClassID {
			return active[i].ClassID < active[j].ClassID
		}
		return active[i].ID < active[j].ID
	})

	draft := InvoiceDraft{StudentID: studentID, Month: month, Lines: []InvoiceLine{}}
	for _, e := range active {
		line, err := c.line(ctx, e, month, loc, fail)
		if err != nil {
			return InvoiceDraft{}, err
		}
		draft.Lines = append(draft.Lines, line)
	}

	if student.FamilyID != "" && c.Siblings != nil {
		state, err := c.Siblings.Compute(ctx, student.FamilyID, month)
		if err != nil {
			return InvoiceDraft{}, err
		}
		if state.WinnerIs(studentID) {
			if i := highestLine(draft.Lines); i >= 0 {
				l := &draft.Lines[i]
				l.SiblingDiscount = l.Amount.PercentFloor(state.SiblingPercent)
				l.Amount -= l.SiblingDiscount
				draft.SiblingWinner = true
			}
		}
	}

	var discounts generic.Money
	for _, l := range draft.Lines {
		draft.BaseAmount += l.BaseAmount
		discounts += l.EnrollmentDiscount + l.SiblingDiscount
	}
	draft.DiscountAmount = discounts.Min(draft.BaseAmount)
	draft.TotalAmount = (draft.BaseAmount - draft.DiscountAmount).NonNegative()

	prev, err := c.Store.GetInvoice(ctx, studentID, month.Prev())
	switch {
	case err == nil:
		draft.CarryInCredit, draft.CarryInDebt = prev.CarryOutCredit, prev.CarryOutDebt
	case !errors.Is(err, generic.ErrNotFound):
		return InvoiceDraft{}, err
	}
	return draft, nil
}

func (c *Calculator) line(ctx context.Context, e Enrollment, month generic.Month, loc *time.Location, fail func(string, ...any) error) (InvoiceLine, error) {
	class, err := c.Store.GetClass(ctx, e.ClassID)
	if errors.Is(err, generic.ErrNotFound) {
		return InvoiceLine{}, fail("enrollment %s references missing class %s", e.ID, e.ClassID)
	}
	if err != nil {
		return InvoiceLine{}, err
	}
	sessions, err := c.Store.ListSessions(ctx, e.ClassID, month.Start(loc), month.End(loc))
	if err != nil {
		return InvoiceLine{}, err
	}
	SortSessions(sessions)

	line := InvoiceLine{EnrollmentID: e.ID, ClassID: e.ClassID}
	for _, s := range sessions {
		if s.ClassID != e.ClassID {
			return InvoiceLine{}, fail("session %s is filed under class %s, not %s", s.ID, s.ClassID, e.ClassID)
		}
		if !s.Status.Valid() {
			return InvoiceLine{}, fail("session %s has unknown status %q", s.ID, s.Status)
		}
		if !month.Contains(s.Date, loc) || !billable(s, e, class, loc) {
			continue
		}
		rate := class.Rate
		if e.RateOverride != nil {
			rate = *e.RateOverride
		}
		if s.RateOverride != nil {
			rate = *s.RateOverride
		}
		if rate < 0 {
			return InvoiceLine{}, fail("session %s has negative rate %d", s.ID, rate)
		}
		line.Sessions++
		line.BaseAmount += rate
	}

	if e.Discount != nil && line.Sessions > 0 {
		first := month
		if e.Discount.Cadence == CadenceOnce && month != e.FirstMonth(loc) {
			if first, err = c.firstBilledMonth(ctx, e, class, month, loc); err != nil {
				return InvoiceLine{}, err
			}
		}
		if e.Discount.AppliesIn(month, first) {
			line.EnrollmentDiscount = e.Discount.AmountOn(line.BaseAmount)
		}
	}
	line.Amount = line.BaseAmount - line.EnrollmentDiscount
	return line, nil
}

// billable reports whether a session is charged to the enrollment: Held,
// inside the enrollment range and on an allowed weekday.
func billable(s Session, e Enrollment, class Class, loc *time.Location) bool {
	return s.Status == SessionHeld && e.Range().ContainsDay(s.Date, loc) && e.BillsOn(s.Date.In(loc).Weekday(), class)
}

// firstBilledMonth returns the earliest month, from the start month up to
// month, holding a billable session for e. Months billed nothing do not
// use up a once discount.
func (c *Calculator) firstBilledMonth(ctx context.Context, e Enrollment, class Class, month generic.Month, loc *time.Location) (generic.Month, error) {
	sessions, err := c.Store.ListSessions(ctx, e.ClassID, e.FirstMonth(loc).Start(loc), month.Start(loc))
	if err != nil {
		return month, err
	}
	SortSessions(sessions)
	for _, s := range sessions {
		if s.ClassID == e.ClassID && billable(s, e, class, loc) {
			return generic.MonthOf(s.Date, loc), nil
		}
	}
	return month, nil
}

// highestLine returns the index of the line with the largest amount, ties
// broken by the smallest class id. -1 when no line has a positive amount.
func highestLine(lines []InvoiceLine) int {
	best := -1
	for i, l := range lines {
		if l.Amount <= 0 {
			continue
		}
		if best < 0 || l.Amount > lines[best].Amount ||
			(l.Amount == lines[best].Amount && l.ClassID < lines[best].ClassID) {
			best = i
		}
	}
	return best
}

// State returns the persisted invoice if one exists, otherwise the draft.
func (c *Calculator) State(ctx context.Context, studentID StudentID, month generic.Month) (InvoiceState, error) {
	inv, err := c.Store.GetInvoice(ctx, studentID, month)
	if err == nil {
		return Persisted{inv}, nil
	}
	if !errors.Is(err, generic.ErrNotFound) {
		return nil, err
	}
	draft, err := c.Calculate(ctx, studentID, month)
	if err != nil {
		return nil, err
	}
	return Draft{draft}, nil
}
