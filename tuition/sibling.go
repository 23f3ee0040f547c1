/*
sibling.go - Sibling discount resolution

PURPOSE:
  A family with two or more students enrolled in the same month gets one
  sibling discount. Exactly one student (the winner) receives it, on their
  single highest-tuition class. This file decides who wins.

ELIGIBILITY:
  Candidates are the family's active students with at least one enrollment
  overlapping the month. Fewer than two candidates: status none.

WINNER POLICY (pluggable):
  earliest_enrollment  Earliest enrollment start wins; ties go to the
                       lexically smallest student id.
  incumbent            Last month's assigned winner keeps it if still a
                       candidate; otherwise falls back to another policy.
  manual               Always pending; an admin assigns the winner.

  A policy may report pending when it cannot decide. A manual assignment
  survives recomputation for as long as the winner remains a candidate.

IDEMPOTENCY:
  Compute() is a pure read. Resolve() persists the computed state only when
  it differs from what is stored, so recomputing with unchanged inputs
  never writes and never changes the winner.

EXAMPLE:
  Family f1, 2024-03: s1 enrolled 2023-09-01, s2 enrolled 2024-01-15
  earliest_enrollment -> assigned, winner s1, percent 20
*/
package tuition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/generic"
)

type SiblingStatus string

const (
	SiblingNone     SiblingStatus = "none"
	SiblingPending  SiblingStatus = "pending"
	SiblingAssigned SiblingStatus = "assigned"
)

// SiblingDiscountState is stored per (family, month).
type SiblingDiscountState struct {
	FamilyID        FamilyID        `json:"family_id"`
	Month           generic.Month   `json:"month"`
	Status          SiblingStatus   `json:"status"`
	WinnerStudentID StudentID       `json:"winner_student_id,omitempty"`
	SiblingPercent  decimal.Decimal `json:"sibling_percent"`
	Reason          string          `json:"reason"`
	Policy          string          `json:"policy"`
	Manual          bool            `json:"manual"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// WinnerIs reports whether student is the assigned winner.
func (s SiblingDiscountState) WinnerIs(student StudentID) bool {
	return s.Status == SiblingAssigned && s.WinnerStudentID == student
}

func (s SiblingDiscountState) sameDecision(o SiblingDiscountState) bool {
	return s.Status == o.Status &&
		s.WinnerStudentID == o.WinnerStudentID &&
		s.SiblingPercent.Equal(o.SiblingPercent) &&
		s.Reason == o.Reason &&
		s.Policy == o.Policy &&
		s.Manual == o.Manual
}

// =============================================================================
// WINNER POLICIES
// =============================================================================

// SiblingCandidate is an eligible student with their earliest enrollment
// start among enrollments active in the month.
type SiblingCandidate struct {
	StudentID     StudentID
	EarliestStart time.Time
}

// WinnerDecision is a policy's answer. Pending means an admin must decide.
type WinnerDecision struct {
	Winner  StudentID
	Pending bool
	Reason  string
}

// WinnerPolicy picks the sibling discount winner among candidates.
// previous is last month's stored state, or nil.
type WinnerPolicy interface {
	Name() string
	Choose(candidates []SiblingCandidate, previous *SiblingDiscountState) WinnerDecision
}

type EarliestEnrollment struct{}

func (EarliestEnrollment) Name() string { return "earliest_enrollment" }

func (EarliestEnrollment) Choose(candidates []SiblingCandidate, _ *SiblingDiscountState) WinnerDecision {
	if len(candidates) == 0 {
		return WinnerDecision{Pending: true, Reason: "no candidates"}
	}
	sorted := make([]SiblingCandidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].EarliestStart.Equal(sorted[j].EarliestStart) {
			return sorted[i].EarliestStart.Before(sorted[j].EarliestStart)
		}
		return sorted[i].StudentID < sorted[j].StudentID
	})
	return WinnerDecision{
		Winner: sorted[0].StudentID,
		Reason: fmt.Sprintf("earliest enrollment (%s)", sorted[0].EarliestStart.Format(time.DateOnly)),
	}
}

// Incumbent keeps last month's winner while they remain eligible.
type Incumbent struct {
	Fallback WinnerPolicy
}

func (Incumbent) Name() string { return "incumbent" }

func (p Incumbent) Choose(candidates []SiblingCandidate, previous *SiblingDiscountState) WinnerDecision {
	if previous != nil && previous.Status == SiblingAssigned {
		for _, c := range candidates {
			if c.StudentID == previous.WinnerStudentID {
				return WinnerDecision{Winner: c.StudentID, Reason: "incumbent from " + previous.Month.String()}
			}
		}
	}
	fallback := p.Fallback
	if fallback == nil {
		fallback = EarliestEnrollment{}
	}
	return fallback.Choose(candidates, previous)
}

// ManualOnly never decides.
type ManualOnly struct{}

func (ManualOnly) Name() string { return "manual" }

func (ManualOnly) Choose([]SiblingCandidate, *SiblingDiscountState) WinnerDecision {
	return WinnerDecision{Pending: true, Reason: "awaiting manual assignment"}
}

// =============================================================================
// RESOLVER
// =============================================================================

type SiblingResolver struct {
	Store   Store
	Policy  WinnerPolicy
	Percent decimal.Decimal
	Clock   generic.Clock
}

func NewSiblingResolver(store Store, policy WinnerPolicy, percent decimal.Decimal, clock generic.Clock) *SiblingResolver {
	if policy == nil {
		policy = EarliestEnrollment{}
	}
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &SiblingResolver{Store: store, Policy: policy, Percent: percent, Clock: clock}
}

func (r *SiblingResolver) withStore(store Store) *SiblingResolver {
	cp := *r
	cp.Store = store
	return &cp
}

// Candidates returns the eligible students of a family, ordered by id.
func (r *SiblingResolver) Candidates(ctx context.Context, family FamilyID, month generic.Month) ([]SiblingCandidate, error) {
	students, err := r.Store.ListFamilyStudents(ctx, family)
	if err != nil {
		return nil, err
	}
	loc := r.Clock.Location()
	var out []SiblingCandidate
	for _, st := range students {
		if !st.IsActive {
			continue
		}
		enrollments, err := r.Store.ListEnrollments(ctx, st.ID)
		if err != nil {
			return nil, err
		}
		var earliest time.Time
		for _, e := range enrollments {
			if !e.ActiveIn(month, loc) {
				continue
			}
			if earliest.IsZero() || e.StartDate.Before(earliest) {
				earliest = e.StartDate
			}
		}
		if !earliest.IsZero() {
			out = append(out, SiblingCandidate{StudentID: st.ID, EarliestStart: earliest})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// Compute derives the state for (family, month) without writing.
func (r *SiblingResolver) Compute(ctx context.Context, family FamilyID, month generic.Month) (SiblingDiscountState, error) {
	state := SiblingDiscountState{
		FamilyID:       family,
		Month:          month,
		SiblingPercent: r.Percent,
		Policy:         r.Policy.Name(),
	}
	candidates, err := r.Candidates(ctx, family, month)
	if err != nil {
		return SiblingDiscountState{}, err
	}
	if len(candidates) < 2 {
		state.Status = SiblingNone
		state.Reason = fmt.Sprintf("%d enrolled student(s), need at least 2", len(candidates))
		return state, nil
	}

	stored, err := r.Store.GetSiblingState(ctx, family, month)
	switch {
	case err == nil:
		if stored.Manual && stored.Status == SiblingAssigned && isCandidate(candidates, stored.WinnerStudentID) {
			return stored, nil
		}
	case !errors.Is(err, generic.ErrNotFound):
		return SiblingDiscountState{}, err
	}

	var previous *SiblingDiscountState
	prev, err := r.Store.GetSiblingState(ctx, family, month.Prev())
	switch {
	case err == nil:
		previous = &prev
	case !errors.Is(err, generic.ErrNotFound):
		return SiblingDiscountState{}, err
	}

	decision := r.Policy.Choose(candidates, previous)
	if decision.Pending {
		state.Status = SiblingPending
	} else {
		state.Status = SiblingAssigned
		state.WinnerStudentID = decision.Winner
	}
	state.Reason = decision.Reason
	return state, nil
}

// Resolve computes and persists the state if it changed.
func (r *SiblingResolver) Resolve(ctx context.Context, family FamilyID, month generic.Month, actor string) (SiblingDiscountState, error) {
	computed, err := r.Compute(ctx, family, month)
	if err != nil {
		return SiblingDiscountState{}, err
	}
	stored, err := r.Store.GetSiblingState(ctx, family, month)
	if err == nil && stored.sameDecision(computed) {
		return stored, nil
	}
	if err != nil && !errors.Is(err, generic.ErrNotFound) {
		return SiblingDiscountState{}, err
	}
	var before any
	if err == nil {
		before = stored
	}
	computed.UpdatedAt = r.Clock.Now()

	err = r.Store.WithTx(ctx, func(tx Store) error {
		if err := tx.SaveSiblingState(ctx, computed); err != nil {
			return err
		}
		return generic.NewAuditor(tx, r.Clock).Record(ctx, "sibling_discount_state", siblingKey(family, month),
			generic.AuditSiblingResolved, actor, before, computed)
	})
	if err != nil {
		return SiblingDiscountState{}, err
	}
	return computed, nil
}

// AssignWinner is the admin path for pending (or disputed) months.
func (r *SiblingResolver) AssignWinner(ctx context.Context, family FamilyID, month generic.Month, student StudentID, reason generic.NonEmpty, actor string) (SiblingDiscountState, error) {
	if !reason.Valid() {
		return SiblingDiscountState{}, generic.Invalid("reason", "required")
	}
	candidates, err := r.Candidates(ctx, family, month)
	if err != nil {
		return SiblingDiscountState{}, err
	}
	if len(candidates) < 2 {
		return SiblingDiscountState{}, generic.Invalid("family", "%s is not eligible for a sibling discount in %s", family, month)
	}
	if !isCandidate(candidates, student) {
		return SiblingDiscountState{}, generic.Invalid("student_id", "%s is not an eligible student of %s in %s", student, family, month)
	}

	state := SiblingDiscountState{
		FamilyID:        family,
		Month:           month,
		Status:          SiblingAssigned,
		WinnerStudentID: student,
		SiblingPercent:  r.Percent,
		Reason:          reason.String(),
		Policy:          ManualOnly{}.Name(),
		Manual:          true,
		UpdatedAt:       r.Clock.Now(),
	}
	err = r.Store.WithTx(ctx, func(tx Store) error {
		var before any
		stored, err := tx.GetSiblingState(ctx, family, month)
		if err == nil {
			before = stored
		} else if !errors.Is(err, generic.ErrNotFound) {
			return err
		}
		if err := tx.SaveSiblingState(ctx, state); err != nil {
			return err
		}
		return generic.NewAuditor(tx, r.Clock).Record(ctx, "sibling_discount_state", siblingKey(family, month),
			generic.AuditSiblingAssigned, actor, before, state)
	})
	if err != nil {
		return SiblingDiscountState{}, err
	}
	return state, nil
}

func isCandidate(candidates []SiblingCandidate, id StudentID) bool {
	for _, c := range candidates {
		if c.StudentID == id {
			return true
		}
	}
	return false
}

func siblingKey(family FamilyID, month generic.Month) string {
	return string(family) + "/" + month.String()
}
