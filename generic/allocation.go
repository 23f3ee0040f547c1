/*
allocation.go - Splitting one payment across many obligations

PURPOSE:
  A family pays one amount for several students, each of whom may owe for
  several months. This file decides how much of the cash each student gets.
  It is pure: no I/O, no clock, same snapshot in = same plan out.

STRATEGIES (closed set, exhaustively matched):
  OldestFirst  Merge every open obligation, sort by month (ties by entity id),
               apply cash greedily to the oldest first.
  ProRata      Share = round(owed/totalOwed * amount), capped at owed. The
               rounding remainder is swept oldest-first (or trimmed from the
               newest owner when rounding overshoots).
  Manual       Caller-supplied per-entity amounts, processed in caller order,
               each clipped to min(requested, remaining cash, entity owed).

CONTRACT:
  - Never allocates more than an obligation's owed amount
  - Never allocates more in total than the payment amount
  - Sum(allocations) + Leftover == Amount, always

TWO STAGES:
  1. Strategy: per-entity totals
  2. Waterfall: each entity's total spread over its own obligations,
     oldest month first

  The second stage is exported because the payment service re-runs it
  against fresh invoice state when an optimistic-lock conflict forces a
  retry.

EXAMPLE:
  Obligations: s1 owes 600,000 (2024-01), s2 owes 800,000 (2024-02)
  Amount: 1,000,000

  OldestFirst -> s1: 600,000, s2: 400,000
  ProRata     -> s1: 428,571, s2: 571,429

SEE ALSO:
  - tuition/payment.go: Builds obligations from invoices, posts the plan
*/
package generic

import (
	"fmt"
	"sort"
)

// =============================================================================
// MODES
// =============================================================================

type AllocationMode string

const (
	ModeOldestFirst AllocationMode = "oldest-first"
	ModeProRata     AllocationMode = "pro-rata"
	ModeManual      AllocationMode = "manual"
)

// ParseAllocationMode accepts the hyphenated and underscored spellings.
func ParseAllocationMode(s string) (AllocationMode, error) {
	switch s {
	case "oldest-first", "oldest_first":
		return ModeOldestFirst, nil
	case "pro-rata", "pro_rata":
		return ModeProRata, nil
	case "manual":
		return ModeManual, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAllocationMode, s)
}

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

// Obligation is one open amount owed by an entity for a month.
type Obligation struct {
	EntityID EntityID
	Month    Month
	Ref      string // invoice id, or a draft key for not-yet-materialized invoices
	Owed     Money
}

// ManualRequest is a caller-chosen amount for one entity.
type ManualRequest struct {
	EntityID EntityID
	Amount   Money
}

// ObligationShare is the cash applied to one obligation.
type ObligationShare struct {
	Obligation
	Applied Money
}

// Allocation is the cash given to one entity.
type Allocation struct {
	EntityID EntityID
	Amount   Money
	Order    int // 1-based position in the plan
}

// AllocationPlan is the output of a strategy.
type AllocationPlan struct {
	Mode        AllocationMode
	Amount      Money
	Allocations []Allocation
	Leftover    Money
}

// Allocated returns the sum of all allocations.
func (p AllocationPlan) Allocated() Money {
	var total Money
	for _, a := range p.Allocations {
		total += a.Amount
	}
	return total
}

// For returns the amount allocated to one entity.
func (p AllocationPlan) For(id EntityID) Money {
	for _, a := range p.Allocations {
		if a.EntityID == id {
			return a.Amount
		}
	}
	return 0
}

// Strategy computes per-entity totals.
type Strategy interface {
	Mode() AllocationMode
	Allocate(amount Money, obligations []Obligation) (AllocationPlan, error)
}

// =============================================================================
// ENTRY POINT
// =============================================================================

// StrategyFor returns the strategy for mode. There is no default branch:
// an unknown mode is an error.
func StrategyFor(mode AllocationMode, manual []ManualRequest) (Strategy, error) {
	switch mode {
	case ModeOldestFirst:
		return OldestFirst{}, nil
	case ModeProRata:
		return ProRata{}, nil
	case ModeManual:
		if len(manual) == 0 {
			return nil, Invalid("manual_allocations", "required for manual mode")
		}
		return Manual{Requests: manual}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAllocationMode, mode)
}

// Allocate splits amount across obligations using mode.
func Allocate(amount Money, obligations []Obligation, mode AllocationMode, manual []ManualRequest) (AllocationPlan, error) {
	if amount <= 0 {
		return AllocationPlan{}, Invalid("amount", "must be positive, got %d", amount)
	}
	for _, o := range obligations {
		if o.Owed < 0 {
			return AllocationPlan{}, Invalid("obligation", "%s/%s owes a negative amount", o.EntityID, o.Month)
		}
	}
	strategy, err := StrategyFor(mode, manual)
	if err != nil {
		return AllocationPlan{}, err
	}
	plan, err := strategy.Allocate(amount, obligations)
	if err != nil {
		return AllocationPlan{}, err
	}
	if plan.Allocated()+plan.Leftover != amount || plan.Leftover < 0 {
		return AllocationPlan{}, fmt.Errorf("%s allocation does not conserve %d: allocated %d, leftover %d",
			mode, amount, plan.Allocated(), plan.Leftover)
	}
	return plan, nil
}

// =============================================================================
// OLDEST FIRST
// =============================================================================

type OldestFirst struct{}

func (OldestFirst) Mode() AllocationMode { return ModeOldestFirst }

func (OldestFirst) Allocate(amount Money, obligations []Obligation) (AllocationPlan, error) {
	b := newPlanBuilder(ModeOldestFirst, amount)
	remaining := amount
	for _, o := range sortedOldestFirst(obligations) {
		if remaining == 0 {
			break
		}
		take := remaining.Min(o.Owed)
		if take <= 0 {
			continue
		}
		b.add(o.EntityID, take)
		remaining -= take
	}
	return b.finish(), nil
}

// =============================================================================
// PRO RATA
// =============================================================================

type ProRata struct{}

func (ProRata) Mode() AllocationMode { return ModeProRata }

func (ProRata) Allocate(amount Money, obligations []Obligation) (AllocationPlan, error) {
	owners, owed := ownersByOldest(obligations)
	var totalOwed Money
	for _, id := range owners {
		totalOwed += owed[id]
	}

	b := newPlanBuilder(ModeProRata, amount)
	if totalOwed == 0 {
		return b.finish(), nil
	}
	if amount >= totalOwed {
		for _, id := range owners {
			b.add(id, owed[id])
		}
		return b.finish(), nil
	}

	share := make(map[EntityID]Money, len(owners))
	var given Money
	amt := amount.Decimal()
	total := totalOwed.Decimal()
	for _, id := range owners {
		// round half-up: owed * amount / totalOwed
		s := MoneyFromDecimal(owed[id].Decimal().Mul(amt).Div(total).Round(0))
		s = s.Min(owed[id]).NonNegative()
		share[id] = s
		given += s
	}

	remainder := amount - given
	// Sweep leftovers to the oldest owners with room.
	for _, id := range owners {
		if remainder <= 0 {
			break
		}
		room := owed[id] - share[id]
		take := remainder.Min(room)
		share[id] += take
		remainder -= take
	}
	// Rounding overshoot: take back from the newest owner first.
	for i := len(owners) - 1; i >= 0 && remainder < 0; i-- {
		id := owners[i]
		take := (-remainder).Min(share[id])
		share[id] -= take
		remainder += take
	}

	for _, id := range owners {
		b.add(id, share[id])
	}
	return b.finish(), nil
}

// =============================================================================
// MANUAL
// =============================================================================

type Manual struct {
	Requests []ManualRequest
}

func (Manual) Mode() AllocationMode { return ModeManual }

func (m Manual) Allocate(amount Money, obligations []Obligation) (AllocationPlan, error) {
	_, owed := ownersByOldest(obligations)
	b := newPlanBuilder(ModeManual, amount)
	remaining := amount
	for _, r := range m.Requests {
		if r.EntityID == "" {
			return AllocationPlan{}, Invalid("manual_allocations", "entity id is required")
		}
		if r.Amount < 0 {
			return AllocationPlan{}, Invalid("manual_allocations", "%s requested a negative amount", r.EntityID)
		}
		room := owed[r.EntityID] - b.given(r.EntityID)
		take := r.Amount.Min(remaining).Min(room).NonNegative()
		if take > 0 {
			b.add(r.EntityID, take)
			remaining -= take
		}
	}
	return b.finish(), nil
}

// =============================================================================
// WATERFALL - Spread one entity's total over its own obligations
// =============================================================================

// Waterfall applies amount to obligations oldest month first. It returns the
// shares with Applied > 0 and whatever could not be placed.
func Waterfall(amount Money, obligations []Obligation) ([]ObligationShare, Money) {
	var shares []ObligationShare
	remaining := amount
	for _, o := range sortedOldestFirst(obligations) {
		if remaining <= 0 {
			break
		}
		take := remaining.Min(o.Owed)
		if take <= 0 {
			continue
		}
		shares = append(shares, ObligationShare{Obligation: o, Applied: take})
		remaining -= take
	}
	return shares, remaining
}

// TotalOwed sums obligations per entity.
func TotalOwed(obligations []Obligation) map[EntityID]Money {
	_, owed := ownersByOldest(obligations)
	return owed
}

// =============================================================================
// HELPERS
// =============================================================================

func sortedOldestFirst(obligations []Obligation) []Obligation {
	sorted := make([]Obligation, len(obligations))
	copy(sorted, obligations)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Month != sorted[j].Month {
			return sorted[i].Month < sorted[j].Month
		}
		if sorted[i].EntityID != sorted[j].EntityID {
			return sorted[i].EntityID < sorted[j].EntityID
		}
		return sorted[i].Ref < sorted[j].Ref
	})
	return sorted
}

// ownersByOldest returns entities ordered by their oldest obligation, and
// each entity's total owed.
func ownersByOldest(obligations []Obligation) ([]EntityID, map[EntityID]Money) {
	owed := map[EntityID]Money{}
	var owners []EntityID
	for _, o := range sortedOldestFirst(obligations) {
		if _, ok := owed[o.EntityID]; !ok {
			owners = append(owners, o.EntityID)
		}
		owed[o.EntityID] += o.Owed
	}
	return owners, owed
}

type planBuilder struct {
	plan  AllocationPlan
	index map[EntityID]int
}

func newPlanBuilder(mode AllocationMode, amount Money) *planBuilder {
	return &planBuilder{
		plan:  AllocationPlan{Mode: mode, Amount: amount},
		index: map[EntityID]int{},
	}
}

func (b *planBuilder) add(id EntityID, amount Money) {
	if amount <= 0 {
		return
	}
	if i, ok := b.index[id]; ok {
		b.plan.Allocations[i].Amount += amount
		return
	}
	b.index[id] = len(b.plan.Allocations)
	b.plan.Allocations = append(b.plan.Allocations, Allocation{
		EntityID: id,
		Amount:   amount,
		Order:    len(b.plan.Allocations) + 1,
	})
}

func (b *planBuilder) given(id EntityID) Money {
	if i, ok := b.index[id]; ok {
		return b.plan.Allocations[i].Amount
	}
	return 0
}

func (b *planBuilder) finish() AllocationPlan {
	b.plan.Leftover = b.plan.Amount - b.plan.Allocated()
	return b.plan
}
