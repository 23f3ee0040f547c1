/*
family.go - One payment across several students of a family

FLOW:
  1. Validate everything before any write (amount cap, method, students
     belong to the family, mode, manual requests, leftover consent)
  2. Idempotency: a replayed key returns the stored outcome
  3. Snapshot open obligations of every target student
       persisted invoices with outstanding > 0
       + this month's draft when no invoice exists yet and it owes > 0
  4. generic.Allocate -> per-student totals
  5. Save the Payment row (audited)
  6. Per student, atomically: invoice CAS updates, one ledger transaction
     (debit CASH|BANK, credit AR per invoice month), one PaymentAllocation
     row, carry propagation, one audit entry. Conflicts re-read fresh
     invoice state and re-run the waterfall; any shrinkage becomes leftover.
  7. Leftover is booked against the first target student:
       unapplied_cash         debit CASH|BANK, credit CREDIT
       voluntary_contribution debit CASH|BANK, credit REVENUE (consent)
       (none given)           held as CREDIT until ClassifyLeftover
     A failed student's share is booked as unapplied cash against that
     student, never as a contribution. If that student's accounts cannot
     be written, the share is booked on the first target student.

PARTIAL FAILURE:
  Students are independent. One student failing does not roll back the
  others: the cash was received and must be accounted for. The result lists
  every student, and the error is a *generic.PartialAllocationFailure,
  joined with the leftover error when a leftover could not be booked.
  Whenever the error comes with a ParentPaymentID the result is still the
  authoritative per-student report.

CONSERVATION:
  sum(applied allocations) + LeftoverAmount == payment amount
*/
package tuition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/billing-engine/generic"
)

type FamilyPaymentInput struct {
	FamilyID          FamilyID
	StudentIDs        []StudentID
	Amount            generic.Money
	Method            PaymentMethod
	OccurredAt        time.Time
	Mode              generic.AllocationMode
	ManualAllocations []generic.ManualRequest
	LeftoverHandling  LeftoverHandling
	ConsentGiven      bool
	ApproverName      string
	Memo              string
	Actor             string
	IdempotencyKey    string
}

// StudentAllocationResult is one student's outcome.
type StudentAllocationResult struct {
	StudentID StudentID            `json:"student_id"`
	Planned   generic.Money        `json:"planned"`
	Amount    generic.Money        `json:"allocated_amount"`
	Order     int                  `json:"allocation_order"`
	Invoices  []InvoiceApplication `json:"invoices,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type FamilyPaymentResult struct {
	ParentPaymentID  PaymentID                 `json:"parent_payment_id"`
	Allocations      []StudentAllocationResult `json:"allocations"`
	LeftoverAmount   generic.Money             `json:"leftover_amount"`
	LeftoverHandling LeftoverHandling          `json:"leftover_handling"`
	SuccessCount     int                       `json:"success_count"`
	FailCount        int                       `json:"fail_count"`
	FailedStudentIDs []StudentID               `json:"failed_student_ids,omitempty"`
	Closed           bool                      `json:"closed"`
	Duplicate        bool                      `json:"duplicate"`
}

// Allocated sums the successfully applied amounts.
func (r FamilyPaymentResult) Allocated() generic.Money {
	var total generic.Money
	for _, a := range r.Allocations {
		total += a.Amount
	}
	return total
}

func (s *Service) RecordFamilyPayment(ctx context.Context, in FamilyPaymentInput) (FamilyPaymentResult, error) {
	in, method, err := s.validateFamilyPayment(ctx, in)
	if err != nil {
		return FamilyPaymentResult{}, err
	}
	if in.IdempotencyKey != "" {
		if res, ok, err := s.replayFamilyPayment(ctx, in.IdempotencyKey); err != nil || ok {
			return res, err
		}
	}
	month := generic.MonthOf(in.OccurredAt, s.clock.Location())

	obligations, err := s.openObligations(ctx, s.store, in.StudentIDs, month)
	if err != nil {
		return FamilyPaymentResult{}, err
	}
	plan, err := generic.Allocate(in.Amount, obligations, in.Mode, in.ManualAllocations)
	if err != nil {
		return FamilyPaymentResult{}, err
	}

	payment := Payment{
		ID:               PaymentID(generic.NewID()),
		IdempotencyKey:   in.IdempotencyKey,
		FamilyID:         in.FamilyID,
		StudentIDs:       in.StudentIDs,
		Amount:           in.Amount,
		Method:           method,
		OccurredAt:       in.OccurredAt,
		Month:            month,
		Mode:             in.Mode,
		LeftoverHandling: in.LeftoverHandling,
		ConsentGiven:     in.ConsentGiven,
		ApproverName:     in.ApproverName,
		Memo:             in.Memo,
		CreatedBy:        in.Actor,
		CreatedAt:        s.clock.Now(),
	}
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.SavePayment(ctx, payment); err != nil {
			return err
		}
		return generic.NewAuditor(tx, s.clock).Record(ctx, "payment", string(payment.ID),
			generic.AuditPaymentReceived, in.Actor, nil, map[string]any{
				"family_id":   in.FamilyID,
				"student_ids": in.StudentIDs,
				"amount":      in.Amount,
				"method":      method,
				"mode":        in.Mode,
				"planned":     plan.Allocations,
				"leftover":    plan.Leftover,
			})
	})
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) && in.IdempotencyKey != "" {
		if res, ok, rerr := s.replayFamilyPayment(ctx, in.IdempotencyKey); rerr == nil && ok {
			return res, nil
		}
	}
	if err != nil {
		return FamilyPaymentResult{}, err
	}

	result := FamilyPaymentResult{
		ParentPaymentID:  payment.ID,
		LeftoverHandling: in.LeftoverHandling,
		Allocations:      []StudentAllocationResult{},
	}
	unallocated := plan.Leftover
	type failedShare struct {
		student StudentID
		amount  generic.Money
	}
	var failed []failedShare
	var failures []generic.EntityFailure

	for _, a := range plan.Allocations {
		res := StudentAllocationResult{StudentID: a.EntityID, Planned: a.Amount, Order: a.Order}
		applied, apps, err := s.allocateToStudent(ctx, payment, a, month, in.Actor)
		if err != nil {
			s.log.Warn("family payment allocation failed",
				"payment_id", payment.ID, "student_id", a.EntityID, "amount", a.Amount, "error", err)
			res.Error = err.Error()
			failed = append(failed, failedShare{a.EntityID, a.Amount})
			failures = append(failures, generic.EntityFailure{EntityID: a.EntityID, Err: err})
			result.FailCount++
			result.FailedStudentIDs = append(result.FailedStudentIDs, a.EntityID)
		} else {
			res.Amount = applied
			res.Invoices = apps
			unallocated += a.Amount - applied
			result.SuccessCount++
		}
		result.Allocations = append(result.Allocations, res)
	}

	var leftoverErr error
	if unallocated > 0 {
		leftoverErr = s.bookLeftover(ctx, payment, leftoverBooking{
			Student: in.StudentIDs[0], Amount: unallocated, Handling: in.LeftoverHandling, Source: SourceUnallocated,
		}, in.Actor)
	}
	for _, f := range failed {
		if err := s.bookFailedShare(ctx, payment, f.student, f.amount, in.Actor); err != nil {
			leftoverErr = errors.Join(leftoverErr, err)
		}
		unallocated += f.amount
	}
	result.LeftoverAmount = unallocated

	rows, err := s.store.ListLeftovers(ctx, payment.ID)
	if err != nil {
		leftoverErr = errors.Join(leftoverErr, err)
	}
	result.Closed = leftoverErr == nil && SummarizeLeftovers(payment.ID, rows).Closed

	if leftoverErr != nil {
		s.log.Error("family payment leftover not booked",
			"payment_id", payment.ID, "amount", result.LeftoverAmount, "error", leftoverErr)
		leftoverErr = fmt.Errorf("book leftover for payment %s: %w", payment.ID, leftoverErr)
	}
	if result.FailCount > 0 {
		partial := &generic.PartialAllocationFailure{
			SuccessCount: result.SuccessCount,
			FailCount:    result.FailCount,
			Failed:       failures,
		}
		if leftoverErr != nil {
			return result, errors.Join(partial, leftoverErr)
		}
		return result, partial
	}
	return result, leftoverErr
}

// bookFailedShare books a failed student's share as unapplied cash on that
// student. When the student's accounts cannot be written either, the cash
// goes to the first target student so the receipt is still in the ledger.
func (s *Service) bookFailedShare(ctx context.Context, payment Payment, student StudentID, amount generic.Money, actor string) error {
	booking := leftoverBooking{
		Student:  student,
		For:      student,
		Amount:   amount,
		Handling: LeftoverUnapplied,
		Source:   SourceFailedAllocation,
	}
	err := s.bookLeftover(ctx, payment, booking, actor)
	fallback := payment.StudentIDs[0]
	if err == nil || fallback == student {
		return err
	}
	s.log.Warn("booking failed share on fallback student",
		"payment_id", payment.ID, "student_id", student, "fallback", fallback, "error", err)
	booking.Student = fallback
	if ferr := s.bookLeftover(ctx, payment, booking, actor); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}

// leftoverBooking is one leftover posting. Student owns the accounts; For
// is the student whose failed share it is, when different.
type leftoverBooking struct {
	Student  StudentID
	For      StudentID
	Amount   generic.Money
	Handling LeftoverHandling
	Source   LeftoverSource
}

func (s *Service) validateFamilyPayment(ctx context.Context, in FamilyPaymentInput) (FamilyPaymentInput, PaymentMethod, error) {
	if err := s.validateAmount(in.Amount); err != nil {
		return in, "", err
	}
	method, err := ParsePaymentMethod(string(in.Method))
	if err != nil {
		return in, "", err
	}
	if in.FamilyID == "" {
		return in, "", generic.Invalid("family_id", "required")
	}
	if len(in.StudentIDs) == 0 {
		return in, "", generic.Invalid("student_ids", "at least one student is required")
	}
	seen := map[StudentID]bool{}
	for _, id := range in.StudentIDs {
		if seen[id] {
			return in, "", generic.Invalid("student_ids", "%s listed twice", id)
		}
		seen[id] = true
		st, err := s.store.GetStudent(ctx, id)
		if err != nil {
			return in, "", err
		}
		if st.FamilyID != in.FamilyID {
			return in, "", generic.Invalid("student_ids", "%s does not belong to family %s", id, in.FamilyID)
		}
	}
	mode, err := generic.ParseAllocationMode(string(in.Mode))
	if err != nil {
		return in, "", err
	}
	in.Mode = mode
	if _, err := generic.StrategyFor(mode, in.ManualAllocations); err != nil {
		return in, "", err
	}
	for _, r := range in.ManualAllocations {
		if !seen[r.EntityID] {
			return in, "", generic.Invalid("manual_allocations", "%s is not a target student", r.EntityID)
		}
		if r.Amount < 0 {
			return in, "", generic.Invalid("manual_allocations", "%s requested a negative amount", r.EntityID)
		}
	}
	handling, err := ParseLeftoverHandling(string(in.LeftoverHandling))
	if err != nil {
		return in, "", err
	}
	in.LeftoverHandling = handling
	if handling == LeftoverVoluntary && !in.ConsentGiven {
		return in, "", &generic.ConsentError{Action: string(LeftoverVoluntary), Reason: "consent_given must be true"}
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = s.clock.Now()
	}
	return in, method, nil
}

// openObligations lists what the students owe, as seen in store.
func (s *Service) openObligations(ctx context.Context, store Store, students []StudentID, month generic.Month) ([]generic.Obligation, error) {
	var out []generic.Obligation
	for _, id := range students {
		invoices, err := store.ListInvoices(ctx, id)
		if err != nil {
			return nil, err
		}
		hasCurrent := false
		for _, inv := range invoices {
			if inv.Month == month {
				hasCurrent = true
			}
			if owed := inv.Outstanding(); owed > 0 {
				out = append(out, generic.Obligation{EntityID: id, Month: inv.Month, Ref: string(inv.ID), Owed: owed})
			}
		}
		if hasCurrent {
			continue
		}
		draft, err := s.calc.withStore(store).Calculate(ctx, id, month)
		if err != nil {
			return nil, err
		}
		if draft.TotalAmount > 0 {
			out = append(out, generic.Obligation{EntityID: id, Month: month, Ref: draftRef(id, month), Owed: draft.TotalAmount})
		}
	}
	return out, nil
}

// allocateToStudent applies one student's planned share. It returns the
// amount actually applied, which can shrink when a concurrent payment
// reduced what the student owes.
func (s *Service) allocateToStudent(ctx context.Context, payment Payment, a generic.Allocation, month generic.Month, actor string) (generic.Money, []InvoiceApplication, error) {
	var applied generic.Money
	var apps []InvoiceApplication
	err := s.retry(ctx, "allocate family payment", func() error {
		obligations, err := s.openObligations(ctx, s.store, []StudentID{a.EntityID}, month)
		if err != nil {
			return err
		}
		shares, _ := generic.Waterfall(a.Amount, obligations)
		applied, apps = 0, nil
		if len(shares) == 0 {
			return nil
		}
		return s.store.WithTx(ctx, func(tx Store) error {
			tx0 := generic.Transaction{
				IdempotencyKey: fmt.Sprintf("payment-%s-%s", payment.ID, a.EntityID),
				ReferenceID:    string(payment.ID),
				OccurredAt:     payment.OccurredAt,
				Month:          month,
				Memo:           paymentMemo(payment),
				CreatedBy:      actor,
			}
			var total generic.Money
			for _, sh := range shares {
				inv, err := s.applyShare(ctx, tx, sh, actor)
				if err != nil {
					return err
				}
				apps = append(apps, InvoiceApplication{InvoiceID: inv.ID, Month: inv.Month, Amount: sh.Applied})
				tx0.Lines = append(tx0.Lines, generic.Credit(a.EntityID, generic.AccountAR, sh.Applied, sh.Month))
				total += sh.Applied
			}
			tx0.Lines = append([]generic.Line{generic.Debit(a.EntityID, payment.Method.Account(), total, month)}, tx0.Lines...)
			posted, err := generic.NewLedger(tx, s.clock).Post(ctx, tx0)
			if err != nil {
				return err
			}
			if err := tx.SaveAllocation(ctx, PaymentAllocation{
				ID:        generic.NewID(),
				PaymentID: payment.ID,
				StudentID: a.EntityID,
				Amount:    total,
				Order:     a.Order,
				TxID:      posted.ID,
				Applied:   apps,
				CreatedAt: s.clock.Now(),
			}); err != nil {
				return err
			}
			if err := s.propagateCarry(ctx, tx, a.EntityID, oldestMonth(shares)); err != nil {
				return err
			}
			applied = total
			return generic.NewAuditor(tx, s.clock).Record(ctx, "payment", string(payment.ID),
				generic.AuditPaymentAllocated, actor, nil, map[string]any{
					"student_id":       a.EntityID,
					"planned":          a.Amount,
					"allocated_amount": total,
					"allocation_order": a.Order,
					"invoices":         apps,
				})
		})
	})
	if err != nil {
		return 0, nil, err
	}
	return applied, apps, nil
}

// applyShare applies cash to the invoice behind one obligation.
func (s *Service) applyShare(ctx context.Context, tx Store, sh generic.ObligationShare, actor string) (Invoice, error) {
	if sh.Ref == draftRef(sh.EntityID, sh.Month) {
		draft, err := s.calc.withStore(tx).Calculate(ctx, sh.EntityID, sh.Month)
		if err != nil {
			return Invoice{}, err
		}
		return s.applyPayment(ctx, tx, Draft{draft}, sh.Applied, actor)
	}
	inv, err := tx.GetInvoiceByID(ctx, InvoiceID(sh.Ref))
	if err != nil {
		return Invoice{}, err
	}
	if inv.Outstanding() < sh.Applied {
		// Someone paid in between; the snapshot is stale.
		return Invoice{}, fmt.Errorf("invoice %s owes %d, snapshot allocated %d: %w",
			inv.ID, inv.Outstanding(), sh.Applied, generic.ErrConflict)
	}
	return s.applyPayment(ctx, tx, Persisted{inv}, sh.Applied, actor)
}

// bookLeftover posts unallocated cash and records the leftover row.
func (s *Service) bookLeftover(ctx context.Context, payment Payment, b leftoverBooking, actor string) error {
	student, amount, handling := b.Student, b.Amount, b.Handling
	target := generic.AccountCredit
	if handling == LeftoverVoluntary {
		target = generic.AccountRevenue
	}
	owner := b.For
	if owner == "" {
		owner = student
	}
	key := fmt.Sprintf("leftover-%s-%s-%s", payment.ID, b.Source, owner)
	return s.store.WithTx(ctx, func(tx Store) error {
		posted, err := generic.NewLedger(tx, s.clock).Post(ctx, generic.Transaction{
			IdempotencyKey: key,
			ReferenceID:    string(payment.ID),
			OccurredAt:     payment.OccurredAt,
			Month:          payment.Month,
			Memo:           fmt.Sprintf("leftover (%s) of payment %s", handling, payment.ID),
			CreatedBy:      actor,
			Lines: []generic.Line{
				generic.Debit(student, payment.Method.Account(), amount, payment.Month),
				generic.Credit(student, target, amount, payment.Month),
			},
		})
		if err != nil {
			return err
		}
		row := PaymentLeftover{
			ID:           generic.NewID(),
			PaymentID:    payment.ID,
			StudentID:    student,
			Amount:       amount,
			Handling:     handling,
			Source:       b.Source,
			TxID:         posted.ID,
			ConsentGiven: payment.ConsentGiven,
			ApproverName: payment.ApproverName,
			CreatedBy:    actor,
			CreatedAt:    s.clock.Now(),
		}
		if b.For != "" && b.For != student {
			row.FailedFor = b.For
		}
		if err := tx.SaveLeftover(ctx, row); err != nil {
			return err
		}
		return generic.NewAuditor(tx, s.clock).Record(ctx, "payment", string(payment.ID),
			generic.AuditLeftoverClassified, actor, nil, row)
	})
}

// =============================================================================
// LEFTOVER CLASSIFICATION
// =============================================================================

type ClassifyLeftoverInput struct {
	PaymentID    PaymentID
	Handling     LeftoverHandling
	ConsentGiven bool
	ApproverName string
	Reason       generic.NonEmpty
	Actor        string
}

// ClassifyLeftover closes the held leftover of a payment. Contributions
// move the held credit to revenue and need consent and an approver.
func (s *Service) ClassifyLeftover(ctx context.Context, in ClassifyLeftoverInput) (LeftoverSummary, error) {
	if !in.Reason.Valid() {
		return LeftoverSummary{}, generic.Invalid("reason", "required")
	}
	switch in.Handling {
	case LeftoverUnapplied:
	case LeftoverVoluntary:
		if !in.ConsentGiven {
			return LeftoverSummary{}, &generic.ConsentError{Action: string(LeftoverVoluntary), Reason: "consent_given must be true"}
		}
		if !generic.NonEmpty(in.ApproverName).Valid() {
			return LeftoverSummary{}, &generic.ConsentError{Action: string(LeftoverVoluntary), Reason: "approver_name is required"}
		}
	default:
		return LeftoverSummary{}, generic.Invalid("handling", "must be %s or %s", LeftoverUnapplied, LeftoverVoluntary)
	}
	payment, err := s.store.GetPayment(ctx, in.PaymentID)
	if err != nil {
		return LeftoverSummary{}, err
	}

	var summary LeftoverSummary
	err = s.store.WithTx(ctx, func(tx Store) error {
		rows, err := tx.ListLeftovers(ctx, payment.ID)
		if err != nil {
			return err
		}
		before := SummarizeLeftovers(payment.ID, rows)
		if before.Held <= 0 {
			return generic.Invalid("payment_id", "payment %s has no held leftover", payment.ID)
		}
		student := payment.StudentIDs[0]
		for _, r := range rows {
			if r.Handling == LeftoverHeld && !r.Reclassified {
				student = r.StudentID
				break
			}
		}

		row := PaymentLeftover{
			ID:           generic.NewID(),
			PaymentID:    payment.ID,
			StudentID:    student,
			Amount:       before.Held,
			Handling:     in.Handling,
			Source:       SourceUnallocated,
			Reclassified: true,
			ConsentGiven: in.ConsentGiven,
			ApproverName: in.ApproverName,
			Reason:       in.Reason.String(),
			CreatedBy:    in.Actor,
			CreatedAt:    s.clock.Now(),
		}
		if in.Handling == LeftoverVoluntary {
			posted, err := generic.NewLedger(tx, s.clock).Post(ctx, generic.Transaction{
				IdempotencyKey: "leftover-classify-" + string(payment.ID),
				ReferenceID:    string(payment.ID),
				Month:          payment.Month,
				Memo:           "voluntary contribution: " + in.Reason.String(),
				CreatedBy:      in.Actor,
				Lines: []generic.Line{
					generic.Debit(student, generic.AccountCredit, before.Held, payment.Month),
					generic.Credit(student, generic.AccountRevenue, before.Held, payment.Month),
				},
			})
			if err != nil {
				return err
			}
			row.TxID = posted.ID
		}
		if err := tx.SaveLeftover(ctx, row); err != nil {
			return err
		}
		summary = SummarizeLeftovers(payment.ID, append(rows, row))
		return generic.NewAuditor(tx, s.clock).Record(ctx, "payment", string(payment.ID),
			generic.AuditLeftoverClassified, in.Actor, before, map[string]any{
				"summary":       summary,
				"handling":      in.Handling,
				"consent_given": in.ConsentGiven,
				"approver_name": in.ApproverName,
				"reason":        in.Reason.String(),
			})
	})
	if err != nil {
		return LeftoverSummary{}, err
	}
	return summary, nil
}

// =============================================================================
// REPLAY
// =============================================================================

func (s *Service) replayFamilyPayment(ctx context.Context, key string) (FamilyPaymentResult, bool, error) {
	p, err := s.store.GetPaymentByKey(ctx, key)
	if isNotFound(err) {
		return FamilyPaymentResult{}, false, nil
	}
	if err != nil {
		return FamilyPaymentResult{}, false, err
	}
	if !p.IsFamily() {
		return FamilyPaymentResult{}, false, generic.Invalid("idempotency_key", "%q belongs to a single-student payment", key)
	}
	res, err := s.FamilyPaymentOutcome(ctx, p.ID)
	if err != nil {
		return FamilyPaymentResult{}, false, err
	}
	res.Duplicate = true
	return res, true, nil
}

// FamilyPaymentOutcome rebuilds a family payment's result from its rows.
func (s *Service) FamilyPaymentOutcome(ctx context.Context, id PaymentID) (FamilyPaymentResult, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return FamilyPaymentResult{}, err
	}
	allocs, err := s.store.ListAllocations(ctx, AllocationFilter{PaymentID: id})
	if err != nil {
		return FamilyPaymentResult{}, err
	}
	leftovers, err := s.store.ListLeftovers(ctx, id)
	if err != nil {
		return FamilyPaymentResult{}, err
	}
	res := FamilyPaymentResult{
		ParentPaymentID:  p.ID,
		LeftoverHandling: p.LeftoverHandling,
		Allocations:      []StudentAllocationResult{},
	}
	for _, a := range allocs {
		res.Allocations = append(res.Allocations, StudentAllocationResult{
			StudentID: a.StudentID, Planned: a.Amount, Amount: a.Amount, Order: a.Order, Invoices: a.Applied,
		})
		res.SuccessCount++
	}
	for _, l := range leftovers {
		if l.Source == SourceFailedAllocation {
			failed := l.StudentID
			if l.FailedFor != "" {
				failed = l.FailedFor
			}
			res.Allocations = append(res.Allocations, StudentAllocationResult{
				StudentID: failed, Planned: l.Amount, Error: "allocation failed",
			})
			res.FailCount++
			res.FailedStudentIDs = append(res.FailedStudentIDs, failed)
		}
	}
	summary := SummarizeLeftovers(id, leftovers)
	res.LeftoverAmount = summary.Total
	res.Closed = summary.Closed
	return res, nil
}

func draftRef(student StudentID, month generic.Month) string {
	return "draft:" + string(student) + ":" + month.String()
}

func oldestMonth(shares []generic.ObligationShare) generic.Month {
	oldest := shares[0].Month
	for _, sh := range shares[1:] {
		if sh.Month.Before(oldest) {
			oldest = sh.Month
		}
	}
	return oldest
}
