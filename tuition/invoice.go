/*
invoice.go - Monthly invoice, its draft form, and the arithmetic between them

INVOICE STATE:
  An invoice for (student, month) is either
    Draft      computed from facts, never written
    Persisted  a real row with an id and a version
  Materialize() is the only transition from Draft to Persisted. It happens
  the first time a payment is recorded against the month, or when the
  invoice is explicitly issued.

ARITHMETIC:
  total       = base - discount            (discount capped at base)
  discount    = calculated discounts + settlement_discount
  balance     = total - recorded_payment + settled_credit
  outstanding = max(balance, 0)
  credit      = max(-balance, 0)
  carry_out   = carry_in_debt - carry_in_credit + balance

  settlement_discount grows when debt is written off; settled_credit grows
  when an overpaid balance is disposed of (kept as unapplied cash or
  contributed). Both leave the ledger and the invoice agreeing.

STATUS:
  draft    not persisted
  issued   persisted, nothing recorded yet, something owed
  partial  something recorded, something still owed
  paid     balance is zero
  credit   balance is negative (overpaid)

CONCURRENCY:
  Every mutation goes through Store.UpdateInvoice(inv, expectedVersion).
  A version mismatch is a *generic.ConflictError; callers re-read and
  retry.
*/
package tuition

import (
	"time"

	"github.com/warp/billing-engine/generic"
)

type InvoiceStatus string

const (
	StatusDraft   InvoiceStatus = "draft"
	StatusIssued  InvoiceStatus = "issued"
	StatusPartial InvoiceStatus = "partial"
	StatusPaid    InvoiceStatus = "paid"
	StatusCredit  InvoiceStatus = "credit"
)

// InvoiceLine is the charge for one enrollment in the month.
type InvoiceLine struct {
	EnrollmentID       EnrollmentID  `json:"enrollment_id"`
	ClassID            ClassID       `json:"class_id"`
	Sessions           int           `json:"sessions"`
	BaseAmount         generic.Money `json:"base_amount"`
	EnrollmentDiscount generic.Money `json:"enrollment_discount"`
	SiblingDiscount    generic.Money `json:"sibling_discount"`
	Amount             generic.Money `json:"amount"`
}

// =============================================================================
// DRAFT
// =============================================================================

// InvoiceDraft is the pure output of the calculator.
type InvoiceDraft struct {
	StudentID      StudentID     `json:"student_id"`
	Month          generic.Month `json:"month"`
	Lines          []InvoiceLine `json:"lines"`
	BaseAmount     generic.Money `json:"base_amount"`
	DiscountAmount generic.Money `json:"discount_amount"`
	TotalAmount    generic.Money `json:"total_amount"`
	CarryInCredit  generic.Money `json:"carry_in_credit"`
	CarryInDebt    generic.Money `json:"carry_in_debt"`
	SiblingWinner  bool          `json:"sibling_winner"`
}

// CarryOut is the balance that would roll into the next month if nothing
// were paid.
func (d InvoiceDraft) CarryOut() (credit, debt generic.Money) {
	return splitCarry(d.CarryInDebt - d.CarryInCredit + d.TotalAmount)
}

// =============================================================================
// PERSISTED INVOICE
// =============================================================================

type Invoice struct {
	ID                 InvoiceID     `json:"id"`
	StudentID          StudentID     `json:"student_id"`
	Month              generic.Month `json:"month"`
	Lines              []InvoiceLine `json:"lines"`
	BaseAmount         generic.Money `json:"base_amount"`
	DiscountAmount     generic.Money `json:"discount_amount"`
	TotalAmount        generic.Money `json:"total_amount"`
	RecordedPayment    generic.Money `json:"recorded_payment"`
	SettlementDiscount generic.Money `json:"settlement_discount"`
	SettledCredit      generic.Money `json:"settled_credit"`
	CarryInCredit      generic.Money `json:"carry_in_credit"`
	CarryInDebt        generic.Money `json:"carry_in_debt"`
	CarryOutCredit     generic.Money `json:"carry_out_credit"`
	CarryOutDebt       generic.Money `json:"carry_out_debt"`
	Status             InvoiceStatus `json:"status"`
	Version            int64         `json:"version"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Balance is positive for debt and negative for credit. It covers the
// month's own charge only: carry-in and held CREDIT are reported, not applied.
func (inv Invoice) Balance() generic.Money {
	return inv.TotalAmount - inv.RecordedPayment + inv.SettledCredit
}

func (inv Invoice) Outstanding() generic.Money { return inv.Balance().NonNegative() }

func (inv Invoice) Credit() generic.Money { return (-inv.Balance()).NonNegative() }

// ApplyDraft replaces the computed fields with a fresh calculation while
// keeping payments and settlements.
func (inv *Invoice) ApplyDraft(d InvoiceDraft) {
	inv.Lines = d.Lines
	inv.BaseAmount = d.BaseAmount
	inv.DiscountAmount = (d.DiscountAmount + inv.SettlementDiscount).Min(d.BaseAmount)
	inv.TotalAmount = inv.BaseAmount - inv.DiscountAmount
	inv.CarryInCredit = d.CarryInCredit
	inv.CarryInDebt = d.CarryInDebt
	inv.Refresh()
}

// SetCarryIn takes the previous month's carry-out.
func (inv *Invoice) SetCarryIn(prev *Invoice) {
	if prev == nil {
		inv.CarryInCredit, inv.CarryInDebt = 0, 0
	} else {
		inv.CarryInCredit, inv.CarryInDebt = prev.CarryOutCredit, prev.CarryOutDebt
	}
	inv.Refresh()
}

// Refresh recomputes carry-out and status from the stored amounts.
func (inv *Invoice) Refresh() {
	inv.CarryOutCredit, inv.CarryOutDebt = splitCarry(inv.CarryInDebt - inv.CarryInCredit + inv.Balance())
	inv.Status = statusOf(*inv)
}

func statusOf(inv Invoice) InvoiceStatus {
	switch b := inv.Balance(); {
	case b < 0:
		return StatusCredit
	case b == 0 && inv.TotalAmount == 0 && inv.RecordedPayment == 0:
		return StatusIssued
	case b == 0:
		return StatusPaid
	case inv.RecordedPayment > 0:
		return StatusPartial
	default:
		return StatusIssued
	}
}

func splitCarry(net generic.Money) (credit, debt generic.Money) {
	if net < 0 {
		return -net, 0
	}
	return 0, net
}

// Validate checks the no-negative and total invariants.
func (inv Invoice) Validate() error {
	for field, v := range map[string]generic.Money{
		"base_amount":         inv.BaseAmount,
		"discount_amount":     inv.DiscountAmount,
		"total_amount":        inv.TotalAmount,
		"recorded_payment":    inv.RecordedPayment,
		"settlement_discount": inv.SettlementDiscount,
		"settled_credit":      inv.SettledCredit,
	} {
		if v < 0 {
			return generic.Invalid(field, "must be non-negative, got %d", v)
		}
	}
	if inv.TotalAmount != inv.BaseAmount-inv.DiscountAmount {
		return &generic.CalculationError{EntityID: inv.StudentID, Month: inv.Month, Reason: "total does not equal base minus discount"}
	}
	return nil
}

// =============================================================================
// INVOICE STATE - Draft | Persisted
// =============================================================================

// InvoiceState is a closed union; only Draft and Persisted implement it.
type InvoiceState interface {
	isInvoiceState()
	Student() StudentID
	Period() generic.Month
	Total() generic.Money
	Outstanding() generic.Money
	Status() InvoiceStatus
}

type Draft struct{ InvoiceDraft }

type Persisted struct{ Invoice }

func (Draft) isInvoiceState()                  {}
func (d Draft) Student() StudentID             { return d.StudentID }
func (d Draft) Period() generic.Month          { return d.Month }
func (d Draft) Total() generic.Money           { return d.TotalAmount }
func (d Draft) Outstanding() generic.Money     { return d.TotalAmount }
func (Draft) Status() InvoiceStatus            { return StatusDraft }
func (Persisted) isInvoiceState()              {}
func (p Persisted) Student() StudentID         { return p.StudentID }
func (p Persisted) Period() generic.Month      { return p.Month }
func (p Persisted) Total() generic.Money       { return p.TotalAmount }
func (p Persisted) Outstanding() generic.Money { return p.Invoice.Outstanding() }
func (p Persisted) Status() InvoiceStatus      { return p.Invoice.Status }

// Materialize turns a draft into a persisted invoice row (version 1). The
// caller writes it with Store.CreateInvoice.
func Materialize(d Draft, id InvoiceID, now time.Time) Persisted {
	inv := Invoice{
		ID:        id,
		StudentID: d.StudentID,
		Month:     d.Month,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inv.ApplyDraft(d.InvoiceDraft)
	return Persisted{inv}
}

// NewInvoiceID returns a fresh invoice id.
func NewInvoiceID() InvoiceID { return InvoiceID("inv-" + generic.NewID()) }
