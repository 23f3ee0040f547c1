/*
settlement.go - Terminal handling of a residual invoice balance

SETTLEMENT TYPES:
  discount                Write off debt: debit DISCOUNT, credit AR.
                          Bounded by the outstanding balance.
  unapplied_cash          Keep an overpayment as credit for future tuition:
                          debit AR, credit CREDIT. Bounded by the credit.
  voluntary_contribution  Convert an overpayment into revenue: debit AR,
                          credit REVENUE. Non-refundable, so it requires
                          consent_given = true and an approver name.

  Every settlement requires a reason. Consent and approver are written to
  the audit diff alongside the before/after invoice.

ADMINISTRATIVE OVERRIDE:
  AdjustRecordedPayment is the only path that may lower recorded_payment.
  It goes through the same CAS discipline as payments, posts the
  difference to the ledger and is audited with old and new values.
    decrease  debit AR, credit the receiving accounts (newest first)
    increase  debit CASH, credit AR
  ReverseRecordedPayment is an adjustment to zero.
*/
package tuition

import (
	"context"
	"fmt"

	"github.com/warp/billing-engine/generic"
)

type SettlementType string

const (
	SettleDiscount              SettlementType = "discount"
	SettleUnappliedCash         SettlementType = "unapplied_cash"
	SettleVoluntaryContribution SettlementType = "voluntary_contribution"
)

func ParseSettlementType(s string) (SettlementType, error) {
	switch t := SettlementType(s); t {
	case SettleDiscount, SettleUnappliedCash, SettleVoluntaryContribution:
		return t, nil
	}
	return "", generic.Invalid("settlement_type", "unknown settlement type %q", s)
}

type SettleInput struct {
	StudentID    StudentID
	Month        generic.Month
	Type         SettlementType
	Amount       generic.Money
	Reason       generic.NonEmpty
	ConsentGiven bool
	ApproverName string
	Actor        string
}

type SettleResult struct {
	InvoiceID InvoiceID             `json:"invoice_id"`
	Status    InvoiceStatus         `json:"status"`
	Balance   generic.Money         `json:"balance"`
	TxID      generic.TransactionID `json:"tx_id"`
}

func (in SettleInput) validate() error {
	if in.Amount <= 0 {
		return generic.Invalid("amount", "must be positive, got %d", in.Amount)
	}
	if !in.Reason.Valid() {
		return generic.Invalid("reason", "required")
	}
	if _, err := ParseSettlementType(string(in.Type)); err != nil {
		return err
	}
	if in.Type == SettleVoluntaryContribution {
		if !in.ConsentGiven {
			return &generic.ConsentError{Action: string(in.Type), Reason: "consent_given must be true"}
		}
		if !generic.NonEmpty(in.ApproverName).Valid() {
			return &generic.ConsentError{Action: string(in.Type), Reason: "approver_name is required"}
		}
	}
	return nil
}

// SettleBill applies a settlement to a persisted invoice.
func (s *Service) SettleBill(ctx context.Context, in SettleInput) (SettleResult, error) {
	if err := in.validate(); err != nil {
		return SettleResult{}, err
	}
	if err := s.validateAmount(in.Amount); err != nil {
		return SettleResult{}, err
	}

	var result SettleResult
	err := s.retry(ctx, "settle bill", func() error {
		inv, err := s.store.GetInvoice(ctx, in.StudentID, in.Month)
		if err != nil {
			return err
		}
		before := inv
		var lines []generic.Line
		var action generic.AuditAction
		switch in.Type {
		case SettleDiscount:
			if in.Amount > inv.Outstanding() {
				return generic.Invalid("amount", "%d exceeds outstanding %d", in.Amount, inv.Outstanding())
			}
			inv.SettlementDiscount += in.Amount
			inv.DiscountAmount += in.Amount
			inv.TotalAmount -= in.Amount
			lines = []generic.Line{
				generic.Debit(in.StudentID, generic.AccountDiscount, in.Amount, in.Month),
				generic.Credit(in.StudentID, generic.AccountAR, in.Amount, in.Month),
			}
			action = generic.AuditDebtWrittenOff
		case SettleUnappliedCash, SettleVoluntaryContribution:
			if in.Amount > inv.Credit() {
				return generic.Invalid("amount", "%d exceeds credit %d", in.Amount, inv.Credit())
			}
			inv.SettledCredit += in.Amount
			target, act := generic.AccountCredit, generic.AuditCreditRetained
			if in.Type == SettleVoluntaryContribution {
				target, act = generic.AccountRevenue, generic.AuditCreditContributed
			}
			lines = []generic.Line{
				generic.Debit(in.StudentID, generic.AccountAR, in.Amount, in.Month),
				generic.Credit(in.StudentID, target, in.Amount, in.Month),
			}
			action = act
		}
		inv.UpdatedAt = s.clock.Now()
		inv.Refresh()

		return s.store.WithTx(ctx, func(tx Store) error {
			if err := s.updateInvoice(ctx, tx, &inv, before.Version); err != nil {
				return err
			}
			posted, err := generic.NewLedger(tx, s.clock).Post(ctx, generic.Transaction{
				ReferenceID: string(inv.ID),
				Month:       in.Month,
				Memo:        fmt.Sprintf("%s: %s", in.Type, in.Reason),
				CreatedBy:   in.Actor,
				Lines:       lines,
			})
			if err != nil {
				return err
			}
			if err := s.propagateCarry(ctx, tx, in.StudentID, in.Month); err != nil {
				return err
			}
			result = SettleResult{InvoiceID: inv.ID, Status: inv.Status, Balance: inv.Balance(), TxID: posted.ID}
			return generic.NewAuditor(tx, s.clock).Record(ctx, "invoice", string(inv.ID), action, in.Actor,
				before, settlementAfter(inv, in))
		})
	})
	return result, err
}

func settlementAfter(inv Invoice, in SettleInput) map[string]any {
	return map[string]any{
		"invoice":         inv,
		"settlement_type": in.Type,
		"amount":          in.Amount,
		"reason":          in.Reason.String(),
		"consent_given":   in.ConsentGiven,
		"approver_name":   in.ApproverName,
	}
}

// =============================================================================
// ADMINISTRATIVE OVERRIDE
// =============================================================================

type AdjustInput struct {
	InvoiceID InvoiceID
	NewAmount generic.Money
	Reason    generic.NonEmpty
	Actor     string
}

type AdjustResult struct {
	InvoiceID InvoiceID             `json:"invoice_id"`
	Old       generic.Money         `json:"old_recorded_payment"`
	New       generic.Money         `json:"new_recorded_payment"`
	Status    InvoiceStatus         `json:"status"`
	Balance   generic.Money         `json:"balance"`
	TxID      generic.TransactionID `json:"tx_id,omitempty"`
}

// AdjustRecordedPayment overrides an invoice's recorded_payment.
func (s *Service) AdjustRecordedPayment(ctx context.Context, in AdjustInput) (AdjustResult, error) {
	return s.adjust(ctx, in, generic.AuditRecordedAdjusted)
}

// ReverseRecordedPayment resets recorded_payment to zero.
func (s *Service) ReverseRecordedPayment(ctx context.Context, invoice InvoiceID, reason generic.NonEmpty, actor string) (AdjustResult, error) {
	return s.adjust(ctx, AdjustInput{InvoiceID: invoice, Reason: reason, Actor: actor}, generic.AuditPaymentReversed)
}

func (s *Service) adjust(ctx context.Context, in AdjustInput, action generic.AuditAction) (AdjustResult, error) {
	if !in.Reason.Valid() {
		return AdjustResult{}, generic.Invalid("reason", "required")
	}
	if in.NewAmount < 0 {
		return AdjustResult{}, generic.Invalid("new_amount", "must be non-negative, got %d", in.NewAmount)
	}
	if in.NewAmount > s.maxPayment {
		return AdjustResult{}, generic.Invalid("new_amount", "%d exceeds the maximum of %d", in.NewAmount, s.maxPayment)
	}

	var result AdjustResult
	err := s.retry(ctx, "adjust recorded payment", func() error {
		inv, err := s.store.GetInvoiceByID(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		before := inv
		delta := in.NewAmount - inv.RecordedPayment
		result = AdjustResult{InvoiceID: inv.ID, Old: before.RecordedPayment, New: in.NewAmount}
		if delta == 0 {
			result.Status, result.Balance = inv.Status, inv.Balance()
			return nil
		}

		return s.store.WithTx(ctx, func(tx Store) error {
			var lines []generic.Line
			if delta > 0 {
				lines = []generic.Line{
					generic.Debit(inv.StudentID, generic.AccountCash, delta, inv.Month),
					generic.Credit(inv.StudentID, generic.AccountAR, delta, inv.Month),
				}
			} else {
				entries, err := tx.LoadEntries(ctx, generic.EntryFilter{EntityID: inv.StudentID, Month: inv.Month})
				if err != nil {
					return err
				}
				lines = refundLines(inv.StudentID, inv.Month, -delta, paidByMethod(entries, inv.Month))
			}

			inv.RecordedPayment = in.NewAmount
			inv.UpdatedAt = s.clock.Now()
			inv.Refresh()
			if err := s.updateInvoice(ctx, tx, &inv, before.Version); err != nil {
				return err
			}
			posted, err := generic.NewLedger(tx, s.clock).Post(ctx, generic.Transaction{
				ReferenceID: string(inv.ID),
				Month:       inv.Month,
				Memo:        fmt.Sprintf("%s: %s", action, in.Reason),
				CreatedBy:   in.Actor,
				Lines:       lines,
			})
			if err != nil {
				return err
			}
			if err := s.propagateCarry(ctx, tx, inv.StudentID, inv.Month); err != nil {
				return err
			}
			result.Status, result.Balance, result.TxID = inv.Status, inv.Balance(), posted.ID
			return generic.NewAuditor(tx, s.clock).Record(ctx, "invoice", string(inv.ID), action, in.Actor,
				before, map[string]any{
					"invoice":              inv,
					"old_recorded_payment": before.RecordedPayment,
					"new_recorded_payment": in.NewAmount,
					"reason":               in.Reason.String(),
				})
		})
	})
	if err != nil {
		return AdjustResult{}, err
	}
	return result, nil
}

// refundLines credits the receiving accounts newest first. Anything not
// backed by a ledger receipt is taken from CASH.
func refundLines(student StudentID, month generic.Month, amount generic.Money, paid []methodShare) []generic.Line {
	lines := []generic.Line{generic.Debit(student, generic.AccountAR, amount, month)}
	remaining := amount
	for _, p := range paid {
		if remaining == 0 {
			break
		}
		take := remaining.Min(p.Amount)
		lines = append(lines, generic.Credit(student, p.Code, take, month))
		remaining -= take
	}
	if remaining > 0 {
		lines = append(lines, generic.Credit(student, generic.AccountCash, remaining, month))
	}
	return lines
}
