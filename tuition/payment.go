/*
payment.go - Recording payments against invoices

SINGLE-STUDENT PAYMENT:
  RecordPayment(student, month, amount) applies the whole amount to that
  month's invoice, materializing it from the draft if needed. Overpayment
  is allowed: the invoice goes to status "credit" and the credit rolls
  forward as carry-out.

  Per payment, in one store transaction:
    - invoice CAS update (or creation)
    - Payment row + one PaymentAllocation row
    - ledger: debit CASH|BANK, credit AR
    - carry-out propagated to later months
    - audit entry

IDEMPOTENCY:
  A caller-supplied idempotency key is unique across payments. Replaying a
  key returns the stored outcome with Duplicate = true and writes nothing.

SEE ALSO:
  - family.go: Multi-student payments and leftovers
  - generic/allocation.go: Strategies used by family payments
*/
package tuition

import (
	"context"
	"errors"
	"time"

	"github.com/warp/billing-engine/generic"
)

// =============================================================================
// RECORDS
// =============================================================================

type LeftoverHandling string

const (
	// LeftoverHeld is unclassified leftover, held as unapplied credit until
	// ClassifyLeftover closes it.
	LeftoverHeld      LeftoverHandling = "held"
	LeftoverUnapplied LeftoverHandling = "unapplied_cash"
	LeftoverVoluntary LeftoverHandling = "voluntary_contribution"
)

// ParseLeftoverHandling maps the empty string to LeftoverHeld.
func ParseLeftoverHandling(s string) (LeftoverHandling, error) {
	switch h := LeftoverHandling(s); h {
	case "", LeftoverHeld:
		return LeftoverHeld, nil
	case LeftoverUnapplied, LeftoverVoluntary:
		return h, nil
	}
	return "", generic.Invalid("leftover_handling", "unknown leftover handling %q", s)
}

// Payment is an immutable receipt.
type Payment struct {
	ID               PaymentID              `json:"id"`
	IdempotencyKey   string                 `json:"idempotency_key,omitempty"`
	FamilyID         FamilyID               `json:"family_id,omitempty"`
	StudentIDs       []StudentID            `json:"student_ids"`
	Amount           generic.Money          `json:"amount"`
	Method           PaymentMethod          `json:"method"`
	OccurredAt       time.Time              `json:"occurred_at"`
	Month            generic.Month          `json:"month"`
	Mode             generic.AllocationMode `json:"mode"`
	LeftoverHandling LeftoverHandling       `json:"leftover_handling"`
	ConsentGiven     bool                   `json:"consent_given"`
	ApproverName     string                 `json:"approver_name,omitempty"`
	Memo             string                 `json:"memo,omitempty"`
	CreatedBy        string                 `json:"created_by"`
	CreatedAt        time.Time              `json:"created_at"`
}

// IsFamily reports whether this is a multi-student family payment.
func (p Payment) IsFamily() bool { return p.FamilyID != "" }

// InvoiceApplication is the cash applied to one invoice.
type InvoiceApplication struct {
	InvoiceID InvoiceID     `json:"invoice_id"`
	Month     generic.Month `json:"month"`
	Amount    generic.Money `json:"amount"`
}

// PaymentAllocation is one student's share of a payment.
type PaymentAllocation struct {
	ID        string                `json:"id"`
	PaymentID PaymentID             `json:"payment_id"`
	StudentID StudentID             `json:"student_id"`
	Amount    generic.Money         `json:"allocated_amount"`
	Order     int                   `json:"allocation_order"`
	TxID      generic.TransactionID `json:"tx_id"`
	Applied   []InvoiceApplication  `json:"applied"`
	CreatedAt time.Time             `json:"created_at"`
}

type LeftoverSource string

const (
	SourceUnallocated LeftoverSource = "unallocated"
	// SourceFailedAllocation is a student share that could not be posted.
	SourceFailedAllocation LeftoverSource = "failed_allocation"
)

// PaymentLeftover records how unallocated cash was booked. Rows are
// append-only; reclassifying held cash adds a row with Reclassified set.
type PaymentLeftover struct {
	ID           string                `json:"id"`
	PaymentID    PaymentID             `json:"payment_id"`
	StudentID    StudentID             `json:"student_id"`
	Amount       generic.Money         `json:"amount"`
	Handling     LeftoverHandling      `json:"handling"`
	Source       LeftoverSource        `json:"source"`
	FailedFor    StudentID             `json:"failed_for,omitempty"` // failed share booked on another student
	Reclassified bool                  `json:"reclassified"`
	TxID         generic.TransactionID `json:"tx_id,omitempty"`
	ConsentGiven bool                  `json:"consent_given"`
	ApproverName string                `json:"approver_name,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	CreatedBy    string                `json:"created_by"`
	CreatedAt    time.Time             `json:"created_at"`
}

// LeftoverSummary folds a payment's leftover rows.
type LeftoverSummary struct {
	PaymentID PaymentID     `json:"payment_id"`
	Total     generic.Money `json:"total"`
	Held      generic.Money `json:"held"`
	Unapplied generic.Money `json:"unapplied"`
	Voluntary generic.Money `json:"voluntary"`
	Closed    bool          `json:"closed"`
}

// SummarizeLeftovers computes totals. The payment is closed when nothing
// is held.
func SummarizeLeftovers(payment PaymentID, rows []PaymentLeftover) LeftoverSummary {
	sum := LeftoverSummary{PaymentID: payment}
	for _, r := range rows {
		if r.Reclassified {
			sum.Held -= r.Amount
		} else {
			sum.Total += r.Amount
		}
		switch r.Handling {
		case LeftoverHeld:
			sum.Held += r.Amount
		case LeftoverUnapplied:
			sum.Unapplied += r.Amount
		case LeftoverVoluntary:
			sum.Voluntary += r.Amount
		}
	}
	sum.Closed = sum.Held == 0
	return sum
}

// =============================================================================
// SINGLE-STUDENT PAYMENT
// =============================================================================

type RecordPaymentInput struct {
	StudentID      StudentID
	Month          generic.Month // defaults to the month of OccurredAt
	Amount         generic.Money
	OccurredAt     time.Time
	Method         PaymentMethod
	Memo           string
	Actor          string
	IdempotencyKey string
}

type PaymentResult struct {
	PaymentID  PaymentID     `json:"payment_id"`
	InvoiceID  InvoiceID     `json:"invoice_id"`
	Status     InvoiceStatus `json:"status"`
	NewBalance generic.Money `json:"new_balance"`
	Duplicate  bool          `json:"duplicate"`
}

func (s *Service) RecordPayment(ctx context.Context, in RecordPaymentInput) (PaymentResult, error) {
	if err := s.validateAmount(in.Amount); err != nil {
		return PaymentResult{}, err
	}
	method, err := ParsePaymentMethod(string(in.Method))
	if err != nil {
		return PaymentResult{}, err
	}
	if in.StudentID == "" {
		return PaymentResult{}, generic.Invalid("student_id", "required")
	}
	if _, err := s.store.GetStudent(ctx, in.StudentID); err != nil {
		return PaymentResult{}, err
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = s.clock.Now()
	}
	if in.Month.IsZero() {
		in.Month = generic.MonthOf(in.OccurredAt, s.clock.Location())
	} else if _, err := generic.ParseMonth(in.Month.String()); err != nil {
		return PaymentResult{}, err
	}

	if in.IdempotencyKey != "" {
		if res, ok, err := s.replayPayment(ctx, in.IdempotencyKey); err != nil || ok {
			return res, err
		}
	}

	payment := Payment{
		ID:               PaymentID(generic.NewID()),
		IdempotencyKey:   in.IdempotencyKey,
		StudentIDs:       []StudentID{in.StudentID},
		Amount:           in.Amount,
		Method:           method,
		OccurredAt:       in.OccurredAt,
		Month:            in.Month,
		Mode:             generic.ModeOldestFirst,
		LeftoverHandling: LeftoverHeld,
		Memo:             in.Memo,
		CreatedBy:        in.Actor,
		CreatedAt:        s.clock.Now(),
	}

	var result PaymentResult
	err = s.retry(ctx, "record payment", func() error {
		st, err := s.calc.State(ctx, in.StudentID, in.Month)
		if err != nil {
			return err
		}
		return s.store.WithTx(ctx, func(tx Store) error {
			if err := tx.SavePayment(ctx, payment); err != nil {
				return err
			}
			inv, err := s.applyPayment(ctx, tx, st, payment.Amount, in.Actor)
			if err != nil {
				return err
			}
			posted, err := generic.NewLedger(tx, s.clock).Post(ctx, generic.Transaction{
				IdempotencyKey: "payment-" + string(payment.ID),
				ReferenceID:    string(payment.ID),
				OccurredAt:     payment.OccurredAt,
				Month:          in.Month,
				Memo:           paymentMemo(payment),
				CreatedBy:      in.Actor,
				Lines: []generic.Line{
					generic.Debit(in.StudentID, method.Account(), payment.Amount, in.Month),
					generic.Credit(in.StudentID, generic.AccountAR, payment.Amount, in.Month),
				},
			})
			if err != nil {
				return err
			}
			if err := tx.SaveAllocation(ctx, PaymentAllocation{
				ID:        generic.NewID(),
				PaymentID: payment.ID,
				StudentID: in.StudentID,
				Amount:    payment.Amount,
				Order:     1,
				TxID:      posted.ID,
				Applied:   []InvoiceApplication{{InvoiceID: inv.ID, Month: inv.Month, Amount: payment.Amount}},
				CreatedAt: s.clock.Now(),
			}); err != nil {
				return err
			}
			if err := s.propagateCarry(ctx, tx, in.StudentID, in.Month); err != nil {
				return err
			}
			result = PaymentResult{PaymentID: payment.ID, InvoiceID: inv.ID, Status: inv.Status, NewBalance: inv.Balance()}
			return generic.NewAuditor(tx, s.clock).Record(ctx, "payment", string(payment.ID),
				generic.AuditPaymentRecorded, in.Actor, nil, map[string]any{
					"student_id":       in.StudentID,
					"month":            in.Month,
					"amount":           payment.Amount,
					"method":           method,
					"invoice_id":       inv.ID,
					"recorded_payment": inv.RecordedPayment,
					"status":           inv.Status,
				})
		})
	})
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) && in.IdempotencyKey != "" {
		res, ok, rerr := s.replayPayment(ctx, in.IdempotencyKey)
		if rerr == nil && ok {
			return res, nil
		}
	}
	if err != nil {
		return PaymentResult{}, err
	}
	return result, nil
}

// applyPayment adds amount to the invoice behind st, creating it from the
// draft when it does not exist yet. The invoice is returned as written.
func (s *Service) applyPayment(ctx context.Context, tx Store, st InvoiceState, amount generic.Money, actor string) (Invoice, error) {
	switch v := st.(type) {
	case Draft:
		p := Materialize(v, NewInvoiceID(), s.clock.Now())
		p.RecordedPayment += amount
		p.Refresh()
		if err := s.createInvoice(ctx, tx, p.Invoice, actor, generic.AuditInvoiceMaterialized); err != nil {
			return Invoice{}, err
		}
		return p.Invoice, nil
	case Persisted:
		inv := v.Invoice
		expected := inv.Version
		inv.RecordedPayment += amount
		inv.UpdatedAt = s.clock.Now()
		inv.Refresh()
		if err := s.updateInvoice(ctx, tx, &inv, expected); err != nil {
			return Invoice{}, err
		}
		return inv, nil
	}
	return Invoice{}, errors.New("unknown invoice state")
}

func (s *Service) replayPayment(ctx context.Context, key string) (PaymentResult, bool, error) {
	p, err := s.store.GetPaymentByKey(ctx, key)
	if isNotFound(err) {
		return PaymentResult{}, false, nil
	}
	if err != nil {
		return PaymentResult{}, false, err
	}
	if p.IsFamily() || len(p.StudentIDs) != 1 {
		return PaymentResult{}, false, generic.Invalid("idempotency_key", "%q belongs to a family payment", key)
	}
	inv, err := s.store.GetInvoice(ctx, p.StudentIDs[0], p.Month)
	if err != nil {
		return PaymentResult{}, false, err
	}
	return PaymentResult{
		PaymentID:  p.ID,
		InvoiceID:  inv.ID,
		Status:     inv.Status,
		NewBalance: inv.Balance(),
		Duplicate:  true,
	}, true, nil
}

func (s *Service) validateAmount(amount generic.Money) error {
	if amount <= 0 {
		return generic.Invalid("amount", "must be positive, got %d", amount)
	}
	if amount > s.maxPayment {
		return generic.Invalid("amount", "%d exceeds the maximum of %d", amount, s.maxPayment)
	}
	return nil
}

func paymentMemo(p Payment) string {
	if p.Memo != "" {
		return p.Memo
	}
	return "payment " + string(p.ID)
}
