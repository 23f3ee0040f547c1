/*
service.go - The billing engine entry point

PURPOSE:
  Service wires the calculator, sibling resolver, ledger and auditor
  around one Store and exposes the engine operations:

    CalculateInvoice        draft for (student, month), no writes
    IssueInvoice            materialize the draft as an issued invoice
    RecalculateInvoice      refresh a persisted invoice from current facts
    RecordPayment           single student, single month
    RecordFamilyPayment     one payment across several students
    ClassifyLeftover        close a family payment's unclassified leftover
    SettleBill              write off debt / dispose of credit
    AdjustRecordedPayment   administrative override of recorded_payment
    ReverseRecordedPayment  override to zero
    SiblingDiscountState    current sibling state for (family, month)

CHARGES:
  An invoice's billed amount before write-offs (total + settlement
  discount) is carried in the ledger as debit AR / credit REVENUE. It is
  posted when the invoice is created and the difference is posted when a
  recalculation changes it. Write-offs then credit AR through DISCOUNT,
  so AR for a month always equals the invoice balance.

UNIT OF WORK:
  Each money-moving step runs in Store.WithTx. Inside the callback a
  ledger and an auditor are built on the transaction-scoped store, so the
  invoice update, the posting and the audit row commit together or not at
  all.

OPTIMISTIC CONCURRENCY:
  Invoice state is read outside the transaction. The write carries the
  version it read; a mismatch aborts the transaction with a ConflictError
  and the operation is recomputed from fresh state, up to MaxRetries.
*/
package tuition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/generic"
)

const (
	DefaultMaxRetries = 5
	// DefaultMaxPayment rejects obviously mistyped amounts.
	DefaultMaxPayment generic.Money = 1_000_000_000_000
)

// DefaultSiblingPercent is applied when Options leaves it zero.
var DefaultSiblingPercent = decimal.NewFromInt(20)

type Options struct {
	Clock          generic.Clock
	SiblingPolicy  WinnerPolicy
	SiblingPercent decimal.Decimal
	MaxPayment     generic.Money
	MaxRetries     int
	Logger         *slog.Logger
}

type Service struct {
	store      Store
	clock      generic.Clock
	calc       *Calculator
	siblings   *SiblingResolver
	maxPayment generic.Money
	maxRetries int
	log        *slog.Logger
}

func NewService(store Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = generic.SystemClock{}
	}
	if opts.SiblingPercent.IsZero() {
		opts.SiblingPercent = DefaultSiblingPercent
	}
	if opts.MaxPayment <= 0 {
		opts.MaxPayment = DefaultMaxPayment
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	siblings := NewSiblingResolver(store, opts.SiblingPolicy, opts.SiblingPercent, opts.Clock)
	return &Service{
		store:      store,
		clock:      opts.Clock,
		calc:       NewCalculator(store, siblings, opts.Clock),
		siblings:   siblings,
		maxPayment: opts.MaxPayment,
		maxRetries: opts.MaxRetries,
		log:        opts.Logger,
	}
}

func (s *Service) Store() Store                   { return s.store }
func (s *Service) Clock() generic.Clock           { return s.clock }
func (s *Service) Siblings() *SiblingResolver     { return s.siblings }
func (s *Service) Ledger() *generic.DefaultLedger { return generic.NewLedger(s.store, s.clock) }

// =============================================================================
// INVOICES
// =============================================================================

// CalculateInvoice returns the draft for (student, month). Pure read.
func (s *Service) CalculateInvoice(ctx context.Context, student StudentID, month generic.Month) (InvoiceDraft, error) {
	return s.calc.Calculate(ctx, student, month)
}

// InvoiceState returns the persisted invoice or the draft.
func (s *Service) InvoiceState(ctx context.Context, student StudentID, month generic.Month) (InvoiceState, error) {
	return s.calc.State(ctx, student, month)
}

// IssueInvoice materializes the month's invoice. Issuing an already
// persisted invoice returns it unchanged.
func (s *Service) IssueInvoice(ctx context.Context, student StudentID, month generic.Month, actor string) (Invoice, error) {
	var issued Invoice
	err := s.retry(ctx, "issue invoice", func() error {
		st, err := s.calc.State(ctx, student, month)
		if err != nil {
			return err
		}
		if p, ok := st.(Persisted); ok {
			issued = p.Invoice
			return nil
		}
		return s.store.WithTx(ctx, func(tx Store) error {
			inv, err := s.materialize(ctx, tx, st.(Draft), actor, generic.AuditInvoiceIssued)
			issued = inv
			return err
		})
	})
	return issued, err
}

// RecalculateInvoice refreshes a persisted invoice's computed fields from
// the current facts. Payments and settlements are kept.
func (s *Service) RecalculateInvoice(ctx context.Context, student StudentID, month generic.Month, actor string) (Invoice, error) {
	var result Invoice
	err := s.retry(ctx, "recalculate invoice", func() error {
		inv, err := s.store.GetInvoice(ctx, student, month)
		if err != nil {
			return err
		}
		draft, err := s.calc.Calculate(ctx, student, month)
		if err != nil {
			return err
		}
		before := inv
		inv.ApplyDraft(draft)
		delta := charged(inv) - charged(before)
		if sameComputed(before, inv) {
			result = inv
			return nil
		}
		inv.UpdatedAt = s.clock.Now()
		return s.store.WithTx(ctx, func(tx Store) error {
			if err := s.updateInvoice(ctx, tx, &inv, before.Version); err != nil {
				return err
			}
			if err := s.postCharge(ctx, tx, inv, delta, actor); err != nil {
				return err
			}
			if err := s.propagateCarry(ctx, tx, student, month); err != nil {
				return err
			}
			result = inv
			return generic.NewAuditor(tx, s.clock).Record(ctx, "invoice", string(inv.ID),
				generic.AuditInvoiceRecalculated, actor, before, inv)
		})
	})
	return result, err
}

// SiblingDiscountState returns the state the calculator would use now.
func (s *Service) SiblingDiscountState(ctx context.Context, family FamilyID, month generic.Month) (SiblingDiscountState, error) {
	return s.siblings.Compute(ctx, family, month)
}

// =============================================================================
// SHARED STEPS
// =============================================================================

// retry runs op until it succeeds, fails with a non-conflict error, or
// exhausts the retry budget.
func (s *Service) retry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = op()
		if err == nil || !generic.IsRetryable(err) {
			return err
		}
		s.log.Debug("optimistic conflict, retrying", "op", what, "attempt", attempt, "error", err)
	}
	return err
}

// materialize writes a draft as a new invoice inside tx. The family's
// sibling state that shaped the draft is persisted alongside.
func (s *Service) materialize(ctx context.Context, tx Store, d Draft, actor string, action generic.AuditAction) (Invoice, error) {
	p := Materialize(d, NewInvoiceID(), s.clock.Now())
	if err := s.createInvoice(ctx, tx, p.Invoice, actor, action); err != nil {
		return Invoice{}, err
	}
	return p.Invoice, nil
}

func (s *Service) createInvoice(ctx context.Context, tx Store, inv Invoice, actor string, action generic.AuditAction) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	student, err := tx.GetStudent(ctx, inv.StudentID)
	if err != nil {
		return err
	}
	if student.FamilyID != "" {
		if _, err := s.siblings.withStore(tx).Resolve(ctx, student.FamilyID, inv.Month, actor); err != nil {
			return err
		}
	}
	if err := tx.CreateInvoice(ctx, inv); err != nil {
		return err
	}
	if err := s.postCharge(ctx, tx, inv, charged(inv), actor); err != nil {
		return err
	}
	return generic.NewAuditor(tx, s.clock).Record(ctx, "invoice", string(inv.ID), action, actor, nil, inv)
}

// charged is what the invoice bills before write-offs.
func charged(inv Invoice) generic.Money { return inv.TotalAmount + inv.SettlementDiscount }

// postCharge books a change of delta in inv's billed amount. A negative
// delta reverses part of an earlier charge.
func (s *Service) postCharge(ctx context.Context, tx Store, inv Invoice, delta generic.Money, actor string) error {
	if delta == 0 {
		return nil
	}
	debit, credit, amount := generic.AccountAR, generic.AccountRevenue, delta
	if delta < 0 {
		debit, credit, amount = credit, debit, -delta
	}
	_, err := generic.NewLedger(tx, s.clock).Post(ctx, generic.Transaction{
		IdempotencyKey: fmt.Sprintf("charge-%s-v%d", inv.ID, inv.Version),
		ReferenceID:    string(inv.ID),
		OccurredAt:     s.clock.Now(),
		Month:          inv.Month,
		Memo:           fmt.Sprintf("tuition %s %s", inv.StudentID, inv.Month),
		CreatedBy:      actor,
		Lines: []generic.Line{
			generic.Debit(inv.StudentID, debit, amount, inv.Month),
			generic.Credit(inv.StudentID, credit, amount, inv.Month),
		},
	})
	return err
}

// updateInvoice CAS-writes inv and advances its version in place.
func (s *Service) updateInvoice(ctx context.Context, tx Store, inv *Invoice, expected int64) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	if err := tx.UpdateInvoice(ctx, *inv, expected); err != nil {
		return err
	}
	inv.Version = expected + 1
	return nil
}

// propagateCarry rolls carry-out forward into every later persisted month
// of the student.
func (s *Service) propagateCarry(ctx context.Context, tx Store, student StudentID, from generic.Month) error {
	invoices, err := tx.ListInvoices(ctx, student)
	if err != nil {
		return err
	}
	byMonth := make(map[generic.Month]*Invoice, len(invoices))
	for i := range invoices {
		byMonth[invoices[i].Month] = &invoices[i]
	}
	for i := range invoices {
		inv := &invoices[i]
		if !inv.Month.After(from) {
			continue
		}
		before := *inv
		inv.SetCarryIn(byMonth[inv.Month.Prev()])
		if before.CarryInCredit == inv.CarryInCredit && before.CarryInDebt == inv.CarryInDebt &&
			before.CarryOutCredit == inv.CarryOutCredit && before.CarryOutDebt == inv.CarryOutDebt &&
			before.Status == inv.Status {
			continue
		}
		inv.UpdatedAt = s.clock.Now()
		if err := s.updateInvoice(ctx, tx, inv, before.Version); err != nil {
			return err
		}
	}
	return nil
}

// methodShare is the net cash a student paid for a month through one
// receiving account.
type methodShare struct {
	Code   generic.AccountCode
	Amount generic.Money
}

// paidByMethod derives, from the ledger, how a student's recorded payments
// for month were received. Newest receiving account first.
func paidByMethod(entries []generic.Entry, month generic.Month) []methodShare {
	type txInfo struct {
		hasAR bool
		cash  map[generic.AccountCode]generic.Money
	}
	var order []generic.TransactionID
	txs := map[generic.TransactionID]*txInfo{}
	for _, e := range entries {
		if e.Month != month {
			continue
		}
		info, ok := txs[e.TxID]
		if !ok {
			info = &txInfo{cash: map[generic.AccountCode]generic.Money{}}
			txs[e.TxID] = info
			order = append(order, e.TxID)
		}
		switch e.Code {
		case generic.AccountAR:
			info.hasAR = true
		case generic.AccountCash, generic.AccountBank:
			info.cash[e.Code] += e.Debit - e.Credit
		}
	}

	net := map[generic.AccountCode]generic.Money{}
	var codes []generic.AccountCode
	for i := len(order) - 1; i >= 0; i-- {
		info := txs[order[i]]
		if !info.hasAR {
			continue
		}
		for _, code := range []generic.AccountCode{generic.AccountBank, generic.AccountCash} {
			amt, ok := info.cash[code]
			if !ok {
				continue
			}
			if _, seen := net[code]; !seen {
				codes = append(codes, code)
			}
			net[code] += amt
		}
	}
	var out []methodShare
	for _, code := range codes {
		if net[code] > 0 {
			out = append(out, methodShare{Code: code, Amount: net[code]})
		}
	}
	return out
}

// sameComputed compares everything ApplyDraft and Refresh can change.
func sameComputed(a, b Invoice) bool {
	if len(a.Lines) != len(b.Lines) {
		return false
	}
	for i := range a.Lines {
		if a.Lines[i] != b.Lines[i] {
			return false
		}
	}
	return a.BaseAmount == b.BaseAmount &&
		a.DiscountAmount == b.DiscountAmount &&
		a.TotalAmount == b.TotalAmount &&
		a.CarryInCredit == b.CarryInCredit &&
		a.CarryInDebt == b.CarryInDebt &&
		a.CarryOutCredit == b.CarryOutCredit &&
		a.CarryOutDebt == b.CarryOutDebt &&
		a.Status == b.Status
}

func isNotFound(err error) bool { return errors.Is(err, generic.ErrNotFound) }
