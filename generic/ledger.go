/*
ledger.go - Append-only double-entry ledger

PURPOSE:
  The Ledger is the immutable record of every movement of money. A payment,
  a write-off, a reversal: each is one Transaction made of balanced Lines.
  Account balances are always derived from entries - there is no stored
  balance that can drift.

CRITICAL INVARIANTS:
  1. BALANCED: For every transaction, sum(debit) == sum(credit)
  2. APPEND-ONLY: No Update, No Delete. EVER.
  3. ATOMIC: All entries of a transaction are written, or none are
  4. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)

ACCOUNTS:
  Accounts are per (entity, code) and created lazily on first posting.
  Creation is an upsert, so two concurrent first postings for the same
  student never produce duplicate accounts.

    AR        Accounts receivable (debit-normal): tuition owed by the student
    CASH      Cash on hand (debit-normal)
    BANK      Bank / card receipts (debit-normal)
    REVENUE   Tuition and contribution revenue (credit-normal)
    CREDIT    Unapplied cash held for future tuition (credit-normal, liability)
    DISCOUNT  Contra-revenue for written-off debt (debit-normal)

CORRECTIONS:
  Mistakes are never edited. Reverse() posts the mirror image of a
  transaction; both remain in the ledger and the net effect is zero.

EXAMPLE FLOW:
  1. Student pays 600,000 cash:   debit CASH 600,000 / credit AR 600,000
  2. Overpaid 50,000 kept:        debit AR 50,000 / credit CREDIT 50,000
  3. Posted to wrong student:     Reverse(tx1) -> debit AR / credit CASH

SEE ALSO:
  - store.go: LedgerStore persistence interface
  - balance.go: Balances and trial balance derived from entries
*/
package generic

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountCode string

const (
	AccountAR       AccountCode = "AR"
	AccountCash     AccountCode = "CASH"
	AccountBank     AccountCode = "BANK"
	AccountRevenue  AccountCode = "REVENUE"
	AccountCredit   AccountCode = "CREDIT"
	AccountDiscount AccountCode = "DISCOUNT"
)

// Valid reports whether c is one of the known account codes.
func (c AccountCode) Valid() bool {
	switch c {
	case AccountAR, AccountCash, AccountBank, AccountRevenue, AccountCredit, AccountDiscount:
		return true
	}
	return false
}

// DebitNormal reports whether debits increase the account's balance.
func (c AccountCode) DebitNormal() bool {
	switch c {
	case AccountAR, AccountCash, AccountBank, AccountDiscount:
		return true
	}
	return false
}

// Account is unique per (EntityID, Code).
type Account struct {
	ID        AccountID
	EntityID  EntityID
	Code      AccountCode
	CreatedAt time.Time
}

// =============================================================================
// TRANSACTION - A balanced set of lines
// =============================================================================

// Line is one side of a posting. Exactly one of Debit/Credit is positive.
type Line struct {
	EntityID EntityID
	Code     AccountCode
	Debit    Money
	Credit   Money
	Month    Month // defaults to the transaction month
	Memo     string
}

// Debit builds a debit line.
func Debit(entity EntityID, code AccountCode, amount Money, month Month) Line {
	return Line{EntityID: entity, Code: code, Debit: amount, Month: month}
}

// Credit builds a credit line.
func Credit(entity EntityID, code AccountCode, amount Money, month Month) Line {
	return Line{EntityID: entity, Code: code, Credit: amount, Month: month}
}

type Transaction struct {
	ID             TransactionID
	IdempotencyKey string
	ReferenceID    string // payment, invoice or settlement this posting belongs to
	OccurredAt     time.Time
	Month          Month
	Memo           string
	CreatedBy      string
	Lines          []Line
}

// Totals returns the debit and credit sums.
func (tx Transaction) Totals() (debit, credit Money) {
	for _, l := range tx.Lines {
		debit += l.Debit
		credit += l.Credit
	}
	return debit, credit
}

// Validate checks the balance invariant and line shape.
func (tx Transaction) Validate() error {
	fail := func(reason string) error {
		d, c := tx.Totals()
		return &UnbalancedTransactionError{TxID: tx.ID, Debit: d, Credit: c, Reason: reason}
	}
	if len(tx.Lines) < 2 {
		return fail("a transaction needs at least two lines")
	}
	for i, l := range tx.Lines {
		if l.EntityID == "" {
			return fail(fmt.Sprintf("line %d has no entity", i))
		}
		if !l.Code.Valid() {
			return fail(fmt.Sprintf("line %d has unknown account %q", i, l.Code))
		}
		if l.Debit < 0 || l.Credit < 0 {
			return fail(fmt.Sprintf("line %d has a negative amount", i))
		}
		if (l.Debit > 0) == (l.Credit > 0) {
			return fail(fmt.Sprintf("line %d must have exactly one of debit or credit", i))
		}
	}
	debit, credit := tx.Totals()
	if debit != credit {
		return &UnbalancedTransactionError{TxID: tx.ID, Debit: debit, Credit: credit}
	}
	return nil
}

// Entry is a persisted line.
type Entry struct {
	ID          string
	TxID        TransactionID
	AccountID   AccountID
	EntityID    EntityID
	Code        AccountCode
	Debit       Money
	Credit      Money
	OccurredAt  time.Time
	Month       Month
	Memo        string
	ReferenceID string
	CreatedBy   string
}

// =============================================================================
// LEDGER - Append-only transaction log
// =============================================================================

// Ledger is the source of truth for all money movement.
//
// INVARIANTS:
//   - Every posted transaction balances.
//   - Append-only: corrections are new postings, never edits.
type Ledger interface {
	// Post validates and atomically writes a transaction. It returns the
	// transaction with its ID and timestamps filled in.
	Post(ctx context.Context, tx Transaction) (Transaction, error)

	// Reverse posts the mirror image of an existing transaction.
	Reverse(ctx context.Context, txID TransactionID, memo, createdBy string) (Transaction, error)

	// Entries returns entries matching the filter in posting order.
	Entries(ctx context.Context, filter EntryFilter) ([]Entry, error)

	// Balance returns the signed balance of one account in its normal side.
	Balance(ctx context.Context, entityID EntityID, code AccountCode) (Money, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using LedgerStore
// =============================================================================

type DefaultLedger struct {
	Store LedgerStore
	Clock Clock
}

func NewLedger(store LedgerStore, clock Clock) *DefaultLedger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &DefaultLedger{Store: store, Clock: clock}
}

func (l *DefaultLedger) Post(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.ID == "" {
		tx.ID = TransactionID(NewID())
	}
	if tx.OccurredAt.IsZero() {
		tx.OccurredAt = l.Clock.Now()
	}
	if tx.Month.IsZero() {
		tx.Month = MonthOf(tx.OccurredAt, l.Clock.Location())
	}
	if err := tx.Validate(); err != nil {
		return Transaction{}, err
	}

	if tx.IdempotencyKey != "" {
		exists, err := l.Store.TransactionExists(ctx, tx.IdempotencyKey)
		if err != nil {
			return Transaction{}, err
		}
		if exists {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
	}

	entries := make([]Entry, 0, len(tx.Lines))
	for i, line := range tx.Lines {
		account, err := l.Store.EnsureAccount(ctx, line.EntityID, line.Code)
		if err != nil {
			return Transaction{}, fmt.Errorf("ensure account %s/%s: %w", line.EntityID, line.Code, err)
		}
		month := line.Month
		if month.IsZero() {
			month = tx.Month
		}
		memo := line.Memo
		if memo == "" {
			memo = tx.Memo
		}
		entries = append(entries, Entry{
			ID:          fmt.Sprintf("%s-%02d", tx.ID, i),
			TxID:        tx.ID,
			AccountID:   account.ID,
			EntityID:    line.EntityID,
			Code:        line.Code,
			Debit:       line.Debit,
			Credit:      line.Credit,
			OccurredAt:  tx.OccurredAt,
			Month:       month,
			Memo:        memo,
			ReferenceID: tx.ReferenceID,
			CreatedBy:   tx.CreatedBy,
		})
	}

	if err := l.Store.AppendTransaction(ctx, tx, entries); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func (l *DefaultLedger) Reverse(ctx context.Context, txID TransactionID, memo, createdBy string) (Transaction, error) {
	entries, err := l.Store.LoadEntries(ctx, EntryFilter{TxID: txID})
	if err != nil {
		return Transaction{}, err
	}
	if len(entries) == 0 {
		return Transaction{}, NotFound("transaction", string(txID))
	}

	reversal := Transaction{
		IdempotencyKey: "reversal-" + string(txID),
		ReferenceID:    string(txID),
		Month:          entries[0].Month,
		Memo:           memo,
		CreatedBy:      createdBy,
	}
	for _, e := range entries {
		reversal.Lines = append(reversal.Lines, Line{
			EntityID: e.EntityID,
			Code:     e.Code,
			Debit:    e.Credit,
			Credit:   e.Debit,
			Month:    e.Month,
		})
	}
	return l.Post(ctx, reversal)
}

func (l *DefaultLedger) Entries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	return l.Store.LoadEntries(ctx, filter)
}

func (l *DefaultLedger) Balance(ctx context.Context, entityID EntityID, code AccountCode) (Money, error) {
	entries, err := l.Store.LoadEntries(ctx, EntryFilter{EntityID: entityID, Code: code})
	if err != nil {
		return 0, err
	}
	return AccountBalanceOf(code, entries), nil
}
