/*
Package storetest is the behavioral contract every tuition.Store must meet.

PURPOSE:
  The memory and SQLite stores are interchangeable behind tuition.Store.
  Run exercises both against the same expectations so the service can rely
  on identical CAS, idempotency and rollback behavior from either one.

USAGE:
  func TestContract(t *testing.T) {
      storetest.Run(t, func(t *testing.T) tuition.Store { return memory.New() })
  }
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/tuition"
)

// Factory returns an empty store.
type Factory func(t *testing.T) tuition.Store

var (
	jan = generic.MustMonth("2024-01")
	feb = generic.MustMonth("2024-02")
)

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, tuition.Store)
	}{
		{"Facts", testFacts},
		{"SessionsHalfOpenRange", testSessionsHalfOpenRange},
		{"CreateInvoiceRejectsDuplicateMonth", testCreateInvoiceDuplicate},
		{"UpdateInvoiceCompareAndSwap", testUpdateInvoiceCAS},
		{"ListInvoicesOldestFirst", testListInvoicesOrder},
		{"SiblingStateUpsert", testSiblingState},
		{"PaymentIdempotencyKey", testPaymentKey},
		{"AllocationsAndLeftovers", testAllocationsAndLeftovers},
		{"LedgerAppendAndFilter", testLedger},
		{"LedgerDuplicateKey", testLedgerDuplicateKey},
		{"AuditQuery", testAudit},
		{"WithTxCommits", testWithTxCommits},
		{"WithTxRollsBack", testWithTxRollsBack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func at(month generic.Month, day int) time.Time {
	return generic.Date(month.Year(), month.Month(), day, time.UTC)
}

func sampleInvoice(id tuition.InvoiceID, student tuition.StudentID, month generic.Month) tuition.Invoice {
	inv := tuition.Invoice{
		ID:        id,
		StudentID: student,
		Month:     month,
		Lines: []tuition.InvoiceLine{{
			EnrollmentID: "e1", ClassID: "c1", Sessions: 8,
			BaseAmount: 1_600_000, EnrollmentDiscount: 160_000, Amount: 1_440_000,
		}},
		BaseAmount:     1_600_000,
		DiscountAmount: 160_000,
		TotalAmount:    1_440_000,
		CreatedAt:      at(month, 1),
		UpdatedAt:      at(month, 1),
	}
	inv.Refresh()
	return inv
}

// =============================================================================
// FACTS
// =============================================================================

func testFacts(t *testing.T, s tuition.Store) {
	ctx := context.Background()
	end := at(feb, 15)
	rate := generic.Money(150_000)

	require.NoError(t, s.SaveStudent(ctx, tuition.Student{ID: "s2", Name: "Binh", FamilyID: "f1", IsActive: true}))
	require.NoError(t, s.SaveStudent(ctx, tuition.Student{ID: "s1", Name: "An", FamilyID: "f1", IsActive: true}))
	require.NoError(t, s.SaveStudent(ctx, tuition.Student{ID: "s3", Name: "Chi", FamilyID: "f2"}))
	require.NoError(t, s.SaveClass(ctx, tuition.Class{ID: "c1", Name: "Piano", Rate: 200_000, ScheduleDays: []time.Weekday{time.Monday, time.Thursday}}))
	require.NoError(t, s.SaveEnrollment(ctx, tuition.Enrollment{
		ID: "e2", StudentID: "s1", ClassID: "c1", StartDate: at(jan, 10), EndDate: &end,
		Discount:     &tuition.Discount{Type: tuition.DiscountPercent, Value: decimal.NewFromInt(10), Cadence: tuition.CadenceMonthly},
		AllowedDays:  []time.Weekday{time.Monday},
		RateOverride: &rate,
	}))
	require.NoError(t, s.SaveEnrollment(ctx, tuition.Enrollment{ID: "e1", StudentID: "s1", ClassID: "c1", StartDate: at(jan, 1)}))

	st, err := s.GetStudent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "An", st.Name)
	assert.True(t, st.IsActive)

	_, err = s.GetStudent(ctx, "missing")
	assert.True(t, generic.IsNotFound(err))

	family, err := s.ListFamilyStudents(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, family, 2)
	assert.Equal(t, tuition.StudentID("s1"), family[0].ID)

	class, err := s.GetClass(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Monday, time.Thursday}, class.ScheduleDays)

	_, err = s.GetClass(ctx, "missing")
	assert.True(t, generic.IsNotFound(err))

	enrollments, err := s.ListEnrollments(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, enrollments, 2)
	assert.Equal(t, tuition.EnrollmentID("e1"), enrollments[0].ID, "ordered by start date")
	e2 := enrollments[1]
	require.NotNil(t, e2.EndDate)
	assert.True(t, e2.EndDate.Equal(end))
	require.NotNil(t, e2.Discount)
	assert.True(t, e2.Discount.Value.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, []time.Weekday{time.Monday}, e2.AllowedDays)
	require.NotNil(t, e2.RateOverride)
	assert.Equal(t, rate, *e2.RateOverride)

	err = s.SaveEnrollment(ctx, tuition.Enrollment{ID: "bad", StudentID: "s1", ClassID: "c1"})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func testSessionsHalfOpenRange(t *testing.T, s tuition.Store) {
	ctx := context.Background()
	for _, sess := range []tuition.Session{
		{ID: "x3", ClassID: "c1", Date: at(jan, 31), Status: tuition.SessionHeld},
		{ID: "x1", ClassID: "c1", Date: at(jan, 1), Status: tuition.SessionHeld},
		{ID: "x2", ClassID: "c1", Date: at(jan, 15), Status: tuition.SessionCanceled},
		{ID: "x4", ClassID: "c1", Date: at(feb, 1), Status: tuition.SessionHeld},
		{ID: "y1", ClassID: "c2", Date: at(jan, 2), Status: tuition.SessionHeld},
	} {
		require.NoError(t, s.SaveSession(ctx, sess))
	}

	got, err := s.ListSessions(ctx, "c1", at(jan, 1), at(feb, 1))
	require.NoError(t, err)

	var ids []tuition.SessionID
	for _, sess := range got {
		ids = append(ids, sess.ID)
	}
	assert.Equal(t, []tuition.SessionID{"x1", "x2", "x3"}, ids)
	assert.Equal(t, tuition.SessionCanceled, got[1].Status)
}

// =============================================================================
// INVOICES
// =============================================================================

func testCreateInvoiceDuplicate(t *testing.T, s tuition.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateInvoice(ctx, sampleInvoice("i1", "s1", jan)))

	stored, err := s.GetInvoice(ctx, "s1", jan)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, generic.Money(1_440_000), stored.TotalAmount)
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, 8, stored.Lines[0].Sessions)

	err = s.CreateInvoice(ctx, sampleInvoice("i2", "s1", jan))
	var conflict *generic.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, generic.ErrConflict)

	_, err = s.GetInvoice(ctx, "s1", feb)
	assert.True(t, generic.IsNotFound(err))
}

func testUpdateInvoiceCAS(t *testing.T, s tuition.Store) {
	// GIVEN: An invoice at version 1
	// WHEN: Two writers both read version 1 and update
	// THEN: The first wins (version 2), the second gets a ConflictError

	ctx := context.Background()
	require.NoError(t, s.CreateInvoice(ctx, sampleInvoice("i1", "s1", jan)))

	first, err := s.GetInvoiceByID(ctx, "i1")
	require.NoError(t, err)
	second := first

	first.RecordedPayment = 600_000
	first.Refresh()
	require.NoError(t, s.UpdateInvoice(ctx, first, 1))

	second.RecordedPayment = 100_000
	err = s.UpdateInvoice(ctx, second, 1)
	var conflict *generic.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)
	assert.True(t, generic.IsRetryable(err))

	stored, err := s.GetInvoiceByID(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, generic.Money(600_000), stored.RecordedPayment)
	assert.Equal(t, tuition.StatusPartial, stored.Status)

	missing := sampleInvoice("nope", "s1", feb)
	assert.True(t, generic.IsNotFound(s.UpdateInvoice(ctx, missing, 1)))
}

func testListInvoicesOrder(t *testing.T, s tuition.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateInvoice(ctx, sampleInvoice("i2", "s1", feb)))
	require.NoError(t, s.CreateInvoice(ctx, sampleInvoice("i1", "s1", jan)))
	require.NoError(t, s.CreateInvoice(ctx, sampleInvoice("i3", "s2", jan)))

	list, err := s.ListInvoices(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, jan, list[0].Month)
	assert.Equal(t, feb, list[1].Month)
}

func testSiblingState(t *testing.T, s tuition.Store) {
	ctx := context.Background()
	_, err := s.GetSiblingState(ctx, "f1", jan)
	assert.True(t, generic.IsNotFound(err))

	state := tuition.SiblingDiscountState{
		FamilyID:        "f1",
		Month:           jan,
		Status:          tuition.SiblingAssigned,
		WinnerStudentID: "s1",
		SiblingPercent:  decimal.NewFromInt(20),
		Reason:          "earliest enrollment",
		Policy:          "earliest_enrollment",
		UpdatedAt:       at(jan, 1),
	}
	require.NoError(t, s.SaveSiblingState(ctx, state))

	state.WinnerStudentID, state.Manual = "s2", true
	require.NoError(t, s.SaveSiblingState(ctx, state))

	stored, err := s.GetSiblingState(ctx, "f1", jan)
	require.NoError(t, err)
	assert.Equal(t, tuition.StudentID("s2"), stored.WinnerStudentID)
	assert.True(t, stored.Manual)
	assert.True(t, stored.SiblingPercent.Equal(decimal.NewFromInt(20)))
}

// =============================================================================
// PAYMENTS
// =============================================================================

func testPaymentKey(t *testing.T, s tuition.Store) {
	ctx := context.Background()
	p := tuition.Payment{
		ID:             "p1",
		IdempotencyKey: "k1",
		FamilyID:       "f1",
		StudentIDs:     []tuition.StudentID{"s1", "s2"},
		Amount:         1_000_000,
		Method:         tuition.MethodBank,
		OccurredAt:     at(jan, 5),
		Month:          jan,
		Mode:           generic.ModeOldestFirst,
		CreatedAt:      at(jan, 5),
	}
	require.NoError(t, s.SavePayment(ctx, p))

	byKey, err := s.GetPaymentByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, tuition.PaymentID("p1"), byKey.ID)
	assert.Equal(t, []tuition.StudentID{"s1", "s2"}, byKey.StudentIDs)
	assert.True(t, byKey.IsFamily())

	dup := p
	dup.ID = "p2"
	assert.ErrorIs(t, s.SavePayment(ctx, dup), generic.ErrDuplicateIdempotencyKey)

	// Payments without a key never collide.
	require.NoError(t, s.SavePayment(ctx, tuition.Payment{ID: "p3", StudentIDs: []tuition.StudentID{"s1"}, Amount: 1, Method: tuition.MethodCash, Month: jan}))
	require.NoError(t, s.SavePayment(ctx, tuition.Payment{ID: "p4", StudentIDs: []tuition.StudentID{"s1"}, Amount: 1, Method: tuition.MethodCash, Month: jan}))

	_, err = s.GetPaymentByKey(ctx, "unknown")
	assert.True(t, generic.IsNotFound(err))
}

func testAllocationsAndLeftovers(t *testing.T, s tuition.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveAllocation(ctx, tuition.PaymentAllocation{
		ID: "a1", PaymentID: "p1", StudentID: "s1", Amount: 600_000, Order: 1, TxID: "t1",
		Applied: []tuition.InvoiceApplication{{InvoiceID: "i1", Month: jan, Amount: 600_000}},
	}))
	require.NoError(t, s.SaveAllocation(ctx, tuition.PaymentAllocation{ID: "a2", PaymentID: "p1", StudentID: "s2", Amount: 400_000, Order: 2, TxID: "t2"}))
	require.NoError(t, s.SaveAllocation(ctx, tuition.PaymentAllocation{ID: "a3", PaymentID: "p2", StudentID: "s1", Amount: 1, Order: 1, TxID: "t3"}))

	byPayment, err := s.ListAllocations(ctx, tuition.AllocationFilter{PaymentID: "p1"})
	require.NoError(t, err)
	require.Len(t, byPayment, 2)
	assert.Equal(t, 1, byPayment[0].Order)
	require.Len(t, byPayment[0].Applied, 1)
	assert.Equal(t, tuition.InvoiceID("i1"), byPayment[0].Applied[0].InvoiceID)

	byStudent, err := s.ListAllocations(ctx, tuition.AllocationFilter{StudentID: "s1"})
	require.NoError(t, err)
	assert.Len(t, byStudent, 2)

	require.NoError(t, s.SaveLeftover(ctx, tuition.PaymentLeftover{ID: "l1", PaymentID: "p1", StudentID: "s1", Amount: 200_000, Handling: tuition.LeftoverHeld, Source: tuition.SourceUnallocated}))
	require.NoError(t, s.SaveLeftover(ctx, tuition.PaymentLeftover{ID: "l2", PaymentID: "p1", StudentID: "s1", Amount: 200_000, Handling: tuition.LeftoverVoluntary, Source: tuition.SourceUnallocated, Reclassified: true, ConsentGiven: true, ApproverName: "Ms. Lan"}))

	rows, err := s.ListLeftovers(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[1].Reclassified)
	assert.Equal(t, "Ms. Lan", rows[1].ApproverName)
	assert.True(t, tuition.SummarizeLeftovers("p1", rows).Closed)
}

// =============================================================================
// LEDGER AND AUDIT
// =============================================================================

func post(t *testing.T, s tuition.Store, key string, lines ...generic.Line) generic.Transaction {
	t.Helper()
	clock := generic.FixedClock{At: at(jan, 20), Loc: time.UTC}
	tx, err := generic.NewLedger(s, clock).Post(context.Background(), generic.Transaction{
		IdempotencyKey: key,
		ReferenceID:    "ref-" + key,
		Month:          jan,
		Lines:          lines,
	})
	require.NoError(t, err)
	return tx
}

func testLedger(t *testing.T, s tuition.Store) {
	ctx := context.Background()
	first := post(t, s, "k1",
		generic.Debit("s1", generic.AccountCash, 600_000, jan),
		generic.Credit("s1", generic.AccountAR, 600_000, jan))
	post(t, s, "k2",
		generic.Debit("s2", generic.AccountBank, 400_000, feb),
		generic.Credit("s2", generic.AccountAR, 400_000, feb))

	a, err := s.EnsureAccount(ctx, "s1", generic.AccountCash)
	require.NoError(t, err)
	again, err := s.EnsureAccount(ctx, "s1", generic.AccountCash)
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)

	all, err := s.LoadEntries(ctx, generic.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, first.ID, all[0].TxID, "oldest first")

	s1, err := s.LoadEntries(ctx, generic.EntryFilter{EntityID: "s1"})
	require.NoError(t, err)
	assert.Len(t, s1, 2)

	cash, err := s.LoadEntries(ctx, generic.EntryFilter{EntityID: "s1", Code: generic.AccountCash})
	require.NoError(t, err)
	require.Len(t, cash, 1)
	assert.Equal(t, generic.Money(600_000), cash[0].Debit)
	assert.Equal(t, "ref-k1", cash[0].ReferenceID)

	february, err := s.LoadEntries(ctx, generic.EntryFilter{Month: feb})
	require.NoError(t, err)
	assert.Len(t, february, 2)

	byTx, err := s.LoadEntries(ctx, generic.EntryFilter{TxID: first.ID})
	require.NoError(t, err)
	assert.Len(t, byTx, 2)

	exists, err := s.TransactionExists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.TransactionExists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testLedgerDuplicateKey(t *testing.T, s tuition.Store) {
	ctx := context.Background()
	post(t, s, "k1",
		generic.Debit("s1", generic.AccountCash, 1, jan),
		generic.Credit("s1", generic.AccountAR, 1, jan))

	tx := generic.Transaction{ID: "manual-tx", IdempotencyKey: "k1", Month: jan}
	entries := []generic.Entry{
		{ID: "e1", TxID: "manual-tx", EntityID: "s1", Code: generic.AccountCash, Debit: 1, Month: jan},
		{ID: "e2", TxID: "manual-tx", EntityID: "s1", Code: generic.AccountAR, Credit: 1, Month: jan},
	}
	err := s.AppendTransaction(ctx, tx, entries)
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	all, err := s.LoadEntries(ctx, generic.EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testAudit(t *testing.T, s tuition.Store) {
	ctx := context.Background()
	auditor := generic.NewAuditor(s, generic.FixedClock{At: at(jan, 20), Loc: time.UTC})

	require.NoError(t, auditor.Record(ctx, "invoice", "i1", generic.AuditInvoiceIssued, "admin", nil, map[string]any{"total": 100}))
	require.NoError(t, auditor.Record(ctx, "payment", "p1", generic.AuditPaymentRecorded, "cashier", nil, map[string]any{"amount": 5}))
	require.NoError(t, auditor.Record(ctx, "payment", "p2", generic.AuditPaymentRecorded, "cashier", nil, nil))

	payments, err := s.QueryAudit(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditPaymentRecorded}})
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "p1", payments[0].EntityID)
	assert.EqualValues(t, 5, payments[0].Diff.After["amount"])

	limited, err := s.QueryAudit(ctx, generic.AuditFilter{ActorID: "cashier", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	invoice, err := s.QueryAudit(ctx, generic.AuditFilter{Entity: "invoice", EntityID: "i1"})
	require.NoError(t, err)
	require.Len(t, invoice, 1)
	assert.Equal(t, "admin", invoice[0].ActorID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testWithTxCommits(t *testing.T, s tuition.Store) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx tuition.Store) error {
		if err := tx.CreateInvoice(ctx, sampleInvoice("i1", "s1", jan)); err != nil {
			return err
		}
		// Nested WithTx joins the outer transaction.
		return tx.WithTx(ctx, func(inner tuition.Store) error {
			inv, err := inner.GetInvoice(ctx, "s1", jan)
			if err != nil {
				return err
			}
			inv.RecordedPayment = 1_440_000
			inv.Refresh()
			return inner.UpdateInvoice(ctx, inv, inv.Version)
		})
	})
	require.NoError(t, err)

	stored, err := s.GetInvoice(ctx, "s1", jan)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, tuition.StatusPaid, stored.Status)
}

func testWithTxRollsBack(t *testing.T, s tuition.Store) {
	// GIVEN: A unit of work that writes an invoice, a posting and an audit
	// WHEN: The last step fails
	// THEN: None of it is visible afterwards

	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx tuition.Store) error {
		if err := tx.CreateInvoice(ctx, sampleInvoice("i1", "s1", jan)); err != nil {
			return err
		}
		post(t, tx, "k1",
			generic.Debit("s1", generic.AccountCash, 1, jan),
			generic.Credit("s1", generic.AccountAR, 1, jan))
		if err := tx.AppendAudit(ctx, generic.AuditEntry{ID: "a1", Entity: "invoice", EntityID: "i1", Action: generic.AuditInvoiceIssued, OccurredAt: at(jan, 1)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetInvoice(ctx, "s1", jan)
	assert.True(t, generic.IsNotFound(err))

	entries, err := s.LoadEntries(ctx, generic.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	exists, err := s.TransactionExists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)

	audit, err := s.QueryAudit(ctx, generic.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, audit)
}
