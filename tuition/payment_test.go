package tuition_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/store/memory"
	"github.com/warp/billing-engine/tuition"
)

// =============================================================================
// SINGLE PAYMENTS
// =============================================================================

func TestRecordPayment_MaterializesDraft(t *testing.T) {
	// GIVEN: No invoice exists yet for January
	// WHEN: 600,000 cash is recorded
	// THEN: The invoice is created and charged, partially paid, and the
	//       ledger has debit CASH / credit AR

	f := newFixture(t)
	singleStudent(f)

	res := f.pay("s1", jan, 600_000, tuition.MethodCash)

	assert.Equal(t, tuition.StatusPartial, res.Status)
	assert.Equal(t, generic.Money(1_000_000), res.NewBalance)
	assert.False(t, res.Duplicate)

	inv := f.invoice("s1", jan)
	assert.Equal(t, res.InvoiceID, inv.ID)
	assert.Equal(t, generic.Money(600_000), inv.RecordedPayment)

	assert.Equal(t, generic.Money(600_000), f.balance("s1", generic.AccountCash))
	assert.Equal(t, generic.Money(1_600_000), f.balance("s1", generic.AccountRevenue))
	assert.Equal(t, inv.Balance(), f.balance("s1", generic.AccountAR))
	f.requireLedgerBalanced()

	assert.Len(t, f.audits(generic.AuditInvoiceMaterialized), 1)
	recorded := f.audits(generic.AuditPaymentRecorded)
	require.Len(t, recorded, 1)
	assert.Equal(t, "cashier", recorded[0].ActorID)
}

func TestRecordPayment_StatusProgression(t *testing.T) {
	f := newFixture(t)
	singleStudent(f)
	f.issue("s1", jan)

	assert.Equal(t, tuition.StatusPartial, f.pay("s1", jan, 1_000_000, tuition.MethodBank).Status)
	assert.Equal(t, tuition.StatusPaid, f.pay("s1", jan, 600_000, tuition.MethodCash).Status)

	over := f.pay("s1", jan, 50_000, tuition.MethodCash)
	assert.Equal(t, tuition.StatusCredit, over.Status)
	assert.Equal(t, generic.Money(-50_000), over.NewBalance)

	assert.Equal(t, generic.Money(1_000_000), f.balance("s1", generic.AccountBank))
	assert.Equal(t, generic.Money(650_000), f.balance("s1", generic.AccountCash))
	assert.Equal(t, int64(4), f.invoice("s1", jan).Version)
}

func TestRecordPayment_Validation(t *testing.T) {
	f := newFixture(t)
	singleStudent(f)

	tests := []struct {
		name string
		in   tuition.RecordPaymentInput
	}{
		{"zero amount", tuition.RecordPaymentInput{StudentID: "s1", Month: jan, Amount: 0, Method: tuition.MethodCash}},
		{"negative amount", tuition.RecordPaymentInput{StudentID: "s1", Month: jan, Amount: -1, Method: tuition.MethodCash}},
		{"over the cap", tuition.RecordPaymentInput{StudentID: "s1", Month: jan, Amount: tuition.DefaultMaxPayment + 1, Method: tuition.MethodCash}},
		{"unknown method", tuition.RecordPaymentInput{StudentID: "s1", Month: jan, Amount: 1, Method: "barter"}},
		{"bad month", tuition.RecordPaymentInput{StudentID: "s1", Month: "2024-1", Amount: 1, Method: tuition.MethodCash}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordPayment(f.ctx, tt.in)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}
	assert.Empty(t, f.entries())
}

func TestRecordPayment_UnknownStudent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RecordPayment(f.ctx, tuition.RecordPaymentInput{StudentID: "ghost", Month: jan, Amount: 1, Method: tuition.MethodCash})
	assert.True(t, generic.IsNotFound(err))
}

func TestRecordPayment_IdempotentReplay(t *testing.T) {
	// GIVEN: A payment recorded with key k1
	// WHEN: The same request is replayed
	// THEN: The stored outcome comes back and nothing is posted twice

	f := newFixture(t)
	singleStudent(f)
	in := tuition.RecordPaymentInput{StudentID: "s1", Month: jan, Amount: 600_000, Method: tuition.MethodCash, IdempotencyKey: "k1"}

	first, err := f.svc.RecordPayment(f.ctx, in)
	require.NoError(t, err)
	second, err := f.svc.RecordPayment(f.ctx, in)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, first.InvoiceID, second.InvoiceID)
	assert.Equal(t, generic.Money(600_000), f.invoice("s1", jan).RecordedPayment)
	assert.Equal(t, generic.Money(600_000), f.balance("s1", generic.AccountCash))
}

func TestRecordPayment_PropagatesCarryToLaterMonths(t *testing.T) {
	// GIVEN: January (1,600,000) and February (800,000) both issued
	// WHEN: January is overpaid by 400,000
	// THEN: February's carry-in switches from debt to 400,000 credit

	f := newFixture(t)
	singleStudent(f)
	f.held("c1", feb, 4)
	f.issue("s1", jan)
	f.issue("s1", feb)
	require.Equal(t, generic.Money(1_600_000), f.invoice("s1", feb).CarryInDebt)

	f.pay("s1", jan, 2_000_000, tuition.MethodCash)

	february := f.invoice("s1", feb)
	assert.Equal(t, generic.Money(400_000), february.CarryInCredit)
	assert.Equal(t, generic.Money(0), february.CarryInDebt)
	assert.Equal(t, generic.Money(400_000), february.CarryOutDebt)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestRecordPayment_AuditFailureRollsBackEverything(t *testing.T) {
	// GIVEN: The audit log rejects payment_recorded entries
	// WHEN: A payment is recorded
	// THEN: It fails and no invoice, payment or ledger entry remains

	f := newFixture(t)
	singleStudent(f)
	f.store.InjectFault(func(op memory.Op, key string) error {
		if op == memory.OpAppendAudit && key == string(generic.AuditPaymentRecorded) {
			return errors.New("audit log unavailable")
		}
		return nil
	})

	_, err := f.svc.RecordPayment(f.ctx, tuition.RecordPaymentInput{
		StudentID: "s1", Month: jan, Amount: 600_000, Method: tuition.MethodCash, IdempotencyKey: "k1",
	})
	require.Error(t, err)

	_, err = f.store.GetInvoice(f.ctx, "s1", jan)
	assert.True(t, generic.IsNotFound(err))
	_, err = f.store.GetPaymentByKey(f.ctx, "k1")
	assert.True(t, generic.IsNotFound(err))
	assert.Empty(t, f.entries())
	assert.Empty(t, f.audits(generic.AuditInvoiceMaterialized))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRecordPayment_ConcurrentPaymentsNeverLoseUpdates(t *testing.T) {
	// GIVEN: Ten cashiers recording 100,000 against the same invoice at once
	// WHEN: All of them race on a stale read
	// THEN: Every payment lands exactly once and recorded_payment,
	//       the ledger and the invoice agree

	f := newFixture(t, withRetries(20))
	singleStudent(f)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.RecordPayment(f.ctx, tuition.RecordPaymentInput{
				StudentID: "s1", Month: jan, Amount: 100_000, Method: tuition.MethodCash,
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	inv := f.invoice("s1", jan)
	assert.Equal(t, generic.Money(1_000_000), inv.RecordedPayment)
	assert.Equal(t, generic.Money(600_000), inv.Outstanding())
	assert.Equal(t, generic.Money(1_000_000), f.balance("s1", generic.AccountCash))
	assert.Len(t, f.audits(generic.AuditPaymentRecorded), n)
	f.requireLedgerBalanced()
}

func TestRecordPayment_ConflictRetriesExhausted(t *testing.T) {
	f := newFixture(t, withRetries(2))
	singleStudent(f)
	f.issue("s1", jan)
	posted := len(f.entries())
	f.store.InjectFault(func(op memory.Op, key string) error {
		if op == memory.OpUpdateInvoice {
			return &generic.ConflictError{Entity: "invoice", ID: key, Expected: 1, Actual: 2}
		}
		return nil
	})

	_, err := f.svc.RecordPayment(f.ctx, tuition.RecordPaymentInput{StudentID: "s1", Month: jan, Amount: 1, Method: tuition.MethodCash})

	assert.True(t, generic.IsRetryable(err))
	assert.Len(t, f.entries(), posted)
}
