package generic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testClock = generic.FixedClock{
	At:  time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC),
	Loc: time.UTC,
}

func newTestLedger(t *testing.T) (*generic.DefaultLedger, *memory.Store) {
	t.Helper()
	store := memory.New()
	return generic.NewLedger(store, testClock), store
}

func cashPayment(student generic.EntityID, amount generic.Money, key string) generic.Transaction {
	month := generic.MustMonth("2024-03")
	return generic.Transaction{
		IdempotencyKey: key,
		Memo:           "tuition",
		Lines: []generic.Line{
			generic.Debit(student, generic.AccountCash, amount, month),
			generic.Credit(student, generic.AccountAR, amount, month),
		},
	}
}

// =============================================================================
// BALANCE INVARIANT
// =============================================================================

func TestLedger_Post_BalancedTransaction(t *testing.T) {
	// GIVEN: A balanced cash payment
	// WHEN: It is posted
	// THEN: Both entries are stored and the transaction gets an id and month

	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	tx, err := ledger.Post(ctx, cashPayment("s1", 600_000, "k1"))
	require.NoError(t, err)

	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, generic.MustMonth("2024-03"), tx.Month)

	entries, err := ledger.Entries(ctx, generic.EntryFilter{TxID: tx.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Empty(t, generic.UnbalancedTransactions(entries))

	cash, err := ledger.Balance(ctx, "s1", generic.AccountCash)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(600_000), cash)

	ar, err := ledger.Balance(ctx, "s1", generic.AccountAR)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(-600_000), ar)
}

func TestLedger_Post_UnbalancedRejected(t *testing.T) {
	// GIVEN: Debits of 100 against credits of 90
	// WHEN: Posting
	// THEN: UnbalancedTransactionError and nothing is written

	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	month := generic.MustMonth("2024-03")

	_, err := ledger.Post(ctx, generic.Transaction{
		Lines: []generic.Line{
			generic.Debit("s1", generic.AccountCash, 100, month),
			generic.Credit("s1", generic.AccountAR, 90, month),
		},
	})

	var unbalanced *generic.UnbalancedTransactionError
	require.ErrorAs(t, err, &unbalanced)
	assert.Equal(t, generic.Money(100), unbalanced.Debit)
	assert.Equal(t, generic.Money(90), unbalanced.Credit)
	assert.ErrorIs(t, err, generic.ErrUnbalancedTransaction)

	entries, err := ledger.Entries(ctx, generic.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLedger_Post_MalformedLinesRejected(t *testing.T) {
	month := generic.MustMonth("2024-03")
	tests := []struct {
		name  string
		lines []generic.Line
	}{
		{"single line", []generic.Line{generic.Debit("s1", generic.AccountCash, 100, month)}},
		{"unknown account", []generic.Line{
			generic.Debit("s1", "PETTY", 100, month),
			generic.Credit("s1", generic.AccountAR, 100, month),
		}},
		{"both sides on one line", []generic.Line{
			{EntityID: "s1", Code: generic.AccountCash, Debit: 100, Credit: 100},
			generic.Credit("s1", generic.AccountAR, 100, month),
		}},
		{"missing entity", []generic.Line{
			generic.Debit("", generic.AccountCash, 100, month),
			generic.Credit("s1", generic.AccountAR, 100, month),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, _ := newTestLedger(t)
			_, err := ledger.Post(context.Background(), generic.Transaction{Lines: tt.lines})
			assert.ErrorIs(t, err, generic.ErrUnbalancedTransaction)
		})
	}
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestLedger_Post_DuplicateKeyRejected(t *testing.T) {
	// GIVEN: A posted payment with key k1
	// WHEN: The same key is posted again
	// THEN: ErrDuplicateIdempotencyKey and the balance is unchanged

	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	_, err := ledger.Post(ctx, cashPayment("s1", 100, "k1"))
	require.NoError(t, err)

	_, err = ledger.Post(ctx, cashPayment("s1", 100, "k1"))
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	cash, err := ledger.Balance(ctx, "s1", generic.AccountCash)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(100), cash)
}

// =============================================================================
// CORRECTIONS
// =============================================================================

func TestLedger_Reverse_NetsToZero(t *testing.T) {
	// GIVEN: A payment posted to the wrong student
	// WHEN: It is reversed
	// THEN: Both transactions remain and every balance nets to zero

	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	tx, err := ledger.Post(ctx, cashPayment("s1", 250_000, "k1"))
	require.NoError(t, err)

	rev, err := ledger.Reverse(ctx, tx.ID, "wrong student", "admin")
	require.NoError(t, err)
	assert.Equal(t, string(tx.ID), rev.ReferenceID)

	entries, err := ledger.Entries(ctx, generic.EntryFilter{EntityID: "s1"})
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Equal(t, generic.Money(0), generic.AccountBalanceOf(generic.AccountCash, entries))
	assert.Equal(t, generic.Money(0), generic.AccountBalanceOf(generic.AccountAR, entries))

	_, err = ledger.Reverse(ctx, tx.ID, "again", "admin")
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey, "a transaction is reversed at most once")
}

func TestLedger_Reverse_UnknownTransaction(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, err := ledger.Reverse(context.Background(), "missing", "", "admin")
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// TRIAL BALANCE
// =============================================================================

func TestBuildTrialBalance(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	month := generic.MustMonth("2024-03")

	_, err := ledger.Post(ctx, cashPayment("s1", 600_000, "k1"))
	require.NoError(t, err)
	_, err = ledger.Post(ctx, generic.Transaction{
		Lines: []generic.Line{
			generic.Debit("s1", generic.AccountAR, 50_000, month),
			generic.Credit("s1", generic.AccountCredit, 50_000, month),
		},
	})
	require.NoError(t, err)
	_, err = ledger.Post(ctx, cashPayment("s2", 10_000, "k2"))
	require.NoError(t, err)

	entries, err := ledger.Entries(ctx, generic.EntryFilter{})
	require.NoError(t, err)
	tb := generic.BuildTrialBalance(entries)

	assert.True(t, tb.Balanced())
	assert.Equal(t, generic.Money(660_000), tb.TotalDebit)
	require.Len(t, tb.Accounts, 5)
	assert.Equal(t, generic.EntityID("s1"), tb.Accounts[0].EntityID)
	assert.Equal(t, generic.AccountAR, tb.Accounts[0].Code)
	assert.Equal(t, generic.Money(-550_000), tb.Accounts[0].Balance)
	assert.Equal(t, generic.AccountCredit, tb.Accounts[2].Code)
	assert.Equal(t, generic.Money(50_000), tb.Accounts[2].Balance)
}

func TestUnbalancedTransactions_FindsBrokenTx(t *testing.T) {
	entries := []generic.Entry{
		{TxID: "ok", Debit: 10},
		{TxID: "ok", Credit: 10},
		{TxID: "bad", Debit: 10},
		{TxID: "bad", Credit: 9},
	}
	assert.Equal(t, []generic.TransactionID{"bad"}, generic.UnbalancedTransactions(entries))
}
