package tuition_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/store/memory"
	"github.com/warp/billing-engine/tuition"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	dec = generic.MustMonth("2023-12")
	jan = generic.MustMonth("2024-01")
	feb = generic.MustMonth("2024-02")
	mar = generic.MustMonth("2024-03")
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Store
	svc   *tuition.Service
	clock generic.FixedClock
	loc   *time.Location
}

func newFixture(t *testing.T, configure ...func(*tuition.Options)) *fixture {
	t.Helper()
	loc, err := generic.LoadLocation(generic.DefaultTimezone)
	require.NoError(t, err)

	clock := generic.FixedClock{At: time.Date(2024, time.March, 15, 10, 0, 0, 0, loc), Loc: loc}
	opts := tuition.Options{
		Clock:  clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, c := range configure {
		c(&opts)
	}
	store := memory.New()
	return &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store,
		svc:   tuition.NewService(store, opts),
		clock: clock,
		loc:   loc,
	}
}

func withPolicy(p tuition.WinnerPolicy) func(*tuition.Options) {
	return func(o *tuition.Options) { o.SiblingPolicy = p }
}

func withRetries(n int) func(*tuition.Options) {
	return func(o *tuition.Options) { o.MaxRetries = n }
}

func (f *fixture) date(month generic.Month, day int) time.Time {
	return generic.Date(month.Year(), month.Month(), day, f.loc)
}

func (f *fixture) student(id tuition.StudentID, family tuition.FamilyID) {
	f.t.Helper()
	require.NoError(f.t, f.store.SaveStudent(f.ctx, tuition.Student{ID: id, Name: string(id), FamilyID: family, IsActive: true}))
}

func (f *fixture) class(id tuition.ClassID, rate generic.Money) {
	f.t.Helper()
	require.NoError(f.t, f.store.SaveClass(f.ctx, tuition.Class{ID: id, Name: string(id), Rate: rate}))
}

func (f *fixture) enroll(id tuition.EnrollmentID, student tuition.StudentID, class tuition.ClassID, start time.Time, mods ...func(*tuition.Enrollment)) {
	f.t.Helper()
	e := tuition.Enrollment{ID: id, StudentID: student, ClassID: class, StartDate: start}
	for _, m := range mods {
		m(&e)
	}
	require.NoError(f.t, f.store.SaveEnrollment(f.ctx, e))
}

// held adds Held sessions on days 1..n of month.
func (f *fixture) held(class tuition.ClassID, month generic.Month, n int) {
	f.t.Helper()
	for day := 1; day <= n; day++ {
		f.session(class, month, day, tuition.SessionHeld)
	}
}

func (f *fixture) session(class tuition.ClassID, month generic.Month, day int, status tuition.SessionStatus) {
	f.t.Helper()
	require.NoError(f.t, f.store.SaveSession(f.ctx, tuition.Session{
		ID:      tuition.SessionID(fmt.Sprintf("%s-%s-%02d", class, month, day)),
		ClassID: class,
		Date:    f.date(month, day),
		Status:  status,
	}))
}

func percentOff(pct int64, cadence tuition.DiscountCadence) func(*tuition.Enrollment) {
	return func(e *tuition.Enrollment) {
		e.Discount = &tuition.Discount{Type: tuition.DiscountPercent, Value: decimal.NewFromInt(pct), Cadence: cadence}
	}
}

func (f *fixture) invoice(student tuition.StudentID, month generic.Month) tuition.Invoice {
	f.t.Helper()
	inv, err := f.store.GetInvoice(f.ctx, student, month)
	require.NoError(f.t, err)
	return inv
}

func (f *fixture) issue(student tuition.StudentID, month generic.Month) tuition.Invoice {
	f.t.Helper()
	inv, err := f.svc.IssueInvoice(f.ctx, student, month, "admin")
	require.NoError(f.t, err)
	return inv
}

func (f *fixture) pay(student tuition.StudentID, month generic.Month, amount generic.Money, method tuition.PaymentMethod) tuition.PaymentResult {
	f.t.Helper()
	res, err := f.svc.RecordPayment(f.ctx, tuition.RecordPaymentInput{
		StudentID: student,
		Month:     month,
		Amount:    amount,
		Method:    method,
		Actor:     "cashier",
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) entries() []generic.Entry {
	f.t.Helper()
	entries, err := f.store.LoadEntries(f.ctx, generic.EntryFilter{})
	require.NoError(f.t, err)
	return entries
}

func (f *fixture) balance(student tuition.StudentID, code generic.AccountCode) generic.Money {
	f.t.Helper()
	entries, err := f.store.LoadEntries(f.ctx, generic.EntryFilter{EntityID: student, Code: code})
	require.NoError(f.t, err)
	return generic.AccountBalanceOf(code, entries)
}

func (f *fixture) audits(action generic.AuditAction) []generic.AuditEntry {
	f.t.Helper()
	rows, err := f.store.QueryAudit(f.ctx, generic.AuditFilter{Actions: []generic.AuditAction{action}})
	require.NoError(f.t, err)
	return rows
}

// requireLedgerBalanced checks the balance invariant over every posting.
func (f *fixture) requireLedgerBalanced() {
	f.t.Helper()
	entries := f.entries()
	require.Empty(f.t, generic.UnbalancedTransactions(entries))
	require.True(f.t, generic.BuildTrialBalance(entries).Balanced())
}

// =============================================================================
// SHARED SCENARIOS
// =============================================================================

// singleStudent: s1 in c1 at 200,000 per session, 8 Held sessions in
// January. Invoice total 1,600,000.
func singleStudent(f *fixture, mods ...func(*tuition.Enrollment)) {
	f.student("s1", "")
	f.class("c1", 200_000)
	f.enroll("e1", "s1", "c1", f.date(dec, 1).AddDate(0, -3, 0), mods...)
	f.held("c1", jan, 8)
}

// siblingsOwing: family f1 where s1 owes 600,000 for January and s2 owes
// 800,000 for February, both invoices issued. s1 wins February's sibling
// discount but has no February sessions, so neither total is discounted.
func siblingsOwing(f *fixture) {
	f.student("s1", "f1")
	f.student("s2", "f1")
	f.class("c1", 75_000)
	f.class("c2", 100_000)
	f.enroll("e1", "s1", "c1", f.date(jan, 1))
	f.enroll("e2", "s2", "c2", f.date(feb, 1))
	f.held("c1", jan, 8)
	f.held("c2", feb, 8)

	require.Equal(f.t, generic.Money(600_000), f.issue("s1", jan).TotalAmount)
	require.Equal(f.t, generic.Money(800_000), f.issue("s2", feb).TotalAmount)
}
