/*
Package memory provides an in-memory tuition.Store for tests, demos and the
CLI's dry-run commands.

CONCURRENCY:
  A sync.RWMutex guards the data. WithTx holds the write lock for the whole
  callback and works on a private copy of the data; the copy replaces the
  live data only when the callback returns nil. That gives the same
  all-or-nothing behavior as the SQLite store's database transaction.

FAULT INJECTION:
  InjectFault installs a hook consulted before every write. Tests use it to
  make one student's invoice update or one audit write fail and then check
  that nothing else from the same unit of work was kept.

  store.InjectFault(func(op memory.Op, key string) error {
      if op == memory.OpAppendAudit && key == string(generic.AuditPaymentRecorded) {
          return errors.New("audit log unavailable")
      }
      return nil
  })
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/tuition"
)

// Op names a write operation for fault injection.
type Op string

const (
	OpCreateInvoice     Op = "create_invoice"     // key: student id
	OpUpdateInvoice     Op = "update_invoice"     // key: student id
	OpAppendTransaction Op = "append_transaction" // key: entity id of each line
	OpAppendAudit       Op = "append_audit"       // key: audit action
	OpSavePayment       Op = "save_payment"       // key: payment id
	OpSaveAllocation    Op = "save_allocation"    // key: student id
	OpSaveLeftover      Op = "save_leftover"      // key: student id
	OpSaveSiblingState  Op = "save_sibling_state" // key: family id
)

// FaultFunc returns a non-nil error to make a write fail.
type FaultFunc func(op Op, key string) error

type invoiceKey struct {
	student tuition.StudentID
	month   generic.Month
}

type siblingKey struct {
	family tuition.FamilyID
	month  generic.Month
}

type accountKey struct {
	entity generic.EntityID
	code   generic.AccountCode
}

type data struct {
	students    map[tuition.StudentID]tuition.Student
	classes     map[tuition.ClassID]tuition.Class
	enrollments map[tuition.EnrollmentID]tuition.Enrollment
	sessions    map[tuition.SessionID]tuition.Session

	invoices   map[tuition.InvoiceID]tuition.Invoice
	invoiceIDs map[invoiceKey]tuition.InvoiceID
	siblings   map[siblingKey]tuition.SiblingDiscountState

	payments    map[tuition.PaymentID]tuition.Payment
	paymentKeys map[string]tuition.PaymentID
	allocations []tuition.PaymentAllocation
	leftovers   []tuition.PaymentLeftover

	accounts map[accountKey]generic.Account
	txKeys   map[string]generic.TransactionID
	txIDs    map[generic.TransactionID]bool
	entries  []generic.Entry
	audit    []generic.AuditEntry
}

func newData() *data {
	return &data{
		students:    map[tuition.StudentID]tuition.Student{},
		classes:     map[tuition.ClassID]tuition.Class{},
		enrollments: map[tuition.EnrollmentID]tuition.Enrollment{},
		sessions:    map[tuition.SessionID]tuition.Session{},
		invoices:    map[tuition.InvoiceID]tuition.Invoice{},
		invoiceIDs:  map[invoiceKey]tuition.InvoiceID{},
		siblings:    map[siblingKey]tuition.SiblingDiscountState{},
		payments:    map[tuition.PaymentID]tuition.Payment{},
		paymentKeys: map[string]tuition.PaymentID{},
		accounts:    map[accountKey]generic.Account{},
		txKeys:      map[string]generic.TransactionID{},
		txIDs:       map[generic.TransactionID]bool{},
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.students {
		c.students[k] = v
	}
	for k, v := range d.classes {
		c.classes[k] = v
	}
	for k, v := range d.enrollments {
		c.enrollments[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.invoices {
		c.invoices[k] = v
	}
	for k, v := range d.invoiceIDs {
		c.invoiceIDs[k] = v
	}
	for k, v := range d.siblings {
		c.siblings[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.paymentKeys {
		c.paymentKeys[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.txKeys {
		c.txKeys[k] = v
	}
	for k, v := range d.txIDs {
		c.txIDs[k] = v
	}
	c.allocations = append([]tuition.PaymentAllocation(nil), d.allocations...)
	c.leftovers = append([]tuition.PaymentLeftover(nil), d.leftovers...)
	c.entries = append([]generic.Entry(nil), d.entries...)
	c.audit = append([]generic.AuditEntry(nil), d.audit...)
	return c
}

// =============================================================================
// STORE
// =============================================================================

// Store is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	data  *data
	fault FaultFunc
}

func New() *Store {
	return &Store{data: newData()}
}

// InjectFault installs (or with nil, removes) the write fault hook.
func (m *Store) InjectFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// Reset drops all data.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newData()
}

func (m *Store) v() *view { return &view{d: m.data, fault: m.fault} }

// WithTx runs fn on a private copy and publishes it only on success.
func (m *Store) WithTx(ctx context.Context, fn func(tuition.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	working := m.data.clone()
	tx := &txStore{view: &view{d: working, fault: m.fault}}
	if err := fn(tx); err != nil {
		return err
	}
	m.data = working
	return nil
}

type txStore struct{ *view }

// WithTx inside a transaction joins it.
func (t *txStore) WithTx(_ context.Context, fn func(tuition.Store) error) error {
	return fn(t)
}

// --- facts ---

func (m *Store) SaveStudent(ctx context.Context, s tuition.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().SaveStudent(ctx, s)
}

func (m *Store) GetStudent(ctx context.Context, id tuition.StudentID) (tuition.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().GetStudent(ctx, id)
}

func (m *Store) ListFamilyStudents(ctx context.Context, family tuition.FamilyID) ([]tuition.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().ListFamilyStudents(ctx, family)
}

func (m *Store) SaveClass(ctx context.Context, c tuition.Class) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().SaveClass(ctx, c)
}

func (m *Store) GetClass(ctx context.Context, id tuition.ClassID) (tuition.Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().GetClass(ctx, id)
}

func (m *Store) SaveEnrollment(ctx context.Context, e tuition.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().SaveEnrollment(ctx, e)
}

func (m *Store) ListEnrollments(ctx context.Context, student tuition.StudentID) ([]tuition.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().ListEnrollments(ctx, student)
}

func (m *Store) SaveSession(ctx context.Context, s tuition.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().SaveSession(ctx, s)
}

func (m *Store) ListSessions(ctx context.Context, class tuition.ClassID, from, to time.Time) ([]tuition.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().ListSessions(ctx, class, from, to)
}

// --- invoices ---

func (m *Store) GetInvoice(ctx context.Context, student tuition.StudentID, month generic.Month) (tuition.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().GetInvoice(ctx, student, month)
}

func (m *Store) GetInvoiceByID(ctx context.Context, id tuition.InvoiceID) (tuition.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().GetInvoiceByID(ctx, id)
}

func (m *Store) ListInvoices(ctx context.Context, student tuition.StudentID) ([]tuition.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().ListInvoices(ctx, student)
}

func (m *Store) CreateInvoice(ctx context.Context, inv tuition.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().CreateInvoice(ctx, inv)
}

func (m *Store) UpdateInvoice(ctx context.Context, inv tuition.Invoice, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().UpdateInvoice(ctx, inv, expected)
}

// --- sibling state ---

func (m *Store) GetSiblingState(ctx context.Context, family tuition.FamilyID, month generic.Month) (tuition.SiblingDiscountState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().GetSiblingState(ctx, family, month)
}

func (m *Store) SaveSiblingState(ctx context.Context, st tuition.SiblingDiscountState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().SaveSiblingState(ctx, st)
}

// --- payments ---

func (m *Store) SavePayment(ctx context.Context, p tuition.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().SavePayment(ctx, p)
}

func (m *Store) GetPayment(ctx context.Context, id tuition.PaymentID) (tuition.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().GetPayment(ctx, id)
}

func (m *Store) GetPaymentByKey(ctx context.Context, key string) (tuition.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().GetPaymentByKey(ctx, key)
}

func (m *Store) SaveAllocation(ctx context.Context, a tuition.PaymentAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().SaveAllocation(ctx, a)
}

func (m *Store) ListAllocations(ctx context.Context, f tuition.AllocationFilter) ([]tuition.PaymentAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().ListAllocations(ctx, f)
}

func (m *Store) SaveLeftover(ctx context.Context, l tuition.PaymentLeftover) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().SaveLeftover(ctx, l)
}

func (m *Store) ListLeftovers(ctx context.Context, payment tuition.PaymentID) ([]tuition.PaymentLeftover, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().ListLeftovers(ctx, payment)
}

// --- ledger ---

func (m *Store) EnsureAccount(ctx context.Context, entity generic.EntityID, code generic.AccountCode) (generic.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().EnsureAccount(ctx, entity, code)
}

func (m *Store) AppendTransaction(ctx context.Context, tx generic.Transaction, entries []generic.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().AppendTransaction(ctx, tx, entries)
}

func (m *Store) TransactionExists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().TransactionExists(ctx, key)
}

func (m *Store) LoadEntries(ctx context.Context, f generic.EntryFilter) ([]generic.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().LoadEntries(ctx, f)
}

// --- audit ---

func (m *Store) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v().AppendAudit(ctx, e)
}

func (m *Store) QueryAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v().QueryAudit(ctx, f)
}

// =============================================================================
// VIEW - Unlocked operations over one data set
// =============================================================================

type view struct {
	d     *data
	fault FaultFunc
}

func (v *view) check(op Op, key string) error {
	if v.fault == nil {
		return nil
	}
	if err := v.fault(op, key); err != nil {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return nil
}

func (v *view) SaveStudent(_ context.Context, s tuition.Student) error {
	if s.ID == "" {
		return generic.Invalid("student.id", "required")
	}
	v.d.students[s.ID] = s
	return nil
}

func (v *view) GetStudent(_ context.Context, id tuition.StudentID) (tuition.Student, error) {
	s, ok := v.d.students[id]
	if !ok {
		return tuition.Student{}, generic.NotFound("student", string(id))
	}
	return s, nil
}

func (v *view) ListFamilyStudents(_ context.Context, family tuition.FamilyID) ([]tuition.Student, error) {
	var out []tuition.Student
	for _, s := range v.d.students {
		if s.FamilyID == family {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) SaveClass(_ context.Context, c tuition.Class) error {
	if c.ID == "" {
		return generic.Invalid("class.id", "required")
	}
	v.d.classes[c.ID] = c
	return nil
}

func (v *view) GetClass(_ context.Context, id tuition.ClassID) (tuition.Class, error) {
	c, ok := v.d.classes[id]
	if !ok {
		return tuition.Class{}, generic.NotFound("class", string(id))
	}
	return c, nil
}

func (v *view) SaveEnrollment(_ context.Context, e tuition.Enrollment) error {
	if err := e.Validate(); err != nil {
		return err
	}
	v.d.enrollments[e.ID] = e
	return nil
}

func (v *view) ListEnrollments(_ context.Context, student tuition.StudentID) ([]tuition.Enrollment, error) {
	var out []tuition.Enrollment
	for _, e := range v.d.enrollments {
		if e.StudentID == student {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) SaveSession(_ context.Context, s tuition.Session) error {
	if s.ID == "" || s.ClassID == "" {
		return generic.Invalid("session", "id and class are required")
	}
	v.d.sessions[s.ID] = s
	return nil
}

func (v *view) ListSessions(_ context.Context, class tuition.ClassID, from, to time.Time) ([]tuition.Session, error) {
	var out []tuition.Session
	for _, s := range v.d.sessions {
		if s.ClassID == class && !s.Date.Before(from) && s.Date.Before(to) {
			out = append(out, s)
		}
	}
	tuition.SortSessions(out)
	return out, nil
}

func (v *view) GetInvoice(_ context.Context, student tuition.StudentID, month generic.Month) (tuition.Invoice, error) {
	id, ok := v.d.invoiceIDs[invoiceKey{student, month}]
	if !ok {
		return tuition.Invoice{}, generic.NotFound("invoice", string(student)+"/"+month.String())
	}
	return v.d.invoices[id], nil
}

func (v *view) GetInvoiceByID(_ context.Context, id tuition.InvoiceID) (tuition.Invoice, error) {
	inv, ok := v.d.invoices[id]
	if !ok {
		return tuition.Invoice{}, generic.NotFound("invoice", string(id))
	}
	return inv, nil
}

func (v *view) ListInvoices(_ context.Context, student tuition.StudentID) ([]tuition.Invoice, error) {
	var out []tuition.Invoice
	for _, inv := range v.d.invoices {
		if inv.StudentID == student {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

func (v *view) CreateInvoice(_ context.Context, inv tuition.Invoice) error {
	if err := v.check(OpCreateInvoice, string(inv.StudentID)); err != nil {
		return err
	}
	key := invoiceKey{inv.StudentID, inv.Month}
	if id, ok := v.d.invoiceIDs[key]; ok {
		return &generic.ConflictError{Entity: "invoice", ID: string(id), Expected: 0, Actual: v.d.invoices[id].Version}
	}
	if _, ok := v.d.invoices[inv.ID]; ok {
		return &generic.ConflictError{Entity: "invoice", ID: string(inv.ID), Expected: 0, Actual: v.d.invoices[inv.ID].Version}
	}
	if inv.Version == 0 {
		inv.Version = 1
	}
	v.d.invoices[inv.ID] = inv
	v.d.invoiceIDs[key] = inv.ID
	return nil
}

func (v *view) UpdateInvoice(_ context.Context, inv tuition.Invoice, expected int64) error {
	if err := v.check(OpUpdateInvoice, string(inv.StudentID)); err != nil {
		return err
	}
	stored, ok := v.d.invoices[inv.ID]
	if !ok {
		return generic.NotFound("invoice", string(inv.ID))
	}
	if stored.Version != expected {
		return &generic.ConflictError{Entity: "invoice", ID: string(inv.ID), Expected: expected, Actual: stored.Version}
	}
	if stored.StudentID != inv.StudentID || stored.Month != inv.Month {
		return generic.Invalid("invoice", "student and month of %s cannot change", inv.ID)
	}
	inv.Version = expected + 1
	inv.CreatedAt = stored.CreatedAt
	v.d.invoices[inv.ID] = inv
	return nil
}

func (v *view) GetSiblingState(_ context.Context, family tuition.FamilyID, month generic.Month) (tuition.SiblingDiscountState, error) {
	st, ok := v.d.siblings[siblingKey{family, month}]
	if !ok {
		return tuition.SiblingDiscountState{}, generic.NotFound("sibling_discount_state", string(family)+"/"+month.String())
	}
	return st, nil
}

func (v *view) SaveSiblingState(_ context.Context, st tuition.SiblingDiscountState) error {
	if err := v.check(OpSaveSiblingState, string(st.FamilyID)); err != nil {
		return err
	}
	v.d.siblings[siblingKey{st.FamilyID, st.Month}] = st
	return nil
}

func (v *view) SavePayment(_ context.Context, p tuition.Payment) error {
	if err := v.check(OpSavePayment, string(p.ID)); err != nil {
		return err
	}
	if p.IdempotencyKey != "" {
		if _, ok := v.d.paymentKeys[p.IdempotencyKey]; ok {
			return generic.ErrDuplicateIdempotencyKey
		}
	}
	if _, ok := v.d.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	v.d.payments[p.ID] = p
	if p.IdempotencyKey != "" {
		v.d.paymentKeys[p.IdempotencyKey] = p.ID
	}
	return nil
}

func (v *view) GetPayment(_ context.Context, id tuition.PaymentID) (tuition.Payment, error) {
	p, ok := v.d.payments[id]
	if !ok {
		return tuition.Payment{}, generic.NotFound("payment", string(id))
	}
	return p, nil
}

func (v *view) GetPaymentByKey(ctx context.Context, key string) (tuition.Payment, error) {
	id, ok := v.d.paymentKeys[key]
	if !ok {
		return tuition.Payment{}, generic.NotFound("payment", key)
	}
	return v.GetPayment(ctx, id)
}

func (v *view) SaveAllocation(_ context.Context, a tuition.PaymentAllocation) error {
	if err := v.check(OpSaveAllocation, string(a.StudentID)); err != nil {
		return err
	}
	v.d.allocations = append(v.d.allocations, a)
	return nil
}

func (v *view) ListAllocations(_ context.Context, f tuition.AllocationFilter) ([]tuition.PaymentAllocation, error) {
	var out []tuition.PaymentAllocation
	for _, a := range v.d.allocations {
		if f.PaymentID != "" && a.PaymentID != f.PaymentID {
			continue
		}
		if f.StudentID != "" && a.StudentID != f.StudentID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (v *view) SaveLeftover(_ context.Context, l tuition.PaymentLeftover) error {
	if err := v.check(OpSaveLeftover, string(l.StudentID)); err != nil {
		return err
	}
	v.d.leftovers = append(v.d.leftovers, l)
	return nil
}

func (v *view) ListLeftovers(_ context.Context, payment tuition.PaymentID) ([]tuition.PaymentLeftover, error) {
	var out []tuition.PaymentLeftover
	for _, l := range v.d.leftovers {
		if l.PaymentID == payment {
			out = append(out, l)
		}
	}
	return out, nil
}

func (v *view) EnsureAccount(_ context.Context, entity generic.EntityID, code generic.AccountCode) (generic.Account, error) {
	key := accountKey{entity, code}
	if a, ok := v.d.accounts[key]; ok {
		return a, nil
	}
	a := generic.Account{
		ID:        generic.AccountID(fmt.Sprintf("%s:%s", entity, code)),
		EntityID:  entity,
		Code:      code,
		CreatedAt: time.Now(),
	}
	v.d.accounts[key] = a
	return a, nil
}

func (v *view) AppendTransaction(_ context.Context, tx generic.Transaction, entries []generic.Entry) error {
	seen := map[generic.EntityID]bool{}
	for _, e := range entries {
		if seen[e.EntityID] {
			continue
		}
		seen[e.EntityID] = true
		if err := v.check(OpAppendTransaction, string(e.EntityID)); err != nil {
			return err
		}
	}
	if tx.IdempotencyKey != "" {
		if _, ok := v.d.txKeys[tx.IdempotencyKey]; ok {
			return generic.ErrDuplicateIdempotencyKey
		}
	}
	if v.d.txIDs[tx.ID] {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	var debit, credit generic.Money
	for _, e := range entries {
		debit += e.Debit
		credit += e.Credit
	}
	if debit != credit || len(entries) < 2 {
		return &generic.UnbalancedTransactionError{TxID: tx.ID, Debit: debit, Credit: credit}
	}
	v.d.entries = append(v.d.entries, entries...)
	v.d.txIDs[tx.ID] = true
	if tx.IdempotencyKey != "" {
		v.d.txKeys[tx.IdempotencyKey] = tx.ID
	}
	return nil
}

func (v *view) TransactionExists(_ context.Context, key string) (bool, error) {
	_, ok := v.d.txKeys[key]
	return ok, nil
}

func (v *view) LoadEntries(_ context.Context, f generic.EntryFilter) ([]generic.Entry, error) {
	var out []generic.Entry
	for _, e := range v.d.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *view) AppendAudit(_ context.Context, e generic.AuditEntry) error {
	if err := v.check(OpAppendAudit, string(e.Action)); err != nil {
		return err
	}
	v.d.audit = append(v.d.audit, e)
	return nil
}

func (v *view) QueryAudit(_ context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	var out []generic.AuditEntry
	for _, e := range v.d.audit {
		if !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

var (
	_ tuition.Store = (*Store)(nil)
	_ tuition.Store = (*txStore)(nil)
)
