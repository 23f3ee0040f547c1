/*
Package sqlite provides a SQLite-backed implementation of tuition.Store.

PURPOSE:
  Persists upstream facts, invoices, sibling decisions, payments, the
  double-entry ledger and the audit log. In production the same patterns
  apply to PostgreSQL with only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  ledger_transactions, ledger_entries, payments, payment_allocations,
  payment_leftovers and audit_log are only ever inserted into. Corrections
  are new rows (reversal postings, reclassified leftovers).

OPTIMISTIC CONCURRENCY:
  invoices carries a version column. UpdateInvoice is
      UPDATE invoices SET ..., version = version + 1
      WHERE id = ? AND version = ?
  and zero affected rows becomes a *generic.ConflictError (or NotFound).

KEY TABLES:
  invoices:               one row per (student_id, month), lines as JSON
  sibling_discount_state: one row per (family_id, month)
  ledger_accounts:        UNIQUE(entity_id, code), created lazily
  ledger_transactions:    UNIQUE idempotency_key
  ledger_entries:         seq gives posting order
  audit_log:              seq gives insertion order

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order is chronological order;
  range filters on session dates and audit times rely on that.

CONCURRENCY:
  sync.RWMutex serializes writers. SQLite allows a single writer at a time
  anyway; holding the lock avoids SQLITE_BUSY under concurrent payments.
  Inside WithTx every call goes through the *sql.Tx and takes no lock.

WAL MODE:
  Opened with WAL (Write-Ahead Logging): readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := tuition.NewService(store, opts)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - tuition/store.go: Interface definitions
  - store/memory/memory.go: In-memory implementation for tests
  - store/storetest: Behavior both implementations must share
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/tuition"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements tuition.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ tuition.Store = (*Store)(nil)
	_ tuition.Store = (*txStore)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Upstream facts
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		family_id TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_students_family
		ON students(family_id) WHERE family_id != '';

	CREATE TABLE IF NOT EXISTS classes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		rate INTEGER NOT NULL,
		schedule_days_json TEXT
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		class_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		discount_json TEXT,
		allowed_days_json TEXT,
		rate_override INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_student
		ON enrollments(student_id, start_date);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		class_id TEXT NOT NULL,
		date TEXT NOT NULL,
		status TEXT NOT NULL,
		rate_override INTEGER
	);

	-- Hot path: sessions of a class within a month
	CREATE INDEX IF NOT EXISTS idx_sessions_class_date
		ON sessions(class_id, date);

	-- Invoices (versioned for compare-and-swap)
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		month TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		base_amount INTEGER NOT NULL,
		discount_amount INTEGER NOT NULL,
		total_amount INTEGER NOT NULL,
		recorded_payment INTEGER NOT NULL DEFAULT 0,
		settlement_discount INTEGER NOT NULL DEFAULT 0,
		settled_credit INTEGER NOT NULL DEFAULT 0,
		carry_in_credit INTEGER NOT NULL DEFAULT 0,
		carry_in_debt INTEGER NOT NULL DEFAULT 0,
		carry_out_credit INTEGER NOT NULL DEFAULT 0,
		carry_out_debt INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(student_id, month)
	);

	CREATE TABLE IF NOT EXISTS sibling_discount_state (
		family_id TEXT NOT NULL,
		month TEXT NOT NULL,
		status TEXT NOT NULL,
		winner_student_id TEXT NOT NULL DEFAULT '',
		sibling_percent TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		policy TEXT NOT NULL DEFAULT '',
		manual BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TEXT NOT NULL,
		PRIMARY KEY(family_id, month)
	);

	-- Payments (immutable receipts)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE,
		family_id TEXT NOT NULL DEFAULT '',
		student_ids_json TEXT NOT NULL,
		amount INTEGER NOT NULL,
		method TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		month TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		leftover_handling TEXT NOT NULL DEFAULT '',
		consent_given BOOLEAN NOT NULL DEFAULT FALSE,
		approver_name TEXT NOT NULL DEFAULT '',
		memo TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_allocations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		payment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		allocation_order INTEGER NOT NULL,
		tx_id TEXT NOT NULL,
		applied_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_payment
		ON payment_allocations(payment_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_student
		ON payment_allocations(student_id);

	CREATE TABLE IF NOT EXISTS payment_leftovers (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		payment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		handling TEXT NOT NULL,
		source TEXT NOT NULL,
		failed_for TEXT NOT NULL DEFAULT '',
		reclassified BOOLEAN NOT NULL DEFAULT FALSE,
		tx_id TEXT NOT NULL DEFAULT '',
		consent_given BOOLEAN NOT NULL DEFAULT FALSE,
		approver_name TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leftovers_payment
		ON payment_leftovers(payment_id);

	-- Double-entry ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_accounts (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		code TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(entity_id, code)
	);

	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE,
		reference_id TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL,
		month TEXT NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tx_id TEXT NOT NULL REFERENCES ledger_transactions(id),
		account_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		code TEXT NOT NULL,
		debit INTEGER NOT NULL DEFAULT 0,
		credit INTEGER NOT NULL DEFAULT 0,
		occurred_at TEXT NOT NULL,
		month TEXT NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		CHECK (debit >= 0 AND credit >= 0)
	);

	-- Balance calculation (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_entity_code
		ON ledger_entries(entity_id, code);
	CREATE INDEX IF NOT EXISTS idx_entries_tx
		ON ledger_entries(tx_id);
	CREATE INDEX IF NOT EXISTS idx_entries_month
		ON ledger_entries(month);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL,
		diff_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_action
		ON audit_log(action);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all data. Used by the demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"audit_log", "ledger_entries", "ledger_transactions", "ledger_accounts",
		"payment_leftovers", "payment_allocations", "payments",
		"sibling_discount_state", "invoices",
		"sessions", "enrollments", "classes", "students",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx tuition.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, fn)
}

func (s *Store) withTx(ctx context.Context, fn func(tx tuition.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	queries
}

// WithTx inside a transaction joins it.
func (ts *txStore) WithTx(_ context.Context, fn func(tx tuition.Store) error) error {
	return fn(ts)
}

// Writes outside WithTx take the writer lock. AppendTransaction also needs
// its own database transaction so the header and entries land together.

func (s *Store) SaveStudent(ctx context.Context, st tuition.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SaveStudent(ctx, st)
}

func (s *Store) SaveClass(ctx context.Context, c tuition.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SaveClass(ctx, c)
}

func (s *Store) SaveEnrollment(ctx context.Context, e tuition.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SaveEnrollment(ctx, e)
}

func (s *Store) SaveSession(ctx context.Context, sess tuition.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SaveSession(ctx, sess)
}

func (s *Store) CreateInvoice(ctx context.Context, inv tuition.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.CreateInvoice(ctx, inv)
}

func (s *Store) UpdateInvoice(ctx context.Context, inv tuition.Invoice, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.UpdateInvoice(ctx, inv, expected)
}

func (s *Store) SaveSiblingState(ctx context.Context, st tuition.SiblingDiscountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SaveSiblingState(ctx, st)
}

func (s *Store) SavePayment(ctx context.Context, p tuition.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SavePayment(ctx, p)
}

func (s *Store) SaveAllocation(ctx context.Context, a tuition.PaymentAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SaveAllocation(ctx, a)
}

func (s *Store) SaveLeftover(ctx context.Context, l tuition.PaymentLeftover) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SaveLeftover(ctx, l)
}

func (s *Store) EnsureAccount(ctx context.Context, entity generic.EntityID, code generic.AccountCode) (generic.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.EnsureAccount(ctx, entity, code)
}

func (s *Store) AppendTransaction(ctx context.Context, tx generic.Transaction, entries []generic.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(ctx, func(t tuition.Store) error {
		return t.AppendTransaction(ctx, tx, entries)
	})
}

func (s *Store) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.AppendAudit(ctx, e)
}

// =============================================================================
// QUERIES - Shared by the pooled store and transaction-scoped stores
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// FACTS
// =============================================================================

func (qs queries) SaveStudent(ctx context.Context, st tuition.Student) error {
	if st.ID == "" {
		return generic.Invalid("student.id", "required")
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO students (id, name, family_id, is_active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			family_id = excluded.family_id,
			is_active = excluded.is_active
	`, st.ID, st.Name, st.FamilyID, st.IsActive)
	return err
}

func (qs queries) GetStudent(ctx context.Context, id tuition.StudentID) (tuition.Student, error) {
	var st tuition.Student
	err := qs.q.QueryRowContext(ctx,
		"SELECT id, name, family_id, is_active FROM students WHERE id = ?", id,
	).Scan(&st.ID, &st.Name, &st.FamilyID, &st.IsActive)
	if err == sql.ErrNoRows {
		return st, generic.NotFound("student", string(id))
	}
	return st, err
}

func (qs queries) ListFamilyStudents(ctx context.Context, family tuition.FamilyID) ([]tuition.Student, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT id, name, family_id, is_active FROM students WHERE family_id = ? ORDER BY id", family)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []tuition.Student
	for rows.Next() {
		var st tuition.Student
		if err := rows.Scan(&st.ID, &st.Name, &st.FamilyID, &st.IsActive); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

func (qs queries) SaveClass(ctx context.Context, c tuition.Class) error {
	if c.ID == "" {
		return generic.Invalid("class.id", "required")
	}
	days, err := marshalJSON(c.ScheduleDays)
	if err != nil {
		return err
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO classes (id, name, rate, schedule_days_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			rate = excluded.rate,
			schedule_days_json = excluded.schedule_days_json
	`, c.ID, c.Name, c.Rate, days)
	return err
}

func (qs queries) GetClass(ctx context.Context, id tuition.ClassID) (tuition.Class, error) {
	var c tuition.Class
	var days sql.NullString
	err := qs.q.QueryRowContext(ctx,
		"SELECT id, name, rate, schedule_days_json FROM classes WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &c.Rate, &days)
	if err == sql.ErrNoRows {
		return c, generic.NotFound("class", string(id))
	}
	if err != nil {
		return c, err
	}
	return c, unmarshalJSON(days, &c.ScheduleDays)
}

func (qs queries) SaveEnrollment(ctx context.Context, e tuition.Enrollment) error {
	if err := e.Validate(); err != nil {
		return err
	}
	discount, err := marshalJSON(e.Discount)
	if err != nil {
		return err
	}
	days, err := marshalJSON(e.AllowedDays)
	if err != nil {
		return err
	}
	var endDate sql.NullString
	if e.EndDate != nil {
		endDate = nullString(formatTime(*e.EndDate))
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO enrollments
		(id, student_id, class_id, start_date, end_date, discount_json, allowed_days_json, rate_override)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id,
			class_id = excluded.class_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			discount_json = excluded.discount_json,
			allowed_days_json = excluded.allowed_days_json,
			rate_override = excluded.rate_override
	`, e.ID, e.StudentID, e.ClassID, formatTime(e.StartDate), endDate, discount, days, nullMoney(e.RateOverride))
	return err
}

func (qs queries) ListEnrollments(ctx context.Context, student tuition.StudentID) ([]tuition.Enrollment, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, student_id, class_id, start_date, end_date, discount_json, allowed_days_json, rate_override
		FROM enrollments
		WHERE student_id = ?
		ORDER BY start_date ASC, id ASC
	`, student)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []tuition.Enrollment
	for rows.Next() {
		var (
			e         tuition.Enrollment
			startDate string
			endDate   sql.NullString
			discount  sql.NullString
			days      sql.NullString
			override  sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.StudentID, &e.ClassID, &startDate, &endDate, &discount, &days, &override); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		e.StartDate = parseTime(startDate)
		if endDate.Valid {
			end := parseTime(endDate.String)
			e.EndDate = &end
		}
		if err := unmarshalJSON(discount, &e.Discount); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(days, &e.AllowedDays); err != nil {
			return nil, err
		}
		e.RateOverride = moneyPtr(override)
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

func (qs queries) SaveSession(ctx context.Context, sess tuition.Session) error {
	if sess.ID == "" || sess.ClassID == "" {
		return generic.Invalid("session", "id and class are required")
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO sessions (id, class_id, date, status, rate_override)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			class_id = excluded.class_id,
			date = excluded.date,
			status = excluded.status,
			rate_override = excluded.rate_override
	`, sess.ID, sess.ClassID, formatTime(sess.Date), sess.Status, nullMoney(sess.RateOverride))
	return err
}

func (qs queries) ListSessions(ctx context.Context, class tuition.ClassID, from, to time.Time) ([]tuition.Session, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, class_id, date, status, rate_override
		FROM sessions
		WHERE class_id = ? AND date >= ? AND date < ?
		ORDER BY date ASC, id ASC
	`, class, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []tuition.Session
	for rows.Next() {
		var (
			sess     tuition.Session
			date     string
			override sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &sess.ClassID, &date, &sess.Status, &override); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.Date = parseTime(date)
		sess.RateOverride = moneyPtr(override)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `
	id, student_id, month, lines_json, base_amount, discount_amount, total_amount,
	recorded_payment, settlement_discount, settled_credit,
	carry_in_credit, carry_in_debt, carry_out_credit, carry_out_debt,
	status, version, created_at, updated_at`

func scanInvoice(row scanner) (tuition.Invoice, error) {
	var (
		inv                  tuition.Invoice
		lines                sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&inv.ID, &inv.StudentID, &inv.Month, &lines,
		&inv.BaseAmount, &inv.DiscountAmount, &inv.TotalAmount,
		&inv.RecordedPayment, &inv.SettlementDiscount, &inv.SettledCredit,
		&inv.CarryInCredit, &inv.CarryInDebt, &inv.CarryOutCredit, &inv.CarryOutDebt,
		&inv.Status, &inv.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return inv, err
	}
	inv.CreatedAt = parseTime(createdAt)
	inv.UpdatedAt = parseTime(updatedAt)
	return inv, unmarshalJSON(lines, &inv.Lines)
}

func (qs queries) GetInvoice(ctx context.Context, student tuition.StudentID, month generic.Month) (tuition.Invoice, error) {
	inv, err := scanInvoice(qs.q.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE student_id = ? AND month = ?", student, month))
	if err == sql.ErrNoRows {
		return inv, generic.NotFound("invoice", string(student)+"/"+month.String())
	}
	return inv, err
}

func (qs queries) GetInvoiceByID(ctx context.Context, id tuition.InvoiceID) (tuition.Invoice, error) {
	inv, err := scanInvoice(qs.q.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return inv, generic.NotFound("invoice", string(id))
	}
	return inv, err
}

func (qs queries) ListInvoices(ctx context.Context, student tuition.StudentID) ([]tuition.Invoice, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE student_id = ? ORDER BY month ASC", student)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []tuition.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (qs queries) CreateInvoice(ctx context.Context, inv tuition.Invoice) error {
	lines, err := marshalJSON(inv.Lines)
	if err != nil {
		return err
	}
	if inv.Version == 0 {
		inv.Version = 1
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID, inv.StudentID, inv.Month, lines,
		inv.BaseAmount, inv.DiscountAmount, inv.TotalAmount,
		inv.RecordedPayment, inv.SettlementDiscount, inv.SettledCredit,
		inv.CarryInCredit, inv.CarryInDebt, inv.CarryOutCredit, inv.CarryOutDebt,
		inv.Status, inv.Version, formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, lookupErr := qs.GetInvoice(ctx, inv.StudentID, inv.Month)
			if lookupErr != nil {
				existing, _ = qs.GetInvoiceByID(ctx, inv.ID)
			}
			return &generic.ConflictError{Entity: "invoice", ID: string(existing.ID), Expected: 0, Actual: existing.Version}
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (qs queries) UpdateInvoice(ctx context.Context, inv tuition.Invoice, expected int64) error {
	lines, err := marshalJSON(inv.Lines)
	if err != nil {
		return err
	}
	res, err := qs.q.ExecContext(ctx, `
		UPDATE invoices SET
			lines_json = ?, base_amount = ?, discount_amount = ?, total_amount = ?,
			recorded_payment = ?, settlement_discount = ?, settled_credit = ?,
			carry_in_credit = ?, carry_in_debt = ?, carry_out_credit = ?, carry_out_debt = ?,
			status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND student_id = ? AND month = ?
	`,
		lines, inv.BaseAmount, inv.DiscountAmount, inv.TotalAmount,
		inv.RecordedPayment, inv.SettlementDiscount, inv.SettledCredit,
		inv.CarryInCredit, inv.CarryInDebt, inv.CarryOutCredit, inv.CarryOutDebt,
		inv.Status, formatTime(inv.UpdatedAt),
		inv.ID, expected, inv.StudentID, inv.Month,
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	stored, err := qs.GetInvoiceByID(ctx, inv.ID)
	if err != nil {
		return err
	}
	if stored.Version != expected {
		return &generic.ConflictError{Entity: "invoice", ID: string(inv.ID), Expected: expected, Actual: stored.Version}
	}
	return generic.Invalid("invoice", "student and month of %s cannot change", inv.ID)
}

// =============================================================================
// SIBLING DISCOUNT STATE
// =============================================================================

func (qs queries) GetSiblingState(ctx context.Context, family tuition.FamilyID, month generic.Month) (tuition.SiblingDiscountState, error) {
	var (
		st        tuition.SiblingDiscountState
		percent   string
		updatedAt string
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT family_id, month, status, winner_student_id, sibling_percent, reason, policy, manual, updated_at
		FROM sibling_discount_state
		WHERE family_id = ? AND month = ?
	`, family, month).Scan(
		&st.FamilyID, &st.Month, &st.Status, &st.WinnerStudentID,
		&percent, &st.Reason, &st.Policy, &st.Manual, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return st, generic.NotFound("sibling_discount_state", string(family)+"/"+month.String())
	}
	if err != nil {
		return st, err
	}
	if st.SiblingPercent, err = decimal.NewFromString(percent); err != nil {
		return st, fmt.Errorf("sibling_percent %q: %w", percent, err)
	}
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

func (qs queries) SaveSiblingState(ctx context.Context, st tuition.SiblingDiscountState) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO sibling_discount_state
		(family_id, month, status, winner_student_id, sibling_percent, reason, policy, manual, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(family_id, month) DO UPDATE SET
			status = excluded.status,
			winner_student_id = excluded.winner_student_id,
			sibling_percent = excluded.sibling_percent,
			reason = excluded.reason,
			policy = excluded.policy,
			manual = excluded.manual,
			updated_at = excluded.updated_at
	`,
		st.FamilyID, st.Month, st.Status, st.WinnerStudentID, st.SiblingPercent.String(),
		st.Reason, st.Policy, st.Manual, formatTime(st.UpdatedAt),
	)
	return err
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `
	id, idempotency_key, family_id, student_ids_json, amount, method, occurred_at, month,
	mode, leftover_handling, consent_given, approver_name, memo, created_by, created_at`

func scanPayment(row scanner) (tuition.Payment, error) {
	var (
		p                     tuition.Payment
		key                   sql.NullString
		students              sql.NullString
		occurredAt, createdAt string
	)
	err := row.Scan(
		&p.ID, &key, &p.FamilyID, &students, &p.Amount, &p.Method, &occurredAt, &p.Month,
		&p.Mode, &p.LeftoverHandling, &p.ConsentGiven, &p.ApproverName, &p.Memo, &p.CreatedBy, &createdAt,
	)
	if err != nil {
		return p, err
	}
	p.IdempotencyKey = key.String
	p.OccurredAt = parseTime(occurredAt)
	p.CreatedAt = parseTime(createdAt)
	return p, unmarshalJSON(students, &p.StudentIDs)
}

func (qs queries) SavePayment(ctx context.Context, p tuition.Payment) error {
	students, err := marshalJSON(p.StudentIDs)
	if err != nil {
		return err
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, nullString(p.IdempotencyKey), p.FamilyID, students, p.Amount, p.Method,
		formatTime(p.OccurredAt), p.Month, p.Mode, p.LeftoverHandling, p.ConsentGiven,
		p.ApproverName, p.Memo, p.CreatedBy, formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && p.IdempotencyKey != "" && strings.Contains(err.Error(), "idempotency_key") {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (qs queries) GetPayment(ctx context.Context, id tuition.PaymentID) (tuition.Payment, error) {
	p, err := scanPayment(qs.q.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return p, generic.NotFound("payment", string(id))
	}
	return p, err
}

func (qs queries) GetPaymentByKey(ctx context.Context, key string) (tuition.Payment, error) {
	p, err := scanPayment(qs.q.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE idempotency_key = ?", key))
	if err == sql.ErrNoRows {
		return p, generic.NotFound("payment", key)
	}
	return p, err
}

func (qs queries) SaveAllocation(ctx context.Context, a tuition.PaymentAllocation) error {
	applied, err := marshalJSON(a.Applied)
	if err != nil {
		return err
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO payment_allocations
		(id, payment_id, student_id, amount, allocation_order, tx_id, applied_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.PaymentID, a.StudentID, a.Amount, a.Order, a.TxID, applied, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save allocation: %w", err)
	}
	return nil
}

func (qs queries) ListAllocations(ctx context.Context, f tuition.AllocationFilter) ([]tuition.PaymentAllocation, error) {
	query := `
		SELECT id, payment_id, student_id, amount, allocation_order, tx_id, applied_json, created_at
		FROM payment_allocations
		WHERE (? = '' OR payment_id = ?) AND (? = '' OR student_id = ?)
		ORDER BY seq ASC
	`
	rows, err := qs.q.QueryContext(ctx, query, f.PaymentID, f.PaymentID, f.StudentID, f.StudentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var allocations []tuition.PaymentAllocation
	for rows.Next() {
		var (
			a         tuition.PaymentAllocation
			applied   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.StudentID, &a.Amount, &a.Order, &a.TxID, &applied, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		if err := unmarshalJSON(applied, &a.Applied); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

func (qs queries) SaveLeftover(ctx context.Context, l tuition.PaymentLeftover) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO payment_leftovers
		(id, payment_id, student_id, amount, handling, source, failed_for, reclassified, tx_id,
		 consent_given, approver_name, reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID, l.PaymentID, l.StudentID, l.Amount, l.Handling, l.Source, l.FailedFor, l.Reclassified, l.TxID,
		l.ConsentGiven, l.ApproverName, l.Reason, l.CreatedBy, formatTime(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save leftover: %w", err)
	}
	return nil
}

func (qs queries) ListLeftovers(ctx context.Context, payment tuition.PaymentID) ([]tuition.PaymentLeftover, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, payment_id, student_id, amount, handling, source, failed_for, reclassified, tx_id,
		       consent_given, approver_name, reason, created_by, created_at
		FROM payment_leftovers
		WHERE payment_id = ?
		ORDER BY seq ASC
	`, payment)
	if err != nil {
		return nil, fmt.Errorf("failed to query leftovers: %w", err)
	}
	defer rows.Close()

	var leftovers []tuition.PaymentLeftover
	for rows.Next() {
		var (
			l         tuition.PaymentLeftover
			createdAt string
		)
		if err := rows.Scan(
			&l.ID, &l.PaymentID, &l.StudentID, &l.Amount, &l.Handling, &l.Source, &l.FailedFor, &l.Reclassified, &l.TxID,
			&l.ConsentGiven, &l.ApproverName, &l.Reason, &l.CreatedBy, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan leftover: %w", err)
		}
		l.CreatedAt = parseTime(createdAt)
		leftovers = append(leftovers, l)
	}
	return leftovers, rows.Err()
}

// =============================================================================
// LEDGER STORE (generic.LedgerStore interface)
// =============================================================================

func (qs queries) EnsureAccount(ctx context.Context, entity generic.EntityID, code generic.AccountCode) (generic.Account, error) {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, entity_id, code, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, code) DO NOTHING
	`, generic.NewID(), entity, code, formatTime(time.Now()))
	if err != nil {
		return generic.Account{}, fmt.Errorf("failed to create account: %w", err)
	}

	var (
		a         generic.Account
		createdAt string
	)
	err = qs.q.QueryRowContext(ctx,
		"SELECT id, entity_id, code, created_at FROM ledger_accounts WHERE entity_id = ? AND code = ?",
		entity, code,
	).Scan(&a.ID, &a.EntityID, &a.Code, &createdAt)
	if err != nil {
		return a, err
	}
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// AppendTransaction writes the header and entries. Callers outside a
// database transaction go through Store.AppendTransaction, which opens one.
func (qs queries) AppendTransaction(ctx context.Context, tx generic.Transaction, entries []generic.Entry) error {
	var debit, credit generic.Money
	for _, e := range entries {
		debit += e.Debit
		credit += e.Credit
	}
	if debit != credit || len(entries) < 2 {
		return &generic.UnbalancedTransactionError{TxID: tx.ID, Debit: debit, Credit: credit}
	}

	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO ledger_transactions
		(id, idempotency_key, reference_id, occurred_at, month, memo, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, nullString(tx.IdempotencyKey), tx.ReferenceID, formatTime(tx.OccurredAt),
		tx.Month, tx.Memo, tx.CreatedBy, formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) && tx.IdempotencyKey != "" && strings.Contains(err.Error(), "idempotency_key") {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	for _, e := range entries {
		_, err := qs.q.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(id, tx_id, account_id, entity_id, code, debit, credit, occurred_at, month, memo, reference_id, created_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID, e.TxID, e.AccountID, e.EntityID, e.Code, e.Debit, e.Credit,
			formatTime(e.OccurredAt), e.Month, e.Memo, e.ReferenceID, e.CreatedBy,
		)
		if err != nil {
			return fmt.Errorf("failed to append entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// TransactionExists checks if an idempotency key exists.
func (qs queries) TransactionExists(ctx context.Context, key string) (bool, error) {
	var count int
	err := qs.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_transactions WHERE idempotency_key = ?", key,
	).Scan(&count)
	return count > 0, err
}

func (qs queries) LoadEntries(ctx context.Context, f generic.EntryFilter) ([]generic.Entry, error) {
	query := `
		SELECT id, tx_id, account_id, entity_id, code, debit, credit, occurred_at, month, memo, reference_id, created_by
		FROM ledger_entries
		WHERE (? = '' OR entity_id = ?)
		  AND (? = '' OR tx_id = ?)
		  AND (? = '' OR code = ?)
		  AND (? = '' OR month = ?)
		  AND (? = '' OR reference_id = ?)
		ORDER BY seq ASC
	`
	rows, err := qs.q.QueryContext(ctx, query,
		f.EntityID, f.EntityID, f.TxID, f.TxID, f.Code, f.Code, f.Month, f.Month, f.ReferenceID, f.ReferenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []generic.Entry
	for rows.Next() {
		var (
			e          generic.Entry
			occurredAt string
		)
		if err := rows.Scan(
			&e.ID, &e.TxID, &e.AccountID, &e.EntityID, &e.Code, &e.Debit, &e.Credit,
			&occurredAt, &e.Month, &e.Memo, &e.ReferenceID, &e.CreatedBy,
		); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.OccurredAt = parseTime(occurredAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// AUDIT LOG (generic.AuditLog interface)
// =============================================================================

func (qs queries) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	diff, err := json.Marshal(e.Diff)
	if err != nil {
		return fmt.Errorf("failed to encode audit diff: %w", err)
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, entity, entity_id, action, actor_id, occurred_at, diff_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Entity, e.EntityID, e.Action, e.ActorID, formatTime(e.OccurredAt), string(diff))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (qs queries) QueryAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, values ...any) {
		where = append(where, clause)
		args = append(args, values...)
	}
	if f.Entity != "" {
		add("entity = ?", f.Entity)
	}
	if f.EntityID != "" {
		add("entity_id = ?", f.EntityID)
	}
	if f.ActorID != "" {
		add("actor_id = ?", f.ActorID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		values := make([]any, len(f.Actions))
		for i, a := range f.Actions {
			marks[i], values[i] = "?", a
		}
		add("action IN ("+strings.Join(marks, ", ")+")", values...)
	}
	if f.From != nil {
		add("occurred_at >= ?", formatTime(*f.From))
	}
	if f.To != nil {
		add("occurred_at <= ?", formatTime(*f.To))
	}

	query := "SELECT id, entity, entity_id, action, actor_id, occurred_at, diff_json FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var (
			e          generic.AuditEntry
			occurredAt string
			diff       sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Entity, &e.EntityID, &e.Action, &e.ActorID, &occurredAt, &diff); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.OccurredAt = parseTime(occurredAt)
		if err := unmarshalJSON(diff, &e.Diff); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullMoney(m *generic.Money) sql.NullInt64 {
	if m == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*m), Valid: true}
}

func moneyPtr(n sql.NullInt64) *generic.Money {
	if !n.Valid {
		return nil
	}
	m := generic.Money(n.Int64)
	return &m
}

// marshalJSON encodes v, storing NULL for nil and empty values.
func marshalJSON(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	switch string(b) {
	case "null", "[]", "{}":
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
