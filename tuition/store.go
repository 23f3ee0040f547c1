package tuition

import (
	"context"
	"time"

	"github.com/warp/billing-engine/generic"
)

// =============================================================================
// STORE - Everything the billing engine persists or reads
// =============================================================================

// FactStore holds the upstream facts. The engine only reads them; the
// Save methods exist for the API and demo loaders.
type FactStore interface {
	SaveStudent(ctx context.Context, s Student) error
	GetStudent(ctx context.Context, id StudentID) (Student, error)
	ListFamilyStudents(ctx context.Context, family FamilyID) ([]Student, error)

	SaveClass(ctx context.Context, c Class) error
	GetClass(ctx context.Context, id ClassID) (Class, error)

	SaveEnrollment(ctx context.Context, e Enrollment) error
	ListEnrollments(ctx context.Context, student StudentID) ([]Enrollment, error)

	SaveSession(ctx context.Context, s Session) error
	// ListSessions returns sessions of a class with from <= date < to.
	ListSessions(ctx context.Context, class ClassID, from, to time.Time) ([]Session, error)
}

// InvoiceStore persists invoices with optimistic concurrency.
type InvoiceStore interface {
	GetInvoice(ctx context.Context, student StudentID, month generic.Month) (Invoice, error)
	GetInvoiceByID(ctx context.Context, id InvoiceID) (Invoice, error)
	// ListInvoices returns a student's invoices, oldest month first.
	ListInvoices(ctx context.Context, student StudentID) ([]Invoice, error)
	// CreateInvoice inserts a new invoice. A second invoice for the same
	// (student, month) is a *generic.ConflictError.
	CreateInvoice(ctx context.Context, inv Invoice) error
	// UpdateInvoice writes inv if the stored version equals expectedVersion
	// and bumps the version. Mismatch is a *generic.ConflictError.
	UpdateInvoice(ctx context.Context, inv Invoice, expectedVersion int64) error
}

type SiblingStore interface {
	GetSiblingState(ctx context.Context, family FamilyID, month generic.Month) (SiblingDiscountState, error)
	SaveSiblingState(ctx context.Context, state SiblingDiscountState) error
}

// PaymentStore holds immutable payment records.
type PaymentStore interface {
	// SavePayment fails with generic.ErrDuplicateIdempotencyKey on a reused key.
	SavePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id PaymentID) (Payment, error)
	GetPaymentByKey(ctx context.Context, idempotencyKey string) (Payment, error)

	SaveAllocation(ctx context.Context, a PaymentAllocation) error
	ListAllocations(ctx context.Context, filter AllocationFilter) ([]PaymentAllocation, error)

	SaveLeftover(ctx context.Context, l PaymentLeftover) error
	ListLeftovers(ctx context.Context, payment PaymentID) ([]PaymentLeftover, error)
}

// AllocationFilter selects allocation rows. Zero fields match everything.
type AllocationFilter struct {
	PaymentID PaymentID
	StudentID StudentID
}

// Store is the full persistence surface.
type Store interface {
	generic.LedgerStore
	generic.AuditLog
	FactStore
	InvoiceStore
	SiblingStore
	PaymentStore

	// WithTx runs fn against a transaction-scoped Store. If fn returns an
	// error nothing it wrote is kept.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
