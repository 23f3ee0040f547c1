/*
store.go - Persistence interfaces for the ledger and the audit log

PURPOSE:
  Defines the boundary between the engine and the database. Both the
  ledger and the audit log are append-only; neither interface has an
  Update or Delete method.

KEY INTERFACES:
  LedgerStore: Accounts (lazy upsert) and atomic transaction writes
  AuditLog:    Append-only audit entries with filtered queries

IDEMPOTENCY:
  A transaction may carry an idempotency key. If the key already exists the
  write is rejected with ErrDuplicateIdempotencyKey. This prevents duplicate
  postings from network retries or double submissions.

ATOMIC WRITES:
  AppendTransaction() writes all entries of one transaction or none of them.
  Larger units of work (invoice update + posting + audit) are made atomic by
  the domain store's WithTx, which hands a transaction-scoped store to the
  callback; the ledger and auditor are simply constructed on top of it.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - store/memory/memory.go: In-memory for tests and demos

SEE ALSO:
  - ledger.go: Uses LedgerStore
  - audit.go: Uses AuditLog
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - Interface for ledger persistence (append-only)
// =============================================================================

type LedgerStore interface {
	// EnsureAccount returns the account for (entity, code), creating it if
	// needed. Concurrent calls must not produce duplicates.
	EnsureAccount(ctx context.Context, entityID EntityID, code AccountCode) (Account, error)

	// AppendTransaction persists a transaction header and its entries
	// atomically. Returns ErrDuplicateIdempotencyKey if the key exists.
	AppendTransaction(ctx context.Context, tx Transaction, entries []Entry) error

	// TransactionExists checks if an idempotency key was already used.
	TransactionExists(ctx context.Context, idempotencyKey string) (bool, error)

	// LoadEntries returns entries matching the filter, oldest first.
	LoadEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
}

// EntryFilter selects entries. Zero-valued fields match everything.
type EntryFilter struct {
	EntityID    EntityID
	TxID        TransactionID
	Code        AccountCode
	Month       Month
	ReferenceID string
}

// Matches reports whether e satisfies the filter.
func (f EntryFilter) Matches(e Entry) bool {
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.TxID != "" && e.TxID != f.TxID {
		return false
	}
	if f.Code != "" && e.Code != f.Code {
		return false
	}
	if f.Month != "" && e.Month != f.Month {
		return false
	}
	if f.ReferenceID != "" && e.ReferenceID != f.ReferenceID {
		return false
	}
	return true
}

// =============================================================================
// AUDIT LOG - Separate from ledger, tracks who did what when
// =============================================================================

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	Entity   string
	EntityID string
	ActorID  string
	Actions  []AuditAction
	From     *time.Time
	To       *time.Time
	Limit    int
}

// Matches reports whether e satisfies the filter (Limit is ignored).
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.Entity != "" && e.Entity != f.Entity {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.OccurredAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.OccurredAt.After(*f.To) {
		return false
	}
	return true
}
