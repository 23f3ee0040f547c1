package generic

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// =============================================================================
// AUDIT ENTRY - Who moved which money, and what it looked like before/after
// =============================================================================

type AuditAction string

const (
	AuditPaymentRecorded     AuditAction = "payment_recorded"
	AuditPaymentReceived     AuditAction = "payment_received"
	AuditPaymentAllocated    AuditAction = "payment_allocated"
	AuditLeftoverClassified  AuditAction = "leftover_classified"
	AuditInvoiceMaterialized AuditAction = "invoice_materialized"
	AuditInvoiceIssued       AuditAction = "invoice_issued"
	AuditInvoiceRecalculated AuditAction = "invoice_recalculated"
	AuditRecordedAdjusted    AuditAction = "recorded_payment_adjusted"
	AuditPaymentReversed     AuditAction = "recorded_payment_reversed"
	AuditDebtWrittenOff      AuditAction = "debt_written_off"
	AuditCreditRetained      AuditAction = "credit_retained"
	AuditCreditContributed   AuditAction = "credit_contributed"
	AuditSiblingResolved     AuditAction = "sibling_resolved"
	AuditSiblingAssigned     AuditAction = "sibling_assigned"
	AuditAllocationFailed    AuditAction = "allocation_failed"
)

// AuditEntry is immutable once written.
type AuditEntry struct {
	ID         AuditID
	Entity     string // "invoice", "payment", "sibling_discount_state", ...
	EntityID   string
	Action     AuditAction
	ActorID    string
	OccurredAt time.Time
	Diff       AuditDiff
}

// AuditDiff is a structured before/after payload.
type AuditDiff struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// DiffOf converts two values into their JSON object form. Either side may be
// nil (creation has no before, an event may have no state).
func DiffOf(before, after any) (AuditDiff, error) {
	b, err := toMap(before)
	if err != nil {
		return AuditDiff{}, fmt.Errorf("audit before: %w", err)
	}
	a, err := toMap(after)
	if err != nil {
		return AuditDiff{}, fmt.Errorf("audit after: %w", err)
	}
	return AuditDiff{Before: b, After: a}, nil
}

func toMap(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Changed returns the keys whose values differ between Before and After,
// sorted.
func (d AuditDiff) Changed() []string {
	keys := map[string]struct{}{}
	for k := range d.Before {
		keys[k] = struct{}{}
	}
	for k := range d.After {
		keys[k] = struct{}{}
	}
	var changed []string
	for k := range keys {
		bv, bok := d.Before[k]
		av, aok := d.After[k]
		if bok != aok || !reflect.DeepEqual(bv, av) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// =============================================================================
// AUDITOR - Writes entries through an AuditLog
// =============================================================================

// Auditor records money-moving actions. It is constructed on the same
// transaction-scoped store as the ledger, so a failed audit write rolls back
// the postings it describes.
type Auditor struct {
	Log   AuditLog
	Clock Clock
}

func NewAuditor(log AuditLog, clock Clock) *Auditor {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Auditor{Log: log, Clock: clock}
}

// Record writes one audit entry. The error must be propagated: the
// enclosing operation is not successful until the audit row is durable.
func (a *Auditor) Record(ctx context.Context, entity, entityID string, action AuditAction, actor string, before, after any) error {
	diff, err := DiffOf(before, after)
	if err != nil {
		return err
	}
	entry := AuditEntry{
		ID:         AuditID(NewID()),
		Entity:     entity,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actor,
		OccurredAt: a.Clock.Now(),
		Diff:       diff,
	}
	if err := a.Log.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("audit %s %s/%s: %w", action, entity, entityID, err)
	}
	return nil
}
