package generic_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/store/memory"
)

type invoiceSnapshot struct {
	Total    generic.Money `json:"total"`
	Recorded generic.Money `json:"recorded"`
	Status   string        `json:"status"`
}

func TestDiffOf_ChangedKeys(t *testing.T) {
	before := invoiceSnapshot{Total: 1_600_000, Recorded: 0, Status: "issued"}
	after := invoiceSnapshot{Total: 1_600_000, Recorded: 600_000, Status: "partial"}

	diff, err := generic.DiffOf(before, after)
	require.NoError(t, err)

	assert.Equal(t, []string{"recorded", "status"}, diff.Changed())
	assert.Equal(t, float64(600_000), diff.After["recorded"])
}

func TestDiffOf_CreationHasNoBefore(t *testing.T) {
	diff, err := generic.DiffOf(nil, invoiceSnapshot{Total: 1})
	require.NoError(t, err)

	assert.Nil(t, diff.Before)
	assert.ElementsMatch(t, []string{"total", "recorded", "status"}, diff.Changed())
}

func TestAuditor_Record_AndQuery(t *testing.T) {
	// GIVEN: An auditor over the memory store
	// WHEN: Two actions are recorded by different actors
	// THEN: Each can be found by actor and by action

	ctx := context.Background()
	store := memory.New()
	auditor := generic.NewAuditor(store, testClock)

	require.NoError(t, auditor.Record(ctx, "invoice", "inv-1", generic.AuditInvoiceIssued, "alice", nil, invoiceSnapshot{Total: 1}))
	require.NoError(t, auditor.Record(ctx, "invoice", "inv-1", generic.AuditDebtWrittenOff, "bob",
		invoiceSnapshot{Total: 1}, invoiceSnapshot{Total: 0}))

	byBob, err := store.QueryAudit(ctx, generic.AuditFilter{ActorID: "bob"})
	require.NoError(t, err)
	require.Len(t, byBob, 1)
	assert.Equal(t, generic.AuditDebtWrittenOff, byBob[0].Action)
	assert.Equal(t, testClock.Now(), byBob[0].OccurredAt)
	assert.Equal(t, []string{"total"}, byBob[0].Diff.Changed())

	issued, err := store.QueryAudit(ctx, generic.AuditFilter{
		EntityID: "inv-1",
		Actions:  []generic.AuditAction{generic.AuditInvoiceIssued},
	})
	require.NoError(t, err)
	require.Len(t, issued, 1)
	assert.Equal(t, "alice", issued[0].ActorID)
}

func TestAuditor_Record_PropagatesStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	store.InjectFault(func(op memory.Op, key string) error {
		if op == memory.OpAppendAudit {
			return errors.New("disk full")
		}
		return nil
	})

	err := generic.NewAuditor(store, testClock).Record(ctx, "payment", "p1", generic.AuditPaymentRecorded, "alice", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestErrors_Classification(t *testing.T) {
	conflict := fmt.Errorf("update: %w", &generic.ConflictError{Entity: "invoice", ID: "inv-1", Expected: 2, Actual: 3})
	assert.True(t, generic.IsRetryable(conflict))
	assert.False(t, generic.IsClientError(conflict))

	consent := &generic.ConsentError{Action: "voluntary_contribution", Reason: "consent_given must be true"}
	assert.ErrorIs(t, consent, generic.ErrConsentRequired)
	assert.ErrorIs(t, consent, generic.ErrValidation)
	assert.True(t, generic.IsClientError(consent))

	assert.True(t, generic.IsNotFound(generic.NotFound("student", "s9")))
	assert.ErrorIs(t, &generic.CalculationError{EntityID: "s1", Month: "2024-01", Reason: "x"}, generic.ErrCalculation)
}

func TestPartialAllocationFailure_Summary(t *testing.T) {
	pf := &generic.PartialAllocationFailure{
		SuccessCount: 8,
		FailCount:    2,
		Failed: []generic.EntityFailure{
			{EntityID: "s3", Err: errors.New("boom")},
			{EntityID: "s7", Err: errors.New("boom")},
		},
	}
	var err error = pf

	assert.ErrorIs(t, err, generic.ErrPartialAllocation)
	assert.Equal(t, "8 succeeded, 2 failed (s3, s7)", err.Error())
	assert.Equal(t, []generic.EntityID{"s3", "s7"}, pf.FailedIDs())
}
