package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/store/sqlite"
	"github.com/warp/billing-engine/tuition"
)

// runCLI executes the root command and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("BILLING_CONFIG", "")
	t.Setenv("BILLING_POLICY_FILE", "")
	t.Setenv("BILLING_LOG_LEVEL", "")
	t.Setenv("BILLING_TIMEZONE", "UTC")

	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), err
}

// seedDB creates a student with one class billed 4 x 200,000 in March 2025.
func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "billing.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveStudent(ctx, tuition.Student{ID: "s1", Name: "Lan", FamilyID: "f1", IsActive: true}))
	require.NoError(t, store.SaveClass(ctx, tuition.Class{ID: "c1", Name: "Math", Rate: 200_000}))
	require.NoError(t, store.SaveEnrollment(ctx, tuition.Enrollment{
		ID: "e1", StudentID: "s1", ClassID: "c1",
		StartDate: generic.Date(2025, time.March, 1, time.UTC),
	}))
	for day := 3; day <= 6; day++ {
		require.NoError(t, store.SaveSession(ctx, tuition.Session{
			ID:      tuition.SessionID(fmt.Sprintf("c1-%02d", day)),
			ClassID: "c1",
			Date:    generic.Date(2025, time.March, day, time.UTC),
			Status:  tuition.SessionHeld,
		}))
	}
	return path
}

func TestMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")

	_, err := runCLI(t, "migrate", "--db", path)
	require.NoError(t, err)

	store, err := sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.GetStudent(context.Background(), "nobody")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestInvoiceCommand_JSON(t *testing.T) {
	// GIVEN: A student with four held sessions and no invoice row
	// WHEN: Printing the March invoice as JSON
	// THEN: The draft total is returned and nothing is persisted

	path := seedDB(t)

	out, err := runCLI(t, "invoice", "--db", path, "--student", "s1", "--month", "2025-03", "--json")
	require.NoError(t, err)

	var draft tuition.InvoiceDraft
	require.NoError(t, json.Unmarshal([]byte(out), &draft))
	assert.Equal(t, generic.Money(800_000), draft.TotalAmount)
	require.Len(t, draft.Lines, 1)
	assert.Equal(t, 4, draft.Lines[0].Sessions)

	store, err := sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.GetInvoice(context.Background(), "s1", "2025-03")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestInvoiceCommand_Text(t *testing.T) {
	path := seedDB(t)

	out, err := runCLI(t, "invoice", "--db", path, "--student", "s1", "--month", "2025-03")
	require.NoError(t, err)
	assert.Contains(t, out, "Invoice s1 2025-03 (draft)")
	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "Outstanding:")
}

func TestInvoiceCommand_Errors(t *testing.T) {
	path := seedDB(t)

	_, err := runCLI(t, "invoice", "--db", path, "--month", "2025-03")
	assert.Error(t, err, "student is required")

	_, err = runCLI(t, "invoice", "--db", path, "--student", "s1", "--month", "2025-3")
	assert.Error(t, err)

	_, err = runCLI(t, "invoice", "--db", path, "--student", "s1", "--month", "2025-03", "--log-format", "xml")
	assert.Error(t, err)
}

func TestSiblingCommand(t *testing.T) {
	path := seedDB(t)

	out, err := runCLI(t, "sibling", "--db", path, "--family", "f1", "--month", "2025-03", "--resolve")
	require.NoError(t, err)

	var st tuition.SiblingDiscountState
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, tuition.FamilyID("f1"), st.FamilyID)
	assert.Equal(t, tuition.SiblingNone, st.Status)
	assert.Empty(t, st.WinnerStudentID, "a single child never wins a sibling discount")
}
