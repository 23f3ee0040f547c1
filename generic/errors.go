/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The tuition package wraps these with student/invoice context.

ERROR CATEGORIES:
  1. Validation errors - Malformed input, rejected before any side effect
  2. Conflict errors - Optimistic concurrency failures, retried internally
  3. Invariant errors - Unbalanced postings; a programming or data bug
  4. Calculation errors - Inconsistent upstream facts
  5. Partial failures - Family payments where some students failed

USAGE:
  if errors.Is(err, generic.ErrConflict) {
      // re-read and retry
  }

  var pf *generic.PartialAllocationFailure
  if errors.As(err, &pf) {
      fmt.Printf("%d succeeded, %d failed\n", pf.SuccessCount, pf.FailCount)
  }

SEE ALSO:
  - ledger.go: Returns UnbalancedTransactionError
  - tuition/payment.go: Retries on ErrConflict, aggregates partial failures
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input. Nothing has been written.
	ErrValidation = errors.New("validation failed")

	// ErrConsentRequired is returned when a compliance-sensitive action
	// (voluntary contribution) is attempted without explicit consent.
	ErrConsentRequired = errors.New("explicit consent required")

	// ErrConflict is returned when optimistic locking detects a concurrent
	// modification of an invoice.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrUnbalancedTransaction is returned when a posting's debits and credits
	// do not match. Nothing is written.
	ErrUnbalancedTransaction = errors.New("unbalanced transaction")

	// ErrCalculation is returned when upstream data is inconsistent.
	ErrCalculation = errors.New("invoice calculation failed")

	// ErrPartialAllocation is returned when some students of a family
	// payment failed while others succeeded.
	ErrPartialAllocation = errors.New("partial allocation failure")

	// ErrDuplicateIdempotencyKey is returned when a write with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrUnknownAllocationMode is returned for an allocation mode outside the
	// closed set.
	ErrUnknownAllocationMode = errors.New("unknown allocation mode")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is a shorthand constructor for ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConsentError is a ValidationError raised for missing consent or approver.
type ConsentError struct {
	Action string
	Reason string
}

func (e *ConsentError) Error() string {
	return fmt.Sprintf("%s requires consent: %s", e.Action, e.Reason)
}

func (e *ConsentError) Unwrap() []error { return []error{ErrConsentRequired, ErrValidation} }

// ConflictError describes a failed compare-and-swap.
type ConflictError struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d, found %d", e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// UnbalancedTransactionError reports the totals of a rejected posting.
type UnbalancedTransactionError struct {
	TxID   TransactionID
	Debit  Money
	Credit Money
	Reason string
}

func (e *UnbalancedTransactionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unbalanced transaction %s: %s", e.TxID, e.Reason)
	}
	return fmt.Sprintf("unbalanced transaction %s: debit %d != credit %d", e.TxID, e.Debit, e.Credit)
}

func (e *UnbalancedTransactionError) Unwrap() error { return ErrUnbalancedTransaction }

// CalculationError reports inconsistent upstream data for an invoice.
type CalculationError struct {
	EntityID EntityID
	Month    Month
	Reason   string
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("calculate invoice %s/%s: %s", e.EntityID, e.Month, e.Reason)
}

func (e *CalculationError) Unwrap() error { return ErrCalculation }

// EntityFailure is one failed unit of work inside a batch.
type EntityFailure struct {
	EntityID EntityID
	Err      error
}

// PartialAllocationFailure summarizes a family payment where some students
// could not be posted. The successful ones stay posted.
type PartialAllocationFailure struct {
	SuccessCount int
	FailCount    int
	Failed       []EntityFailure
}

func (e *PartialAllocationFailure) Error() string {
	ids := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		ids[i] = string(f.EntityID)
	}
	return fmt.Sprintf("%d succeeded, %d failed (%s)", e.SuccessCount, e.FailCount, strings.Join(ids, ", "))
}

func (e *PartialAllocationFailure) Unwrap() error { return ErrPartialAllocation }

// FailedIDs returns the failed entity ids in reporting order.
func (e *PartialAllocationFailure) FailedIDs() []EntityID {
	ids := make([]EntityID, len(e.Failed))
	for i, f := range e.Failed {
		ids[i] = f.EntityID
	}
	return ids
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConsentRequired) ||
		errors.Is(err, ErrUnknownAllocationMode) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NotFound wraps ErrNotFound with the missing record.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}
