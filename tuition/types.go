/*
Package tuition implements the tuition billing domain on top of generic.

PURPOSE:
  Turns session and enrollment facts into monthly invoices, applies
  payments to them, and settles residual balances. Money movement always
  goes through generic.Ledger; every money-moving action is audited.

UPSTREAM FACTS (read-only to this package):
  Student     identity, optional family, active flag
  Class       default per-session rate and weekly schedule
  Enrollment  student-in-class for [start, end?], optional discount and
              allowed-days restriction
  Session     one class occurrence; only Held sessions are billable

OWNED STATE:
  Invoice               one per (student, month), versioned for CAS
  SiblingDiscountState  one per (family, month)
  Payment, PaymentAllocation, PaymentLeftover (immutable)

SEE ALSO:
  - calculator.go: Invoice calculation
  - sibling.go: Sibling discount resolution
  - payment.go: Single and family payments
  - settlement.go: Write-offs, credit disposition, admin override
*/
package tuition

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/generic"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// StudentID owns the ledger accounts, so it is the generic entity id.
type StudentID = generic.EntityID

type (
	FamilyID     string
	ClassID      string
	EnrollmentID string
	SessionID    string
	InvoiceID    string
	PaymentID    string
)

// =============================================================================
// STUDENT / CLASS
// =============================================================================

type Student struct {
	ID       StudentID `json:"id"`
	Name     string    `json:"name"`
	FamilyID FamilyID  `json:"family_id,omitempty"`
	IsActive bool      `json:"is_active"`
}

type Class struct {
	ID   ClassID       `json:"id"`
	Name string        `json:"name"`
	Rate generic.Money `json:"rate"`
	// ScheduleDays is the weekly schedule. Empty means any day.
	ScheduleDays []time.Weekday `json:"schedule_days,omitempty"`
}

// =============================================================================
// DISCOUNT
// =============================================================================

type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountAmount  DiscountType = "amount"
)

type DiscountCadence string

const (
	CadenceOnce    DiscountCadence = "once"
	CadenceMonthly DiscountCadence = "monthly"
)

// Discount is an enrollment's own discount. Value is a percent (0-100) for
// percent discounts and minor units for amount discounts.
type Discount struct {
	Type    DiscountType    `json:"type"`
	Value   decimal.Decimal `json:"value"`
	Cadence DiscountCadence `json:"cadence"`
}

func (d Discount) Validate() error {
	switch d.Type {
	case DiscountPercent:
		if d.Value.IsNegative() || d.Value.GreaterThan(decimal.NewFromInt(100)) {
			return generic.Invalid("discount.value", "percent must be within 0..100, got %s", d.Value)
		}
	case DiscountAmount:
		if d.Value.IsNegative() || !d.Value.Equal(d.Value.Truncate(0)) {
			return generic.Invalid("discount.value", "amount must be a non-negative integer, got %s", d.Value)
		}
	default:
		return generic.Invalid("discount.type", "unknown discount type %q", d.Type)
	}
	switch d.Cadence {
	case CadenceOnce, CadenceMonthly:
	default:
		return generic.Invalid("discount.cadence", "unknown cadence %q", d.Cadence)
	}
	return nil
}

// AppliesIn reports whether the discount is charged in month. A once
// discount only applies in the enrollment's first billed month, the first
// month holding a billable session.
func (d Discount) AppliesIn(month, firstMonth generic.Month) bool {
	if d.Cadence == CadenceOnce {
		return month == firstMonth
	}
	return true
}

// AmountOn returns the discount for a class amount: percent floors, amount
// is capped at the class amount.
func (d Discount) AmountOn(classAmount generic.Money) generic.Money {
	switch d.Type {
	case DiscountPercent:
		return classAmount.PercentFloor(d.Value)
	case DiscountAmount:
		return generic.MoneyFromDecimal(d.Value).Min(classAmount).NonNegative()
	}
	return 0
}

// =============================================================================
// ENROLLMENT
// =============================================================================

type Enrollment struct {
	ID        EnrollmentID `json:"id"`
	StudentID StudentID    `json:"student_id"`
	ClassID   ClassID      `json:"class_id"`
	StartDate time.Time    `json:"start_date"`
	EndDate   *time.Time   `json:"end_date,omitempty"`
	Discount  *Discount    `json:"discount,omitempty"`
	// AllowedDays restricts billing to a subset of the class schedule.
	AllowedDays  []time.Weekday `json:"allowed_days,omitempty"`
	RateOverride *generic.Money `json:"rate_override,omitempty"`
}

func (e Enrollment) Range() generic.DateRange {
	return generic.DateRange{Start: e.StartDate, End: e.EndDate}
}

// ActiveIn reports whether the enrollment overlaps month.
func (e Enrollment) ActiveIn(month generic.Month, loc *time.Location) bool {
	return e.Range().OverlapsMonth(month, loc)
}

// FirstMonth is the month containing the start date.
func (e Enrollment) FirstMonth(loc *time.Location) generic.Month {
	return generic.MonthOf(e.StartDate, loc)
}

// BillsOn reports whether a session on day d is billable for this
// enrollment given the class schedule.
func (e Enrollment) BillsOn(d time.Weekday, class Class) bool {
	days := e.AllowedDays
	if len(days) == 0 {
		days = class.ScheduleDays
	}
	if len(days) == 0 {
		return true
	}
	for _, wd := range days {
		if wd == d {
			return true
		}
	}
	return false
}

func (e Enrollment) Validate() error {
	if e.ID == "" {
		return generic.Invalid("enrollment.id", "required")
	}
	if e.StudentID == "" || e.ClassID == "" {
		return generic.Invalid("enrollment", "student and class are required")
	}
	if e.StartDate.IsZero() {
		return generic.Invalid("enrollment.start_date", "required")
	}
	if e.EndDate != nil && e.EndDate.Before(e.StartDate) {
		return generic.Invalid("enrollment.end_date", "before start date")
	}
	if e.RateOverride != nil && *e.RateOverride < 0 {
		return generic.Invalid("enrollment.rate_override", "must be non-negative")
	}
	if e.Discount != nil {
		return e.Discount.Validate()
	}
	return nil
}

// =============================================================================
// SESSION
// =============================================================================

type SessionStatus string

const (
	SessionScheduled SessionStatus = "Scheduled"
	SessionHeld      SessionStatus = "Held"
	SessionCanceled  SessionStatus = "Canceled"
	SessionHoliday   SessionStatus = "Holiday"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionScheduled, SessionHeld, SessionCanceled, SessionHoliday:
		return true
	}
	return false
}

type Session struct {
	ID           SessionID      `json:"id"`
	ClassID      ClassID        `json:"class_id"`
	Date         time.Time      `json:"date"`
	Status       SessionStatus  `json:"status"`
	RateOverride *generic.Money `json:"rate_override,omitempty"`
}

// SortSessions orders sessions by date then id.
func SortSessions(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].Date.Equal(sessions[j].Date) {
			return sessions[i].Date.Before(sessions[j].Date)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

// =============================================================================
// PAYMENT METHOD
// =============================================================================

type PaymentMethod string

const (
	MethodCash  PaymentMethod = "cash"
	MethodBank  PaymentMethod = "bank"
	MethodCard  PaymentMethod = "card"
	MethodOther PaymentMethod = "other"
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case MethodCash, MethodBank, MethodCard, MethodOther:
		return m, nil
	}
	return "", generic.Invalid("method", "unknown payment method %q", s)
}

// Account returns the ledger account receiving the cash.
func (m PaymentMethod) Account() generic.AccountCode {
	if m == MethodCash {
		return generic.AccountCash
	}
	return generic.AccountBank
}
