/*
Package generic provides the domain-agnostic core of the billing engine.

PURPOSE:
  This package contains the money, period, ledger, allocation and audit
  primitives the tuition domain is built on. Nothing here knows about
  classes, sessions or siblings; it only knows that amounts are owed by
  entities for a month and that every movement of money is posted as a
  balanced double-entry transaction.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: An amount in the smallest currency unit (int64, never float)
  - EntityID: The owner of a set of ledger accounts (a student)
  - NewID: Time-ordered identifiers for payments, transactions, audit rows

DESIGN PRINCIPLES:
  1. Integer money: percentages go through decimal.Decimal and are floored
     back into Money, so no float ever touches an amount
  2. Immutability: ledger entries and audit rows are never modified
  3. Type safety: distinct ID types prevent mixing students and invoices

USAGE:
  base := generic.Money(1_600_000)
  discount := base.PercentFloor(decimal.NewFromInt(10)) // 160000
  total := base.Sub(discount)

SEE ALSO:
  - period.go: Month keys and timezone-aware boundaries
  - ledger.go: Balanced postings
  - allocation.go: Splitting a payment across obligations
*/
package generic

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer minor units
// =============================================================================

// Money is an amount in the smallest currency unit (e.g. 1 VND, 1 cent).
type Money int64

var hundred = decimal.NewFromInt(100)

// ParseMoney parses a base-10 integer amount.
func ParseMoney(s string) (Money, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Money(v), nil
}

// MoneyFromDecimal truncates d toward zero.
func MoneyFromDecimal(d decimal.Decimal) Money { return Money(d.IntPart()) }

func (m Money) Add(o Money) Money        { return m + o }
func (m Money) Sub(o Money) Money        { return m - o }
func (m Money) Neg() Money               { return -m }
func (m Money) IsZero() bool             { return m == 0 }
func (m Money) IsPositive() bool         { return m > 0 }
func (m Money) IsNegative() bool         { return m < 0 }
func (m Money) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(m)) }
func (m Money) String() string           { return strconv.FormatInt(int64(m), 10) }

func (m Money) Min(o Money) Money {
	if m < o {
		return m
	}
	return o
}

func (m Money) Max(o Money) Money {
	if m > o {
		return m
	}
	return o
}

// PercentFloor returns floor(m * pct / 100). Rounding down never over-credits.
func (m Money) PercentFloor(pct decimal.Decimal) Money {
	if m <= 0 || !pct.IsPositive() {
		return 0
	}
	return MoneyFromDecimal(m.Decimal().Mul(pct).Div(hundred).Floor())
}

// NonNegative clamps m at zero.
func (m Money) NonNegative() Money { return m.Max(0) }

// Sum adds all amounts.
func Sum(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// EntityID identifies the owner of ledger accounts. In the tuition domain
// this is always a student.
type EntityID string

type TransactionID string
type AccountID string
type AuditID string

// NewID returns a time-ordered UUID (v7) string.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NonEmpty is a required free-text field such as a reason or approver name.
// The zero value is invalid.
type NonEmpty string

// Valid reports whether the value has any non-blank content.
func (n NonEmpty) Valid() bool {
	for _, r := range n {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}

func (n NonEmpty) String() string { return string(n) }
