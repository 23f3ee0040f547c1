/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are integers in the currency's minor units. Responses that carry
  money also carry a *_display string rendered for the configured locale.

VALIDATION:
  Request types carry go-playground/validator tags. Shape is checked here;
  business rules (consent, caps, ownership) are checked by the service.

SEE ALSO:
  - handlers.go: Uses these types
  - display.go: Money rendering
*/
package api

import (
	"time"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/tuition"
)

// =============================================================================
// FACTS
// =============================================================================

type StudentRequest struct {
	Name     string `json:"name" validate:"required"`
	FamilyID string `json:"family_id"`
	IsActive *bool  `json:"is_active"`
}

type ClassRequest struct {
	Name         string   `json:"name" validate:"required"`
	Rate         int64    `json:"rate" validate:"gte=0"`
	ScheduleDays []string `json:"schedule_days" validate:"dive,weekday"`
}

type DiscountRequest struct {
	Type    string `json:"type" validate:"required,oneof=percent amount"`
	Value   string `json:"value" validate:"required,numeric"`
	Cadence string `json:"cadence" validate:"required,oneof=once monthly"`
}

type EnrollmentRequest struct {
	StudentID    string           `json:"student_id" validate:"required"`
	ClassID      string           `json:"class_id" validate:"required"`
	StartDate    string           `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate      string           `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Discount     *DiscountRequest `json:"discount"`
	AllowedDays  []string         `json:"allowed_days" validate:"dive,weekday"`
	RateOverride *int64           `json:"rate_override" validate:"omitempty,gte=0"`
}

type SessionRequest struct {
	ClassID      string `json:"class_id" validate:"required"`
	Date         string `json:"date" validate:"required,datetime=2006-01-02"`
	Status       string `json:"status" validate:"required,oneof=Scheduled Held Canceled Holiday"`
	RateOverride *int64 `json:"rate_override" validate:"omitempty,gte=0"`
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceDTO is either a draft (ID empty, status "draft") or a persisted
// invoice.
type InvoiceDTO struct {
	ID                 tuition.InvoiceID     `json:"id,omitempty"`
	StudentID          tuition.StudentID     `json:"student_id"`
	Month              generic.Month         `json:"month"`
	Status             tuition.InvoiceStatus `json:"status"`
	Lines              []tuition.InvoiceLine `json:"lines"`
	BaseAmount         generic.Money         `json:"base_amount"`
	DiscountAmount     generic.Money         `json:"discount_amount"`
	TotalAmount        generic.Money         `json:"total_amount"`
	RecordedPayment    generic.Money         `json:"recorded_payment"`
	SettlementDiscount generic.Money         `json:"settlement_discount"`
	SettledCredit      generic.Money         `json:"settled_credit"`
	CarryInCredit      generic.Money         `json:"carry_in_credit"`
	CarryInDebt        generic.Money         `json:"carry_in_debt"`
	CarryOutCredit     generic.Money         `json:"carry_out_credit"`
	CarryOutDebt       generic.Money         `json:"carry_out_debt"`
	Outstanding        generic.Money         `json:"outstanding"`
	Credit             generic.Money         `json:"credit"`
	Version            int64                 `json:"version,omitempty"`
	TotalDisplay       string                `json:"total_display"`
	OutstandingDisplay string                `json:"outstanding_display"`
	Currency           string                `json:"currency"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentRequest struct {
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Method         string `json:"method" validate:"required,oneof=cash bank card other"`
	Month          string `json:"month" validate:"omitempty,month"`
	OccurredAt     string `json:"occurred_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Memo           string `json:"memo"`
	IdempotencyKey string `json:"idempotency_key"`
}

type PaymentResponse struct {
	tuition.PaymentResult
	BalanceDisplay string `json:"new_balance_display"`
}

type ManualAllocationRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"gte=0"`
}

type FamilyPaymentRequest struct {
	StudentIDs        []string                  `json:"student_ids" validate:"required,min=1,dive,required"`
	Amount            int64                     `json:"amount" validate:"required,gt=0"`
	Method            string                    `json:"method" validate:"required,oneof=cash bank card other"`
	Mode              string                    `json:"mode"`
	ManualAllocations []ManualAllocationRequest `json:"manual_allocations" validate:"dive"`
	LeftoverHandling  string                    `json:"leftover_handling"`
	ConsentGiven      bool                      `json:"consent_given"`
	ApproverName      string                    `json:"approver_name"`
	OccurredAt        string                    `json:"occurred_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Memo              string                    `json:"memo"`
	IdempotencyKey    string                    `json:"idempotency_key"`
}

type FamilyPaymentResponse struct {
	tuition.FamilyPaymentResult
	AllocatedDisplay string `json:"allocated_display"`
	LeftoverDisplay  string `json:"leftover_display"`
}

type LeftoverRequest struct {
	Handling     string `json:"handling" validate:"required,oneof=unapplied_cash voluntary_contribution"`
	ConsentGiven bool   `json:"consent_given"`
	ApproverName string `json:"approver_name"`
	Reason       string `json:"reason" validate:"required"`
}

// =============================================================================
// SETTLEMENTS / OVERRIDES
// =============================================================================

type SettleRequest struct {
	Type         string `json:"type" validate:"required,oneof=discount unapplied_cash voluntary_contribution"`
	Amount       int64  `json:"amount" validate:"required,gt=0"`
	Reason       string `json:"reason" validate:"required"`
	ConsentGiven bool   `json:"consent_given"`
	ApproverName string `json:"approver_name"`
}

type AdjustRequest struct {
	NewAmount *int64 `json:"new_recorded_payment" validate:"required,gte=0"`
	Reason    string `json:"reason" validate:"required"`
}

type ReverseRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type AssignWinnerRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
}

// =============================================================================
// LEDGER / AUDIT
// =============================================================================

type EntryDTO struct {
	ID          string                `json:"id"`
	TxID        generic.TransactionID `json:"tx_id"`
	EntityID    generic.EntityID      `json:"entity_id"`
	Code        generic.AccountCode   `json:"code"`
	Debit       generic.Money         `json:"debit"`
	Credit      generic.Money         `json:"credit"`
	OccurredAt  string                `json:"occurred_at"`
	Month       generic.Month         `json:"month"`
	Memo        string                `json:"memo,omitempty"`
	ReferenceID string                `json:"reference_id,omitempty"`
	CreatedBy   string                `json:"created_by,omitempty"`
}

type AccountBalanceDTO struct {
	EntityID       generic.EntityID    `json:"entity_id"`
	Code           generic.AccountCode `json:"code"`
	Debit          generic.Money       `json:"debit"`
	Credit         generic.Money       `json:"credit"`
	Balance        generic.Money       `json:"balance"`
	BalanceDisplay string              `json:"balance_display"`
}

type StudentLedgerResponse struct {
	StudentID tuition.StudentID   `json:"student_id"`
	Balances  []AccountBalanceDTO `json:"balances"`
	Entries   []EntryDTO          `json:"entries"`
}

type TrialBalanceResponse struct {
	Accounts    []AccountBalanceDTO `json:"accounts"`
	TotalDebit  generic.Money       `json:"total_debit"`
	TotalCredit generic.Money       `json:"total_credit"`
	Balanced    bool                `json:"balanced"`
}

type AuditEntryDTO struct {
	ID         generic.AuditID     `json:"id"`
	Entity     string              `json:"entity"`
	EntityID   string              `json:"entity_id"`
	Action     generic.AuditAction `json:"action"`
	ActorID    string              `json:"actor_id"`
	OccurredAt string              `json:"occurred_at"`
	Diff       generic.AuditDiff   `json:"diff"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryDTOs(entries []generic.Entry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = EntryDTO{
			ID:          e.ID,
			TxID:        e.TxID,
			EntityID:    e.EntityID,
			Code:        e.Code,
			Debit:       e.Debit,
			Credit:      e.Credit,
			OccurredAt:  e.OccurredAt.Format(time.RFC3339),
			Month:       e.Month,
			Memo:        e.Memo,
			ReferenceID: e.ReferenceID,
			CreatedBy:   e.CreatedBy,
		}
	}
	return out
}

func toAuditDTOs(entries []generic.AuditEntry) []AuditEntryDTO {
	out := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = AuditEntryDTO{
			ID:         e.ID,
			Entity:     e.Entity,
			EntityID:   e.EntityID,
			Action:     e.Action,
			ActorID:    e.ActorID,
			OccurredAt: e.OccurredAt.Format(time.RFC3339),
			Diff:       e.Diff,
		}
	}
	return out
}

func (h *Handler) toBalanceDTOs(rows []generic.AccountBalance) []AccountBalanceDTO {
	out := make([]AccountBalanceDTO, len(rows))
	for i, r := range rows {
		out[i] = AccountBalanceDTO{
			EntityID:       r.EntityID,
			Code:           r.Code,
			Debit:          r.Debit,
			Credit:         r.Credit,
			Balance:        r.Balance,
			BalanceDisplay: h.Money.Format(r.Balance),
		}
	}
	return out
}

func (h *Handler) toInvoiceDTO(st tuition.InvoiceState) InvoiceDTO {
	var dto InvoiceDTO
	switch v := st.(type) {
	case tuition.Draft:
		credit, debt := v.CarryOut()
		dto = InvoiceDTO{
			StudentID:      v.StudentID,
			Month:          v.Month,
			Status:         tuition.StatusDraft,
			Lines:          v.Lines,
			BaseAmount:     v.BaseAmount,
			DiscountAmount: v.DiscountAmount,
			TotalAmount:    v.TotalAmount,
			CarryInCredit:  v.CarryInCredit,
			CarryInDebt:    v.CarryInDebt,
			CarryOutCredit: credit,
			CarryOutDebt:   debt,
			Outstanding:    debt,
			Credit:         credit,
		}
	case tuition.Persisted:
		dto = h.invoiceDTO(v.Invoice)
	}
	dto.TotalDisplay = h.Money.Format(dto.TotalAmount)
	dto.OutstandingDisplay = h.Money.Format(dto.Outstanding)
	dto.Currency = h.Money.Currency()
	return dto
}

func (h *Handler) invoiceDTO(inv tuition.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:                 inv.ID,
		StudentID:          inv.StudentID,
		Month:              inv.Month,
		Status:             inv.Status,
		Lines:              inv.Lines,
		BaseAmount:         inv.BaseAmount,
		DiscountAmount:     inv.DiscountAmount,
		TotalAmount:        inv.TotalAmount,
		RecordedPayment:    inv.RecordedPayment,
		SettlementDiscount: inv.SettlementDiscount,
		SettledCredit:      inv.SettledCredit,
		CarryInCredit:      inv.CarryInCredit,
		CarryInDebt:        inv.CarryInDebt,
		CarryOutCredit:     inv.CarryOutCredit,
		CarryOutDebt:       inv.CarryOutDebt,
		Outstanding:        inv.Outstanding(),
		Credit:             inv.Credit(),
		Version:            inv.Version,
		TotalDisplay:       h.Money.Format(inv.TotalAmount),
		OutstandingDisplay: h.Money.Format(inv.Outstanding()),
		Currency:           h.Money.Currency(),
	}
}
