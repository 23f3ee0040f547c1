/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the tuition billing engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the tuition
  service.

ENDPOINTS:
  Facts (upstream data, upserted by the surrounding product):
    PUT    /api/students/{id}
    PUT    /api/classes/{id}
    PUT    /api/enrollments/{id}
    PUT    /api/sessions/{id}

  Invoices:
    GET    /api/students/{id}/invoices/{month}              Draft or persisted invoice
    POST   /api/students/{id}/invoices/{month}/issue        Materialize as issued
    POST   /api/students/{id}/invoices/{month}/recalculate  Recompute after fact changes
    POST   /api/students/{id}/invoices/{month}/settle       Discount / unapplied / contribution
    POST   /api/invoices/{id}/adjust                        Admin override of recorded payment
    POST   /api/invoices/{id}/reverse                       Reverse the recorded payment

  Payments:
    POST   /api/students/{id}/payments         Single-student payment
    POST   /api/families/{id}/payments         Family payment (207 when not fully booked)
    GET    /api/payments/{id}                  Family payment outcome
    POST   /api/payments/{id}/leftover         Classify held leftover

  Siblings:
    GET    /api/families/{id}/sibling-discount/{month}
    POST   /api/families/{id}/sibling-discount/{month}/assign

  Ledger / audit:
    GET    /api/students/{id}/ledger           Entries and balances
    GET    /api/ledger/trial-balance
    GET    /api/audit                          ?entity=&entity_id=&actor=&action=&from=&to=&limit=

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    POST   /api/scenarios/load         Load a demo scenario

ACTOR:
  Identity is owned by an external provider. The caller passes the acting
  user in the X-Actor-ID header; it is recorded on every posting and audit
  entry.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, unknown allocation mode
  - 404: Resource not found
  - 409: Concurrent modification retries exhausted, duplicate key
  - 422: Missing consent, inconsistent upstream facts
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/tuition"
)

// ActorHeader carries the acting user id.
const ActorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter is implemented by stores that can drop all data. Scenarios
// need it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *tuition.Service
	Store   tuition.Store
	Policy  *factory.BillingPolicy
	Money   *MoneyDisplay
	Log     *slog.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around a service. policy supplies the
// family payment defaults; money renders display strings.
func NewHandler(svc *tuition.Service, policy *factory.BillingPolicy, money *MoneyDisplay, log *slog.Logger) *Handler {
	if policy == nil {
		policy = factory.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Service:  svc,
		Store:    svc.Store(),
		Policy:   policy,
		Money:    money,
		Log:      log,
		validate: newValidator(),
	}
}

func (h *Handler) loc() *time.Location { return h.Service.Clock().Location() }

// =============================================================================
// FACT HANDLERS
// =============================================================================

// PutStudent upserts a student.
func (h *Handler) PutStudent(w http.ResponseWriter, r *http.Request) {
	var req StudentRequest
	if !h.decode(w, r, &req) {
		return
	}
	st := tuition.Student{
		ID:       tuition.StudentID(chi.URLParam(r, "id")),
		Name:     req.Name,
		FamilyID: tuition.FamilyID(req.FamilyID),
		IsActive: req.IsActive == nil || *req.IsActive,
	}
	if err := h.Store.SaveStudent(r.Context(), st); err != nil {
		h.fail(w, "Failed to save student", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// PutClass upserts a class.
func (h *Handler) PutClass(w http.ResponseWriter, r *http.Request) {
	var req ClassRequest
	if !h.decode(w, r, &req) {
		return
	}
	days, err := parseWeekdays(req.ScheduleDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid schedule_days", err)
		return
	}
	c := tuition.Class{
		ID:           tuition.ClassID(chi.URLParam(r, "id")),
		Name:         req.Name,
		Rate:         generic.Money(req.Rate),
		ScheduleDays: days,
	}
	if err := h.Store.SaveClass(r.Context(), c); err != nil {
		h.fail(w, "Failed to save class", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// PutEnrollment upserts an enrollment. Ending an enrollment is a PUT with
// end_date set.
func (h *Handler) PutEnrollment(w http.ResponseWriter, r *http.Request) {
	var req EnrollmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	e, err := h.enrollmentFrom(chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, "Invalid enrollment", err)
		return
	}
	if err := h.Store.SaveEnrollment(r.Context(), e); err != nil {
		h.fail(w, "Failed to save enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) enrollmentFrom(id string, req EnrollmentRequest) (tuition.Enrollment, error) {
	start, err := parseDate(req.StartDate, h.loc())
	if err != nil {
		return tuition.Enrollment{}, generic.Invalid("start_date", "%v", err)
	}
	e := tuition.Enrollment{
		ID:        tuition.EnrollmentID(id),
		StudentID: tuition.StudentID(req.StudentID),
		ClassID:   tuition.ClassID(req.ClassID),
		StartDate: start,
	}
	if req.EndDate != "" {
		end, err := parseDate(req.EndDate, h.loc())
		if err != nil {
			return tuition.Enrollment{}, generic.Invalid("end_date", "%v", err)
		}
		e.EndDate = &end
	}
	if req.Discount != nil {
		value, err := decimal.NewFromString(req.Discount.Value)
		if err != nil {
			return tuition.Enrollment{}, generic.Invalid("discount.value", "%v", err)
		}
		e.Discount = &tuition.Discount{
			Type:    tuition.DiscountType(req.Discount.Type),
			Value:   value,
			Cadence: tuition.DiscountCadence(req.Discount.Cadence),
		}
	}
	if e.AllowedDays, err = parseWeekdays(req.AllowedDays); err != nil {
		return tuition.Enrollment{}, generic.Invalid("allowed_days", "%v", err)
	}
	if req.RateOverride != nil {
		rate := generic.Money(*req.RateOverride)
		e.RateOverride = &rate
	}
	return e, e.Validate()
}

// PutSession upserts a session.
func (h *Handler) PutSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate(req.Date, h.loc())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	s := tuition.Session{
		ID:      tuition.SessionID(chi.URLParam(r, "id")),
		ClassID: tuition.ClassID(req.ClassID),
		Date:    date,
		Status:  tuition.SessionStatus(req.Status),
	}
	if req.RateOverride != nil {
		rate := generic.Money(*req.RateOverride)
		s.RateOverride = &rate
	}
	if err := h.Store.SaveSession(r.Context(), s); err != nil {
		h.fail(w, "Failed to save session", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// GetInvoice returns the persisted invoice, or a draft when none exists.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	student, month, ok := studentMonth(w, r)
	if !ok {
		return
	}
	st, err := h.Service.InvoiceState(r.Context(), student, month)
	if err != nil {
		h.fail(w, "Failed to calculate invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toInvoiceDTO(st))
}

// IssueInvoice materializes the month's invoice.
func (h *Handler) IssueInvoice(w http.ResponseWriter, r *http.Request) {
	student, month, ok := studentMonth(w, r)
	if !ok {
		return
	}
	inv, err := h.Service.IssueInvoice(r.Context(), student, month, actor(r))
	if err != nil {
		h.fail(w, "Failed to issue invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, h.invoiceDTO(inv))
}

// RecalculateInvoice recomputes a persisted invoice from current facts.
func (h *Handler) RecalculateInvoice(w http.ResponseWriter, r *http.Request) {
	student, month, ok := studentMonth(w, r)
	if !ok {
		return
	}
	inv, err := h.Service.RecalculateInvoice(r.Context(), student, month, actor(r))
	if err != nil {
		h.fail(w, "Failed to recalculate invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, h.invoiceDTO(inv))
}

// SettleBill closes a residual balance.
func (h *Handler) SettleBill(w http.ResponseWriter, r *http.Request) {
	student, month, ok := studentMonth(w, r)
	if !ok {
		return
	}
	var req SettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.SettleBill(r.Context(), tuition.SettleInput{
		StudentID:    student,
		Month:        month,
		Type:         tuition.SettlementType(req.Type),
		Amount:       generic.Money(req.Amount),
		Reason:       generic.NonEmpty(req.Reason),
		ConsentGiven: req.ConsentGiven,
		ApproverName: req.ApproverName,
		Actor:        actor(r),
	})
	if err != nil {
		h.fail(w, "Failed to settle bill", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AdjustInvoice overrides recorded_payment with a mandatory reason.
func (h *Handler) AdjustInvoice(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.AdjustRecordedPayment(r.Context(), tuition.AdjustInput{
		InvoiceID: tuition.InvoiceID(chi.URLParam(r, "id")),
		NewAmount: generic.Money(*req.NewAmount),
		Reason:    generic.NonEmpty(req.Reason),
		Actor:     actor(r),
	})
	if err != nil {
		h.fail(w, "Failed to adjust recorded payment", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReverseInvoice sets recorded_payment back to zero.
func (h *Handler) ReverseInvoice(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.ReverseRecordedPayment(r.Context(),
		tuition.InvoiceID(chi.URLParam(r, "id")), generic.NonEmpty(req.Reason), actor(r))
	if err != nil {
		h.fail(w, "Failed to reverse recorded payment", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment applies a payment to one student's month.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	occurred, err := parseOptionalTime(req.OccurredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid occurred_at (use RFC 3339)", err)
		return
	}
	res, err := h.Service.RecordPayment(r.Context(), tuition.RecordPaymentInput{
		StudentID:      tuition.StudentID(chi.URLParam(r, "id")),
		Month:          generic.Month(req.Month),
		Amount:         generic.Money(req.Amount),
		OccurredAt:     occurred,
		Method:         tuition.PaymentMethod(req.Method),
		Memo:           req.Memo,
		Actor:          actor(r),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.fail(w, "Failed to record payment", err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, PaymentResponse{PaymentResult: res, BalanceDisplay: h.Money.Format(res.NewBalance)})
}

// RecordFamilyPayment splits one payment across a family's students.
// Mode and leftover handling default to the active billing policy.
func (h *Handler) RecordFamilyPayment(w http.ResponseWriter, r *http.Request) {
	var req FamilyPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	occurred, err := parseOptionalTime(req.OccurredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid occurred_at (use RFC 3339)", err)
		return
	}
	in := tuition.FamilyPaymentInput{
		FamilyID:         tuition.FamilyID(chi.URLParam(r, "id")),
		Amount:           generic.Money(req.Amount),
		Method:           tuition.PaymentMethod(req.Method),
		OccurredAt:       occurred,
		Mode:             h.Policy.DefaultMode,
		LeftoverHandling: h.Policy.DefaultLeftover,
		ConsentGiven:     req.ConsentGiven,
		ApproverName:     req.ApproverName,
		Memo:             req.Memo,
		Actor:            actor(r),
		IdempotencyKey:   idempotencyKey(r, req.IdempotencyKey),
	}
	if req.Mode != "" {
		in.Mode = generic.AllocationMode(req.Mode)
	}
	if req.LeftoverHandling != "" {
		in.LeftoverHandling = tuition.LeftoverHandling(req.LeftoverHandling)
	}
	for _, id := range req.StudentIDs {
		in.StudentIDs = append(in.StudentIDs, tuition.StudentID(id))
	}
	for _, m := range req.ManualAllocations {
		in.ManualAllocations = append(in.ManualAllocations, generic.ManualRequest{
			EntityID: generic.EntityID(m.StudentID),
			Amount:   generic.Money(m.Amount),
		})
	}

	res, err := h.Service.RecordFamilyPayment(r.Context(), in)
	switch {
	case err != nil && res.ParentPaymentID != "":
		// The cash was received; the per-student result is the report.
		h.Log.Warn("family payment not fully allocated",
			"payment_id", res.ParentPaymentID, "failed", res.FailCount,
			"partial", errors.Is(err, generic.ErrPartialAllocation), "error", err)
		writeJSON(w, http.StatusMultiStatus, h.familyResponse(res))
	case err != nil:
		h.fail(w, "Failed to record family payment", err)
	case res.Duplicate:
		writeJSON(w, http.StatusOK, h.familyResponse(res))
	default:
		writeJSON(w, http.StatusCreated, h.familyResponse(res))
	}
}

func (h *Handler) familyResponse(res tuition.FamilyPaymentResult) FamilyPaymentResponse {
	return FamilyPaymentResponse{
		FamilyPaymentResult: res,
		AllocatedDisplay:    h.Money.Format(res.Allocated()),
		LeftoverDisplay:     h.Money.Format(res.LeftoverAmount),
	}
}

// GetPayment rebuilds a family payment's outcome.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.FamilyPaymentOutcome(r.Context(), tuition.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to get payment", err)
		return
	}
	writeJSON(w, http.StatusOK, h.familyResponse(res))
}

// ClassifyLeftover closes a payment's held leftover.
func (h *Handler) ClassifyLeftover(w http.ResponseWriter, r *http.Request) {
	var req LeftoverRequest
	if !h.decode(w, r, &req) {
		return
	}
	sum, err := h.Service.ClassifyLeftover(r.Context(), tuition.ClassifyLeftoverInput{
		PaymentID:    tuition.PaymentID(chi.URLParam(r, "id")),
		Handling:     tuition.LeftoverHandling(req.Handling),
		ConsentGiven: req.ConsentGiven,
		ApproverName: req.ApproverName,
		Reason:       generic.NonEmpty(req.Reason),
		Actor:        actor(r),
	})
	if err != nil {
		h.fail(w, "Failed to classify leftover", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// =============================================================================
// SIBLING HANDLERS
// =============================================================================

// GetSiblingDiscount returns the family's sibling state for the month,
// resolving it when nothing is stored yet.
func (h *Handler) GetSiblingDiscount(w http.ResponseWriter, r *http.Request) {
	family, month, ok := familyMonth(w, r)
	if !ok {
		return
	}
	st, err := h.Service.SiblingDiscountState(r.Context(), family, month)
	if err != nil {
		h.fail(w, "Failed to get sibling discount", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AssignSiblingWinner records a manual winner decision.
func (h *Handler) AssignSiblingWinner(w http.ResponseWriter, r *http.Request) {
	family, month, ok := familyMonth(w, r)
	if !ok {
		return
	}
	var req AssignWinnerRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.Service.Siblings().AssignWinner(r.Context(), family, month,
		tuition.StudentID(req.StudentID), generic.NonEmpty(req.Reason), actor(r))
	if err != nil {
		h.fail(w, "Failed to assign sibling winner", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// =============================================================================
// LEDGER / AUDIT HANDLERS
// =============================================================================

// GetStudentLedger returns a student's entries and per-account balances.
func (h *Handler) GetStudentLedger(w http.ResponseWriter, r *http.Request) {
	student := tuition.StudentID(chi.URLParam(r, "id"))
	filter := generic.EntryFilter{EntityID: student}
	if m := r.URL.Query().Get("month"); m != "" {
		month, err := generic.ParseMonth(m)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
			return
		}
		filter.Month = month
	}
	entries, err := h.Service.Ledger().Entries(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to load ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, StudentLedgerResponse{
		StudentID: student,
		Balances:  h.toBalanceDTOs(generic.BuildTrialBalance(entries).Accounts),
		Entries:   toEntryDTOs(entries),
	})
}

// GetTrialBalance aggregates the whole ledger.
func (h *Handler) GetTrialBalance(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.Ledger().Entries(r.Context(), generic.EntryFilter{})
	if err != nil {
		h.fail(w, "Failed to load ledger", err)
		return
	}
	tb := generic.BuildTrialBalance(entries)
	writeJSON(w, http.StatusOK, TrialBalanceResponse{
		Accounts:    h.toBalanceDTOs(tb.Accounts),
		TotalDebit:  tb.TotalDebit,
		TotalCredit: tb.TotalCredit,
		Balanced:    tb.Balanced(),
	})
}

// QueryAudit filters the audit log.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.AuditFilter{
		Entity:   q.Get("entity"),
		EntityID: q.Get("entity_id"),
		ActorID:  q.Get("actor"),
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, generic.AuditAction(a))
	}
	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+key+" (use RFC 3339)", err)
				return
			}
			*dst = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}
	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to query audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toAuditDTOs(entries)})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a service error to its status. Server errors are logged.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error(message, "error", err)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrConsentRequired), errors.Is(err, generic.ErrCalculation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, generic.ErrConflict), errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func actor(r *http.Request) string {
	if id := r.Header.Get(ActorHeader); id != "" {
		return id
	}
	return "anonymous"
}

// idempotencyKey prefers the body field over the Idempotency-Key header.
func idempotencyKey(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get("Idempotency-Key")
}

func studentMonth(w http.ResponseWriter, r *http.Request) (tuition.StudentID, generic.Month, bool) {
	month, err := generic.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
		return "", "", false
	}
	return tuition.StudentID(chi.URLParam(r, "id")), month, true
}

func familyMonth(w http.ResponseWriter, r *http.Request) (tuition.FamilyID, generic.Month, bool) {
	month, err := generic.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
		return "", "", false
	}
	return tuition.FamilyID(chi.URLParam(r, "id")), month, true
}
