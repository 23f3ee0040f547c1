/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates students, classes,
	enrollments and sessions, then drives the billing service so invoices,
	payments and ledger entries exist to look at.

AVAILABLE SCENARIOS:

	single-student:  One student, one class, issued invoice, partial payment
	sibling-family:  Two siblings, sibling discount resolved, invoices issued
	family-payment:  sibling-family plus an overpaying family payment
	settlement:      Small residual debt written off as a discount

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Upsert facts (students, classes, enrollments, held sessions)
 3. Drive the service: issue, pay, settle
 4. Everything is dated in the current month of the service clock

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "family-payment"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and error mapping
  - tuition/service.go: The operations scenarios drive
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/tuition"
)

const scenarioActor = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-student",
		Name:        "Single Student",
		Description: "One class at 200,000 per session, 8 held sessions, invoice issued and half paid in cash",
	},
	{
		ID:          "sibling-family",
		Name:        "Sibling Family",
		Description: "Two enrolled siblings; the earlier enrollment wins the sibling discount on their priciest class",
	},
	{
		ID:          "family-payment",
		Name:        "Family Payment",
		Description: "Sibling family paying more than owed in one bank transfer; the leftover is held for classification",
	},
	{
		ID:          "settlement",
		Name:        "Settlement",
		Description: "A 5,000 residual debt written off as a discount with a reason",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	loaders := map[string]func(context.Context) error{
		"single-student": h.loadSingleStudentScenario,
		"sibling-family": h.loadSiblingFamilyScenario,
		"family-payment": h.loadFamilyPaymentScenario,
		"settlement":     h.loadSettlementScenario,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		h.fail(w, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Log.Info("scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase drops all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(Resetter)
	if !ok {
		return fmt.Errorf("store %T cannot be reset", h.Store)
	}
	return rs.Reset(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSingleStudentScenario(ctx context.Context) error {
	month := generic.CurrentMonth(h.Service.Clock())
	if err := h.seed(ctx, month, []seedStudent{
		{id: "stu-001", name: "Minh Anh", class: "cls-math", rate: 200_000, startDay: 1},
	}); err != nil {
		return err
	}
	if _, err := h.Service.IssueInvoice(ctx, "stu-001", month, scenarioActor); err != nil {
		return err
	}
	_, err := h.Service.RecordPayment(ctx, tuition.RecordPaymentInput{
		StudentID:      "stu-001",
		Month:          month,
		Amount:         800_000,
		Method:         tuition.MethodCash,
		Memo:           "first half",
		Actor:          scenarioActor,
		IdempotencyKey: "scenario-single-" + month.String(),
	})
	return err
}

func (h *Handler) loadSiblingFamilyScenario(ctx context.Context) error {
	month := generic.CurrentMonth(h.Service.Clock())
	if err := h.seedSiblings(ctx, month); err != nil {
		return err
	}
	if _, err := h.Service.Siblings().Resolve(ctx, "fam-nguyen", month, scenarioActor); err != nil {
		return err
	}
	for _, id := range []tuition.StudentID{"stu-an", "stu-binh"} {
		if _, err := h.Service.IssueInvoice(ctx, id, month, scenarioActor); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadFamilyPaymentScenario(ctx context.Context) error {
	if err := h.loadSiblingFamilyScenario(ctx); err != nil {
		return err
	}
	_, err := h.Service.RecordFamilyPayment(ctx, tuition.FamilyPaymentInput{
		FamilyID:         "fam-nguyen",
		StudentIDs:       []tuition.StudentID{"stu-an", "stu-binh"},
		Amount:           6_000_000,
		Method:           tuition.MethodBank,
		Mode:             h.Policy.DefaultMode,
		LeftoverHandling: tuition.LeftoverHeld,
		Memo:             "bank transfer from parent",
		Actor:            scenarioActor,
		IdempotencyKey:   "scenario-family-" + generic.CurrentMonth(h.Service.Clock()).String(),
	})
	return err
}

func (h *Handler) loadSettlementScenario(ctx context.Context) error {
	month := generic.CurrentMonth(h.Service.Clock())
	if err := h.seed(ctx, month, []seedStudent{
		{id: "stu-002", name: "Quang Huy", class: "cls-piano", rate: 250_000, sessions: 4, startDay: 1},
	}); err != nil {
		return err
	}
	if _, err := h.Service.RecordPayment(ctx, tuition.RecordPaymentInput{
		StudentID: "stu-002",
		Month:     month,
		Amount:    995_000,
		Method:    tuition.MethodBank,
		Actor:     scenarioActor,
	}); err != nil {
		return err
	}
	_, err := h.Service.SettleBill(ctx, tuition.SettleInput{
		StudentID: "stu-002",
		Month:     month,
		Type:      tuition.SettleDiscount,
		Amount:    5_000,
		Reason:    "rounding on bank transfer",
		Actor:     scenarioActor,
	})
	return err
}

// =============================================================================
// SEED HELPERS
// =============================================================================

type seedStudent struct {
	id       tuition.StudentID
	name     string
	family   tuition.FamilyID
	class    tuition.ClassID
	rate     generic.Money
	sessions int // held sessions on days 1..n; 8 when zero
	startDay int
	discount *tuition.Discount
}

// seed upserts students with one class each and held sessions in month.
// Classes shared between students are saved once.
func (h *Handler) seed(ctx context.Context, month generic.Month, students []seedStudent) error {
	loc := h.loc()
	classes := map[tuition.ClassID]bool{}
	for _, s := range students {
		if err := h.Store.SaveStudent(ctx, tuition.Student{
			ID: s.id, Name: s.name, FamilyID: s.family, IsActive: true,
		}); err != nil {
			return err
		}
		if !classes[s.class] {
			classes[s.class] = true
			if err := h.Store.SaveClass(ctx, tuition.Class{ID: s.class, Name: string(s.class), Rate: s.rate}); err != nil {
				return err
			}
			n := s.sessions
			if n == 0 {
				n = 8
			}
			for day := 1; day <= n; day++ {
				if err := h.Store.SaveSession(ctx, tuition.Session{
					ID:      tuition.SessionID(fmt.Sprintf("%s-%s-%02d", s.class, month, day)),
					ClassID: s.class,
					Date:    generic.Date(month.Year(), month.Month(), day, loc),
					Status:  tuition.SessionHeld,
				}); err != nil {
					return err
				}
			}
		}
		if err := h.Store.SaveEnrollment(ctx, tuition.Enrollment{
			ID:        tuition.EnrollmentID("enr-" + string(s.id) + "-" + string(s.class)),
			StudentID: s.id,
			ClassID:   s.class,
			StartDate: generic.Date(month.Year(), month.Month(), s.startDay, loc),
			Discount:  s.discount,
		}); err != nil {
			return err
		}
	}
	return nil
}

// seedSiblings creates the Nguyen family. An enrolled a day earlier, so
// earliest-enrollment policies pick An; Binh keeps a 10% monthly discount.
func (h *Handler) seedSiblings(ctx context.Context, month generic.Month) error {
	return h.seed(ctx, month, []seedStudent{
		{id: "stu-an", name: "Nguyen An", family: "fam-nguyen", class: "cls-math", rate: 300_000, startDay: 1},
		{id: "stu-an", name: "Nguyen An", family: "fam-nguyen", class: "cls-art", rate: 200_000, startDay: 1},
		{id: "stu-binh", name: "Nguyen Binh", family: "fam-nguyen", class: "cls-english", rate: 250_000, startDay: 2,
			discount: &tuition.Discount{Type: tuition.DiscountPercent, Value: decimal.NewFromInt(10), Cadence: tuition.CadenceMonthly}},
	})
}
