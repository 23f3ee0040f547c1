/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the surrounding product's frontend

ROUTE GROUPS:
  /api/students/*       Facts, invoices, single payments, ledger
  /api/classes/*        Facts
  /api/enrollments/*    Facts
  /api/sessions/*       Facts
  /api/families/*       Family payments, sibling discount
  /api/invoices/*       Overrides and reversals
  /api/payments/*       Payment outcome, leftover classification
  /api/ledger/*         Trial balance
  /api/audit            Audit log
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. Identity comes from an external provider;
  the caller passes the actor in X-Actor-ID.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/billing/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. origins are
// the allowed CORS origins.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader, "Idempotency-Key"},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/students/{id}", func(r chi.Router) {
			r.Put("/", h.PutStudent)
			r.Get("/ledger", h.GetStudentLedger)
			r.Post("/payments", h.RecordPayment)
			r.Route("/invoices/{month}", func(r chi.Router) {
				r.Get("/", h.GetInvoice)
				r.Post("/issue", h.IssueInvoice)
				r.Post("/recalculate", h.RecalculateInvoice)
				r.Post("/settle", h.SettleBill)
			})
		})

		r.Put("/classes/{id}", h.PutClass)
		r.Put("/enrollments/{id}", h.PutEnrollment)
		r.Put("/sessions/{id}", h.PutSession)

		r.Route("/families/{id}", func(r chi.Router) {
			r.Post("/payments", h.RecordFamilyPayment)
			r.Get("/sibling-discount/{month}", h.GetSiblingDiscount)
			r.Post("/sibling-discount/{month}/assign", h.AssignSiblingWinner)
		})

		r.Route("/invoices/{id}", func(r chi.Router) {
			r.Post("/adjust", h.AdjustInvoice)
			r.Post("/reverse", h.ReverseInvoice)
		})

		r.Route("/payments/{id}", func(r chi.Router) {
			r.Get("/", h.GetPayment)
			r.Post("/leftover", h.ClassifyLeftover)
		})

		r.Get("/ledger/trial-balance", h.GetTrialBalance)
		r.Get("/audit", h.QueryAudit)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Tuition Billing Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Tuition Billing Engine API</h1>
<p>Load a demo with <code>POST /api/scenarios/load {"scenario_id": "family-payment"}</code>.</p>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/scenarios">/api/scenarios</a> - List scenarios</li>
<li><a href="/api/ledger/trial-balance">/api/ledger/trial-balance</a> - Trial balance</li>
<li><a href="/api/audit?limit=50">/api/audit</a> - Audit log</li>
</ul>
</body>
</html>`))
	})

	return r
}
