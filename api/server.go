/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for a browser frontend

ROUTE GROUPS:
  /api/claims/*         Claim lifecycle
  /api/employees/*      Balances and ledger history
  /api/admin/*          Adjustments, recalculation, outbox, alerts
  /api/reports/*        Cached reports
  /api/scenarios/*      Demo fixtures
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, http.StatusOK, "ok", nil)
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/claims", func(r chi.Router) {
			r.Post("/", h.CreateClaim)
			r.Get("/", h.ListClaims)
			r.Get("/{id}", h.GetClaim)
			r.Put("/{id}", h.UpdateClaim)
			r.Delete("/{id}", h.DeleteClaim)
			r.Post("/{id}/status", h.SetClaimStatus)
		})

		r.Route("/employees/{id}", func(r chi.Router) {
			r.Get("/balances", h.GetBalances)
			r.Get("/balances/available", h.GetAvailable)
			r.Get("/transactions", h.GetTransactions)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/recalculate", h.Recalculate)
			r.Post("/balances/init", h.InitBalances)
			r.Get("/balances/{employee}/{budget}/replay", h.ReplayBalance)
			r.Get("/alerts", h.GetAlerts)
			r.Get("/reconciliation-failures", h.ListFailures)
			r.Post("/reconciliation-failures/retry", h.RetryFailures)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/", h.ListReports)
			r.Get("/{kind}", h.GetReport)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
