/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from the configured origins

ROUTE GROUPS:
  /api/entities/*      Entity records, balances, history
  /api/ledger/*        Ledger commands
  /api/approvals/*     Approval gate
  /api/admin/*         Tax runs
  /api/audit           Audit log
  /api/integrity       Hash chain verification
  /healthz             Health
  /metrics             Prometheus

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/creditd/serve.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/entities", func(r chi.Router) {
			r.Get("/", h.ListEntities)
			r.Post("/", h.CreateEntity)
			r.Get("/{id}", h.GetEntity)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/history", h.GetHistory)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Post("/mint", h.Mint)
			r.Post("/burn", h.Burn)
			r.Post("/transfer", h.Transfer)
			r.Post("/usage", h.ChargeUsage)
			r.Post("/reward", h.RewardMission)
			r.Post("/tax", h.CollectTax)
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.ListApprovals)
			r.Get("/{id}", h.GetApproval)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/tax-runs", h.ListTaxRuns)
			r.Post("/tax-runs", h.TriggerTaxRun)
		})

		r.Get("/audit", h.QueryAudit)
		r.Get("/integrity", h.VerifyIntegrity)
	})

	return r
}
