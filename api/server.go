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
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the booking frontend

ROUTE GROUPS:
  /api/owners/*      Balance, grants, and audit trail reads
  /api/consume       Booking-driven consumption
  /api/refund        Booking cancellation refunds
  /api/grants/*      Grant issuance and administration
  /api/admin/*       Operational endpoints

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Owner routes
		r.Route("/owners", func(r chi.Router) {
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/grants", h.ListGrants)
			r.Get("/{id}/ledger", h.ListLedger)
		})

		// Booking routes
		r.Post("/consume", h.Consume)
		r.Post("/refund", h.Refund)

		// Grant routes
		r.Route("/grants", func(r chi.Router) {
			r.Post("/", h.CreateGrant)
			r.Post("/company", h.CreateCompanyAllocation)
			r.Get("/{id}", h.GetGrant)
			r.Post("/{id}/adjust", h.AdjustGrant)
			r.Post("/{id}/revoke", h.RevokeGrant)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
		})
	})

	return r
}
