/*
server.go - HTTP router and middleware configuration

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request
  4. Request logger: zerolog logger with the request id, in the context
  5. CORS:       Cross-origin requests for the web client

ROUTE GROUPS:
  /health               Liveness and next sweep time
  /api/accounts/*       Accounts, transactions, recurring
  /api/admin/*          Sweep trigger and history
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

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(h.withRequestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.OpenAccount)

			r.Route("/{owner}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Get("/verify", h.VerifyBalance)

				r.Get("/transactions", h.ListTransactions)
				r.Post("/transactions", h.AddTransaction)
				r.Put("/transactions/{id}", h.UpdateTransaction)
				r.Delete("/transactions/{id}", h.DeleteTransaction)

				r.Get("/recurring/upcoming", h.UpcomingRecurring)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/sweeps", h.ListSweepRuns)
		})
	})

	return r
}
