/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for score displays

ROUTE GROUPS:
  /api/events           Event ingestion
  /api/transfers        Point transfers
  /api/accounts/*       Per-account reads
  /api/rankings/*       Leaderboards
  /api/policies         Award policies
  /api/admin/*          Adjustments and replay
  /api/scenarios/*      Demo scenarios
  /healthz              Store liveness
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. Put the admin group behind a gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	gatherer := h.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", h.ProcessEvent)
		r.Post("/transfers", h.CreateTransfer)

		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/stats", h.GetStats)
			r.Get("/records", h.GetRecords)
			r.Get("/transfers", h.GetTransfers)
			r.Get("/achievements", h.GetAchievements)
			r.Get("/awards", h.GetAwards)
		})

		r.Get("/rankings/{scope}", h.GetRanking)

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.ListPolicies)
			r.Post("/", h.CreatePolicy)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjustment", h.Adjust)
			r.Post("/replay", h.Replay)
			r.Get("/replay/status", h.ReplayStatus)
			r.Get("/verify", h.Verify)
		})
	})

	return r
}
