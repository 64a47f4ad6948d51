package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router and middleware stack.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Get("/accounts/{id}/health", h.AccountHealth)
		r.Get("/accounts/{id}/churn", h.AccountChurn)
		r.Get("/churn", h.BulkChurn)

		r.Post("/snapshots/run", h.RunSnapshots)
		r.Post("/campaigns/{id}/enroll", h.EnrollCampaign)
		r.Post("/campaigns/tick", h.TickCampaigns)
		r.Post("/escalations/run", h.RunEscalations)

		r.Get("/tasks", h.ListTasks)
		r.Get("/escalations", h.ListEscalations)
	})

	r.Post("/webhooks/billing", h.BillingWebhook)

	return r
}
