/*
server.go - HTTP router and middleware

chi router with the usual stack: request id, panic recovery, CORS for
the desktop webview. Route groups mirror the three service areas.
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires all routes.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:1420", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-Device-Id"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/stock", func(r chi.Router) {
			r.Get("/{type}/{id}/balance", h.GetBalance)
			r.Get("/{type}/{id}/movements", h.GetMovements)
			r.Post("/receptions", h.CreateReception)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/losses", h.CreateLoss)
			r.Post("/consume", h.Consume)
			r.Post("/consume/preview", h.PreviewConsume)
			r.Get("/alerts", h.GetStockAlerts)
		})

		r.Route("/lots", func(r chi.Router) {
			r.Get("/expiring", h.GetExpiringLots)
			r.Get("/{id}", h.GetLot)
			r.Post("/{id}/block", h.BlockLot)
			r.Post("/{id}/unblock", h.UnblockLot)
		})

		r.Route("/production", func(r chi.Router) {
			r.Get("/recipes", h.ListRecipes)
			r.Get("/availability", h.PreviewAvailability)
			r.Route("/orders", func(r chi.Router) {
				r.Post("/", h.CreateOrder)
				r.Get("/", h.ListOrders)
				r.Get("/{id}", h.GetOrder)
				r.Get("/{id}/availability", h.GetAvailability)
				r.Post("/{id}/start", h.StartOrder)
				r.Post("/{id}/complete", h.CompleteOrder)
				r.Post("/{id}/cancel", h.CancelOrder)
			})
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", h.GetSyncStatus)
			r.Post("/run", h.RunSync)
			r.Post("/push", h.PushSync)
			r.Post("/pull", h.PullSync)
			r.Get("/conflicts", h.ListConflicts)
			r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
		})
	})

	return r
}
