package api

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/iconidentify/moegrabba/internal/api/handler"
	mw "github.com/iconidentify/moegrabba/internal/api/middleware"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(
	itemHandler *handler.ItemHandler,
	healthHandler *handler.HealthHandler,
	apiKey string,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CleanPath)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.Logger(logger))
	r.Use(mw.Recovery(logger))
	r.Use(middleware.Timeout(2 * time.Minute))

	// Health endpoints (no auth)
	r.Get("/health", healthHandler.Live)
	r.Get("/ready", healthHandler.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(apiKey))

		r.Get("/stats", healthHandler.Stats)

		r.Post("/items", itemHandler.Submit)
		r.Get("/items/{jobID}", itemHandler.GetStatus)
		r.Get("/history", itemHandler.History)
		r.Get("/sites", itemHandler.Sites)
		r.Get("/sites/{site}/items/{itemID}/preview", itemHandler.Preview)
	})

	return r
}
