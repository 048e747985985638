package rest

import (
	"database/sql"
	"log/slog"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/vitrinehub/billing-engine/internal/dunning"
	"github.com/vitrinehub/billing-engine/internal/intent"
	"github.com/vitrinehub/billing-engine/internal/transport/middleware"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, intentHandler *intent.Handler, webhookHandler *intent.WebhookHandler, dunningHandler *dunning.Handler, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	// Apply global middleware
	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.MerchantContext)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))

	router.Route("/api/v1", func(r chi.Router) {
		// Health check routes
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// Gateway confirmation callbacks; signature-verified, no session
		if webhookHandler != nil {
			r.Post("/payment/callback", webhookHandler.HandleStatusCallback)
		}

		// Checkout payment intents
		if intentHandler != nil {
			r.Route("/intents", func(ir chi.Router) {
				ir.Post("/", intentHandler.CreateIntent)
				ir.Get("/{id}", intentHandler.GetIntent)
				ir.Post("/{id}/check", intentHandler.CheckIntent)
				ir.Post("/{id}/cancel", intentHandler.CancelIntent)
			})
		}

		// Subscription billing state and operator actions
		if dunningHandler != nil {
			r.Route("/subscriptions", func(sr chi.Router) {
				sr.Get("/{id}", dunningHandler.GetSubscription)
				sr.Post("/{id}/reactivate", dunningHandler.ReactivateSubscription)
			})
			r.Post("/dunning/run", dunningHandler.RunDunning)
		}
	})
}
