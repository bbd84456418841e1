package deliveries

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"rankdelivery/internal/app/deliveries"
	"rankdelivery/internal/auth"
)

type RouteConfig struct {
	Issuer       *auth.TokenIssuer
	PluginAPIKey string
	StartedAt    time.Time
}

func RegisterRoutes(r chi.Router, s deliveries.DeliveryService, cfg RouteConfig, l *zap.Logger) {
	handler := NewDeliveryHandler(s, l.With(zap.String("component", "DeliveryHTTPHandler")))
	authLogger := l.With(zap.String("component", "AuthMiddleware"))

	r.Route("/api/delivery", func(r chi.Router) {
		r.Use(auth.RequireOperator(cfg.Issuer, authLogger))
		r.Post("/create", handler.CreateDelivery)
		r.Get("/history", handler.ListHistory)
		r.Get("/pending", handler.CountPending)
		r.Get("/user/{username}", handler.ListByUsername)
		r.Get("/{deliveryID}", handler.GetDelivery)
	})

	r.Route("/api/plugin", func(r chi.Router) {
		r.Use(auth.RequireWorker(cfg.PluginAPIKey, authLogger))
		r.Get("/pending", handler.PendingCommands)
		r.Post("/complete", handler.CompleteDelivery)
		r.Post("/failed", handler.FailDelivery)
	})

	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    time.Since(startedAt).Seconds(),
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":    "Rank Delivery API",
			"version": "1.0.0",
			"endpoints": map[string]string{
				"auth":     "/api/auth",
				"delivery": "/api/delivery",
				"plugin":   "/api/plugin",
				"health":   "/health",
			},
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "Not Found",
			"path":  r.URL.Path,
		})
	})
}
