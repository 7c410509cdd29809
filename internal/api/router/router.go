// Package router assembles the HTTP routes.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lapidaryhq/concierge/internal/http/handlers"
	httpmiddleware "github.com/lapidaryhq/concierge/internal/http/middleware"
	"github.com/lapidaryhq/concierge/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger  *logging.Logger
	Webhook *handlers.WebhookHandler
	Admin   *handlers.AdminHandler

	// Dashboard is optional; nil disables the owner dashboard routes.
	Dashboard *handlers.DashboardHandler

	AdminToken         string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", handlers.Health)
	r.Post("/webhook", cfg.Webhook.Handle)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Group(func(admin chi.Router) {
		admin.Use(httpmiddleware.AdminToken(cfg.AdminToken))
		admin.Post("/admin/reset-counter", cfg.Admin.ResetCounter)
	})

	if cfg.Dashboard != nil {
		r.Group(func(dash chi.Router) {
			if len(cfg.CORSAllowedOrigins) > 0 {
				dash.Use(cors.Handler(cors.Options{
					AllowedOrigins: cfg.CORSAllowedOrigins,
					AllowedMethods: []string{http.MethodGet, http.MethodOptions},
					AllowedHeaders: []string{"Authorization", "Content-Type"},
					MaxAge:         600,
				}))
			}
			dash.Get("/dashboard", cfg.Dashboard.Page)
			dash.Get("/dashboard/api/messages", cfg.Dashboard.Messages)
		})
	}

	return r
}
