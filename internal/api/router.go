package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// NewRouter builds and returns the Chi router with all routes configured.
// Health and metrics are unauthenticated; all run routes require bearer auth.
// Rate limiting is applied globally: 60 requests per minute per IP.
func NewRouter(handlers *Handlers, token string, db dbPinger, redisClient redisPinger, metrics http.Handler, log *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(httprate.LimitByIP(60, time.Minute))

	r.Get("/api/v1/health", HealthHandlerFunc(db, redisClient, log))
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequestLogger(log))
		r.Use(BearerAuth(token))
		r.Get("/api/v1/sources", handlers.ListSources)
		r.Post("/api/v1/sources/{source}/runs", handlers.StartRun)
		r.Get("/api/v1/runs/{id}", handlers.GetRun)
		r.Get("/api/v1/runs/{id}/logs", handlers.GetRunLogs)
		r.Post("/api/v1/runs/{id}/cancel", handlers.CancelRun)
	})

	return r
}

// Ensure chi.Mux implements http.Handler.
var _ http.Handler = (*chi.Mux)(nil)
