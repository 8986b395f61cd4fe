// Package app wires the HTTP router and readiness checks around the queue,
// processor, and store.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/erpqueue/internal/adapter/httpserver"
	"github.com/fairyhunter13/erpqueue/internal/config"
	"github.com/fairyhunter13/erpqueue/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, readyz http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// The WebSocket route skips the request timeout: connections are
	// long-lived by design.
	r.Get("/ws/realtime", srv.WSHandler())

	r.Group(func(ar chi.Router) {
		ar.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		ar.Use(srv.Authenticate)

		// chi requires one wildcard name per segment: {ref} is the operation
		// type on enqueue and the job id on get/cancel.
		ar.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			wr.Post("/api/operations/{ref}", srv.EnqueueHandler())
			wr.Post("/api/operations/{ref}/cancel", srv.CancelHandler())
		})
		ar.Get("/api/operations/{ref}", srv.GetHandler())

		// Sync administration and monitoring are operator surfaces.
		ar.Group(func(sr chi.Router) {
			sr.Use(srv.RequireAdmin)
			sr.Get("/api/sync/intervals", srv.IntervalsHandler())
			sr.Post("/api/sync/intervals/{type}", srv.SetIntervalHandler())
			sr.Get("/api/sync/monitoring/status", srv.SyncStatusHandler())
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return httpserver.SecurityHeaders(r)
}
