// Package api provides the HTTP trigger and control surface.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/livinlefevreloca/tideline/internal/coordinator"
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/eventlog"
	"github.com/livinlefevreloca/tideline/internal/observability"
	"github.com/livinlefevreloca/tideline/internal/registry"
	"github.com/livinlefevreloca/tideline/internal/scheduler"
)

// Services are the components the handlers call into.
type Services struct {
	DB          *db.DB
	Coordinator *coordinator.Coordinator
	Scheduler   *scheduler.Scheduler
	Registry    *registry.Registry
	Events      *eventlog.Log
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

type serverConfig struct {
	logger      *slog.Logger
	auth        AuthConfig
	middlewares []func(http.Handler) http.Handler
}

// WithLogger sets the access and error logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(cfg *serverConfig) {
		cfg.logger = logger
	}
}

// WithAuth enables bearer-token authentication on every route except /healthz
func WithAuth(auth AuthConfig) ServerOption {
	return func(cfg *serverConfig) {
		cfg.auth = auth
	}
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// NewServer creates and configures the HTTP router
func NewServer(svc Services, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &handlers{svc: svc, logger: cfg.logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(cfg.logger))
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/healthz", h.healthz)

	r.Group(func(r chi.Router) {
		if cfg.auth.Secret != "" {
			r.Use(AuthMiddleware(cfg.auth))
		}

		r.Post("/run", h.triggerRun)
		r.Post("/run-all", h.runAll)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Get("/runs/{id}/events", h.runEvents)
		r.Post("/runs/{id}/cancel", h.cancelRun)
		r.Post("/config", h.setConfig)
		r.Get("/configs", h.listConfigs)
		r.Get("/global-toggle", h.getGlobalToggle)
		r.Post("/global-toggle", h.setGlobalToggle)
		r.Get("/schedule", h.schedule)
	})

	return r
}

// LoggingMiddleware logs HTTP requests and records their latency
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			observability.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), elapsed)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration", elapsed,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
