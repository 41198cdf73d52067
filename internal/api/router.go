package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/scry-batch/internal/api/middleware"
	"github.com/phrazzld/scry-batch/internal/service/auth"
)

// RouterConfig holds everything the router serves.
type RouterConfig struct {
	Logger    *slog.Logger
	JWT       auth.JWTService
	Verifier  CredentialVerifier
	Jobs      JobService
	Source    ContentWriter
	Generated ContentReader
	Breakers  BreakerLister
	Health    map[string]HealthCheck
	Metrics   http.Handler
}

// NewRouter builds the HTTP handler of the service.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(logger))

	authHandler := NewAuthHandler(cfg.JWT, cfg.Verifier, logger)
	authMiddleware := apiMiddleware.NewAuthMiddleware(cfg.JWT)
	jobHandler := NewJobHandler(cfg.Jobs, logger)
	contentHandler := NewContentHandler(cfg.Source, cfg.Generated)
	systemHandler := NewSystemHandler(cfg.Breakers, cfg.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/token", authHandler.Token)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Post("/jobs", jobHandler.Submit)
			r.Get("/jobs", jobHandler.List)
			r.Get("/jobs/recent", jobHandler.Recent)
			r.Get("/jobs/{id}", jobHandler.Get)
			r.Post("/jobs/{id}/cancel", jobHandler.Cancel)

			r.Put("/content/{id}", contentHandler.Put)
			r.Get("/content/{id}/{workflow}", contentHandler.Generated)

			r.Get("/breakers", systemHandler.Breakers)
		})
	})

	r.Get("/health", systemHandler.Health)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	return r
}
