// Package server exposes the operations HTTP API: health, job state,
// dead letters, bandit picks and feedback, metrics and retrieval search.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"genpost/internal/bandit"
	"genpost/internal/config"
	"genpost/internal/core"
	"genpost/internal/logger"
	"genpost/internal/persistence"
	"genpost/internal/rag"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Metrics summarizes a user's generation events.
type Metrics interface {
	Summary(ctx context.Context, userID string, period time.Duration) (core.MetricsSummary, error)
}

// Deps are the server's collaborators. Metrics and RAG are optional; their
// routes answer 404 when unset.
type Deps struct {
	DB      persistence.Database
	Bandit  *bandit.Optimizer
	Metrics Metrics
	RAG     *rag.Retriever
}

// Server represents the HTTP server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     config.Server
	window     time.Duration
	log        zerolog.Logger
	started    time.Time
}

// New creates a new HTTP server instance
func New(deps Deps, cfg config.Server) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if deps.Bandit == nil && deps.DB != nil {
		deps.Bandit = bandit.NewOptimizer(deps.DB.Bandits())
	}

	s := &Server{
		router:  chi.NewRouter(),
		deps:    deps,
		config:  cfg,
		window:  config.Duration(cfg.RateLimitEvery, time.Minute),
		log:     logger.Component("server"),
		started: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
	}
	return s
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(securityHeaders)
	if s.config.RateLimit > 0 {
		s.router.Use(s.rateLimit)
	}
}

// setupRoutes configures routes for the server
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(noCache)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/stats", s.handleJobStats)
			r.Get("/{id}", s.handleGetJob)
			r.With(s.requireAdminAPI).Post("/{id}/requeue", s.handleRequeueJob)
		})

		r.Get("/dlq", s.handleListDLQ)

		r.Route("/bandit/{site}/{type}", func(r chi.Router) {
			r.Get("/", s.handleBanditStats)
			r.With(s.requireAdminAPI).Post("/pick", s.handleBanditPick)
			r.With(s.requireAdminAPI).Post("/feedback", s.handleBanditFeedback)
		})

		r.Get("/metrics/{user}", s.handleMetrics)
		r.Get("/rag/{site}/search", s.handleRAGSearch)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Int("rate_limit", s.config.RateLimit).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server gracefully...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.log.Info().Msg("HTTP server stopped")
	return nil
}

// Router returns the chi router instance (useful for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
