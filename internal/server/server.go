// Package server assembles the HTTP API: router, middleware stack, health
// endpoints, and the job management surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/transitworks/pipeboard/internal/config"
	apperrors "github.com/transitworks/pipeboard/internal/errors"
	"github.com/transitworks/pipeboard/internal/server/handlers"
	"github.com/transitworks/pipeboard/internal/server/middleware"
)

// Option customizes a Server at construction.
type Option func(*Server)

// WithJobsAPI mounts the job management endpoints.
func WithJobsAPI(api *handlers.JobsAPI) Option {
	return func(s *Server) { s.jobs = api }
}

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server is the pipeboard HTTP server.
type Server struct {
	host   string
	port   int
	logger *zap.Logger
	jobs   *handlers.JobsAPI

	router     chi.Router
	httpServer *http.Server
}

// New builds a server listening on host:port. The job endpoints appear only
// when WithJobsAPI is provided; health and version are always mounted.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:   host,
		port:   port,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }

// Handler returns the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(s.logger))

	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.jobs != nil {
		r.Route("/api", func(r chi.Router) {
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.jobs.Submit)
				r.Get("/", s.jobs.List)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.jobs.Get)
					r.Post("/cancel", s.jobs.Cancel)
					r.Get("/logs", s.jobs.Logs)
					r.Get("/artifacts", s.jobs.Artifacts)
				})
			})
			r.Get("/orchestrator/stats", s.jobs.Stats)
		})
	}

	return r
}

// Start runs the server until ctx is cancelled, then shuts down gracefully
// within the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	cfg := config.GetConfig()

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port)),
		Handler: s.router,
	}
	shutdownTimeout := 10 * time.Second
	if cfg != nil {
		s.httpServer.ReadTimeout = cfg.Server.ReadTimeout
		s.httpServer.WriteTimeout = cfg.Server.WriteTimeout
		s.httpServer.IdleTimeout = cfg.Server.IdleTimeout
		if cfg.Server.ShutdownTimeout > 0 {
			shutdownTimeout = cfg.Server.ShutdownTimeout
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("http server shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
