// Package api exposes the read/trigger HTTP surface: run inspection, manual
// workflow triggers, and a live event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rigworks/rigci/internal/auth"
	"github.com/rigworks/rigci/internal/event"
	"github.com/rigworks/rigci/internal/events"
	"github.com/rigworks/rigci/internal/run"
	"github.com/rigworks/rigci/internal/workflow"
)

// RunReader is the read surface the API needs from the run store.
type RunReader interface {
	Get(ctx context.Context, runID string) (*run.Run, error)
	Steps(ctx context.Context, runID string) ([]run.StepResult, error)
	List(ctx context.Context, limit int) ([]*run.Run, error)
	Depth(ctx context.Context) (int, error)
}

// RunSubmitter accepts events for dispatch. Satisfied by
// *dispatch.Dispatcher.
type RunSubmitter interface {
	Submit(ctx context.Context, ev event.Event, workflowName, submittedBy string) ([]string, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	store     RunReader
	submitter RunSubmitter
	workflows *workflow.Set
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server.
func New(cfg Config, store RunReader, submitter RunSubmitter, workflows *workflow.Set, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    cfg,
		store:     store,
		submitter: submitter,
		workflows: workflows,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeRunsRead)).Get("/runs", s.handleListRuns)
		r.With(s.requireScopes(auth.ScopeRunsRead)).Get("/runs/{runID}", s.handleGetRun)
		r.With(s.requireScopes(auth.ScopeRunsWrite)).Post("/trigger/{workflow}", s.handleTrigger)
		r.With(s.requireScopes(auth.ScopeWorkflowsRead)).Get("/workflows", s.handleListWorkflows)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
