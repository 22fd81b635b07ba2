// Package webhook receives signed event deliveries and turns them into
// queued workflow runs.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rigworks/rigci/internal/config"
	"github.com/rigworks/rigci/internal/event"
)

// Server is the webhook HTTP server.
type Server struct {
	config    config.WebhookConfig
	submitter RunSubmitter
	logger    *slog.Logger
	server    *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]*config.EndpointConfig
}

// New creates a webhook server.
func New(cfg config.WebhookConfig, submitter RunSubmitter, logger *slog.Logger) *Server {
	endpoints := make(map[string]*config.EndpointConfig)
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]

		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		if ep.EventHeader == "" {
			ep.EventHeader = DefaultEventHeader
		}
		if ep.DeliveryHeader == "" {
			ep.DeliveryHeader = DefaultDeliveryHeader
		}

		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    cfg,
		submitter: submitter,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleDelivery)
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleDelivery handles one signed event delivery: verify the signature,
// decode the event, and submit it for dispatch.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	limitedReader := io.LimitReader(r.Body, endpoint.MaxBodySize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}

	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if signature == "" {
		s.logger.Warn("webhook signature missing",
			"path", r.URL.Path,
			"header", endpoint.SignatureHeader,
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	if err := verifyHMACSignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed",
			"path", r.URL.Path,
			"error", err,
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	kindHeader := r.Header.Get(endpoint.EventHeader)
	deliveryID := r.Header.Get(endpoint.DeliveryHeader)

	ev, err := event.FromDelivery(kindHeader, deliveryID, body)
	if err != nil {
		var kindErr event.UnknownKindError
		if errors.As(err, &kindErr) {
			// Not an error condition: providers deliver event types we
			// don't run workflows for (ping, push, issue comments).
			s.logger.Debug("ignoring delivery for unhandled event kind",
				"path", r.URL.Path, "kind", kindHeader)
			s.respondJSON(w, http.StatusOK, AcceptedResponse{})
			return
		}
		s.logger.Warn("invalid webhook delivery",
			"path", r.URL.Path, "kind", kindHeader, "error", err)
		s.respondError(w, http.StatusUnprocessableEntity, "invalid delivery payload")
		return
	}

	ids, err := s.submitter.Submit(ctx, ev, endpoint.Workflow, "webhook:"+r.URL.Path)
	if err != nil {
		s.logger.Error("failed to submit event",
			"path", r.URL.Path,
			"event", ev.Kind,
			"ref", ev.Ref,
			"error", err,
		)
		s.respondError(w, http.StatusInternalServerError, "failed to queue runs")
		return
	}

	s.logger.Info("event accepted",
		"path", r.URL.Path,
		"event", ev.Kind,
		"ref", ev.Ref,
		"delivery_id", ev.DeliveryID,
		"runs", len(ids),
	)

	s.respondJSON(w, http.StatusAccepted, AcceptedResponse{RunIDs: ids})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
