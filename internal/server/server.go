// ABOUTME: HTTP server wiring routes, auth middleware, and graceful shutdown
// ABOUTME: User API under /api, runtime callbacks under /internal, ops endpoints at root

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/loom/internal/auth"
	"github.com/2389/loom/internal/config"
	"github.com/2389/loom/internal/dedupe"
	"github.com/2389/loom/internal/generation"
)

// Server is the gateway's HTTP front door.
type Server struct {
	cfg      *config.Config
	manager  *generation.Manager
	verifier auth.TokenVerifier
	metrics  http.Handler
	starts   *dedupe.Guard
	logger   *slog.Logger

	httpServer *http.Server
}

// New creates a Server. metricsHandler may be nil when metrics are disabled.
func New(cfg *config.Config, manager *generation.Manager, verifier auth.TokenVerifier, metricsHandler http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		verifier: verifier,
		metrics:  metricsHandler,
		starts:   dedupe.NewGuard(10*time.Minute, 4096),
		logger:   logger.With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	userAuth := auth.HTTPAuthMiddleware(s.verifier)
	api := func(h http.HandlerFunc) http.Handler { return userAuth(h) }

	mux.Handle("POST /api/generations", api(s.handleStartGeneration))
	mux.Handle("GET /api/generations/{id}", api(s.handleGetGeneration))
	mux.Handle("GET /api/generations/{id}/events", api(s.handleStreamEvents))
	mux.Handle("POST /api/generations/{id}/cancel", api(s.handleCancelGeneration))
	mux.Handle("POST /api/generations/{id}/resume", api(s.handleResumeGeneration))
	mux.Handle("POST /api/generations/{id}/approval", api(s.handleSubmitApproval))
	mux.Handle("POST /api/generations/{id}/auth", api(s.handleSubmitAuthResult))

	mux.Handle("GET /api/conversations/{id}/generation", api(s.handleGetActiveGeneration))
	mux.Handle("POST /api/conversations/{id}/queue", api(s.handleEnqueueMessage))
	mux.Handle("GET /api/conversations/{id}/queue", api(s.handleListQueue))
	mux.Handle("DELETE /api/conversations/{id}/queue/{messageID}", api(s.handleRemoveQueued))

	runtimeAuth := auth.RuntimeAuthMiddleware(s.cfg.Auth.RuntimeSecret)
	mux.Handle("POST /internal/runtime/approval", runtimeAuth(http.HandlerFunc(s.handleRuntimeApproval)))
	mux.Handle("POST /internal/runtime/auth", runtimeAuth(http.HandlerFunc(s.handleRuntimeAuth)))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleHealth)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Path, s.metrics)
	}

	return mux
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.starts.Close()
	return s.httpServer.Shutdown(ctx)
}
