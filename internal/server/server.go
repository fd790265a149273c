// Package server exposes link scoring, recommendations and pipeline control
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sanonone/linksage/pkg/config"
	"github.com/sanonone/linksage/pkg/pipeline"
)

// Server holds the HTTP interface and the pipeline it serves.
type Server struct {
	pipeline *pipeline.Pipeline

	httpServer  *http.Server
	taskManager *TaskManager
	authToken   string
}

// New initializes the HTTP server over an opened pipeline.
// The pipeline stays owned by the caller.
func New(p *pipeline.Pipeline, cfg config.ServerConfig) *Server {
	s := &Server{
		pipeline:    p,
		taskManager: NewTaskManager(),
		authToken:   cfg.AuthToken,
	}

	mux := http.NewServeMux()
	s.registerHTTPHandlers(mux)

	// Recovery -> Logging -> Auth -> Mux. Recovery must be outermost.
	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.LoggingMiddleware(handler)
	handler = s.RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	slog.Info("[SERVER] HTTP server listening", "addr", s.httpServer.Addr, "auth", s.authToken != "")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server startup failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and cancels a running training task.
// It does not close the pipeline.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("[SERVER] Starting graceful shutdown")
	err := s.httpServer.Shutdown(ctx)
	s.taskManager.Stop()
	return err
}
