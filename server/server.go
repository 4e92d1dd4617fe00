// Package server exposes the health check and the scheduler trigger endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"train-notifier/poll"
)

// Poller runs one availability check.
type Poller interface {
	Check(ctx context.Context) (poll.Report, error)
}

// IsAccessDenied checks if an error means the target site rejected the session.
type IsAccessDenied func(error) bool

// Server handles HTTP requests.
type Server struct {
	poller         Poller
	logger         *slog.Logger
	isAccessDenied IsAccessDenied
}

// Config holds server configuration.
type Config struct {
	Poller         Poller
	Logger         *slog.Logger
	IsAccessDenied IsAccessDenied
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	isAccessDenied := cfg.IsAccessDenied
	if isAccessDenied == nil {
		isAccessDenied = func(error) bool { return false }
	}
	return &Server{
		poller:         cfg.Poller,
		logger:         cfg.Logger,
		isAccessDenied: isAccessDenied,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // A check fetches every target sequentially
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	rep, err := s.poller.Check(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, poll.ErrRunInProgress):
			s.logger.Warn("Poll rejected, check already running")
			http.Error(w, "Check already in progress", http.StatusConflict)
		case s.isAccessDenied(err):
			s.logger.Error("Poll aborted, access denied", "error", err)
			http.Error(w, "Access denied by target site", http.StatusServiceUnavailable)
		default:
			s.logger.Error("Poll check failed", "error", err)
			http.Error(w, "Check failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
