package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-cbus/internal/infrastructure/config"
)

const shutdownTimeout = 5 * time.Second

// Logger interface for optional logging.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Server serves the collector's registry over HTTP.
type Server struct {
	srv    *http.Server
	logger Logger
}

// NewServer builds the HTTP server for cfg.Listen. The metrics endpoint is
// mounted at cfg.Path and a plain liveness check at /health.
func NewServer(cfg config.MetricsConfig, collector *Collector, logger Logger) *Server {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, Handler(collector))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the Prometheus exposition handler for the collector.
func Handler(collector *Collector) http.Handler {
	return promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})
}

// Run serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.logger != nil {
			s.logger.Info("metrics server listening", "addr", s.srv.Addr)
		}
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		if s.logger != nil {
			s.logger.Error("metrics server shutdown failed", "error", err)
		}
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
