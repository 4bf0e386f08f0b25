package controlapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/logger"
)

// Server is the management HTTP server: health probes, Prometheus
// scraping, and read-only pipeline introspection. Grounded on the
// dittofs's Server (pkg/controlplane/api/server.go): same Start/Stop
// shape and graceful-shutdown timeout, trimmed of the control-plane's
// own store/runtime dependencies since this server has nothing to manage
// beyond the one assembled pipeline.
type Server struct {
	server       *http.Server
	shutdownOnce sync.Once
}

// NewServer builds a Server that exposes top over Config's listen
// address. gatherer may be nil, in which case prometheus.DefaultGatherer
// is scraped.
func NewServer(top backend.Backend, cfg Config, gatherer prometheus.Gatherer) *Server {
	cfg.applyDefaults()

	router := NewRouter(top, cfg, gatherer)

	return &Server{
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Start serves until ctx is cancelled, then gracefully shuts down with a
// 5 second deadline.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("controlapi: listening", logger.Source(s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("controlapi: server failed: %w", err)
	}
}

// Stop is safe to call more than once and concurrently with Start.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			stopErr = fmt.Errorf("controlapi: shutdown: %w", err)
			logger.Error("controlapi: shutdown error", logger.Err(err))
			return
		}
		logger.Info("controlapi: stopped gracefully")
	})
	return stopErr
}
