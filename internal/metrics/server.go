package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/actual-software/relink/internal/config"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
	shutdownTimeout    = 5 * time.Second

	defaultScrapePath = "/metrics"
)

// Server serves the Prometheus scrape endpoint and a liveness probe on an
// independent listener so monitoring stays available while the bridge works.
type Server struct {
	logger *zap.Logger
	source StatsSource
	server *http.Server

	mu       sync.RWMutex
	listener net.Listener
}

// NewServer wires the registry and stats source into an HTTP server bound to
// the configured endpoint.
func NewServer(cfg config.MetricsConfig, registry *Registry, source StatsSource, logger *zap.Logger) *Server {
	path := cfg.Path
	if path == "" {
		path = defaultScrapePath
	}

	srv := &Server{
		logger: logger,
		source: source,
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry.Prometheus(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", srv.healthzHandler)

	srv.server = &http.Server{
		Addr:         cfg.Endpoint,
		Handler:      mux,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	return srv
}

// GetEndpoint returns the bound address once Start has created the listener,
// or the configured address before that.
func (s *Server) GetEndpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.server.Addr
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	lc := &net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("metrics server listening", zap.String("endpoint", listener.Addr().String()))

	go func() {
		<-ctx.Done()

		// Fresh context: shutdown must finish even though the parent is gone.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown failed", zap.Error(err))
		}
	}()

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server error: %w", err)
	}

	return nil
}

// healthzHandler reports liveness plus the live connection count.
func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.source != nil {
		active = s.source.Stats().ActiveConnections
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, `{"status":"ok","active_connections":%d}`+"\n", active); err != nil {
		s.logger.Error("failed to write health response", zap.Error(err))
	}
}
