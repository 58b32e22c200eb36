// Package ops serves the operational HTTP surface: liveness and Prometheus metrics.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultShutdownTimeout   = 5 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
)

// Option mutates ops server configuration.
type Option func(*Server)

// WithLogger sets the request and lifecycle logger.
func WithLogger(logger *slog.Logger) Option {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// WithGatherer replaces the default Prometheus gatherer.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(server *Server) {
		if gatherer != nil {
			server.gatherer = gatherer
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown after the run context ends.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(server *Server) {
		if timeout > 0 {
			server.shutdownTimeout = timeout
		}
	}
}

// Server exposes /healthz and /metrics.
type Server struct {
	addr            string
	logger          *slog.Logger
	gatherer        prometheus.Gatherer
	shutdownTimeout time.Duration
	started         time.Time

	mu       sync.Mutex
	listener net.Listener
}

// New creates an ops server bound to addr once Run is called.
func New(addr string, options ...Option) (*Server, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("new ops server: empty listen address")
	}

	server := &Server{
		addr:            addr,
		logger:          slog.Default(),
		gatherer:        prometheus.DefaultGatherer,
		shutdownTimeout: defaultShutdownTimeout,
		started:         time.Now(),
	}
	for _, option := range options {
		option(server)
	}

	return server, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(requestLogger(s.logger))
	router.Use(chimw.Recoverer)

	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return router
}

// Addr returns the bound address after Run has started listening, or the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ops listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()
	s.logger.Info("ops server listening", "addr", listener.Addr().String())

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops shutdown: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops serve: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ok uptime=%s\n", time.Since(s.started).Round(time.Second))
}
