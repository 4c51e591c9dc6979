// Package httpapi exposes the sender's settings, a test-send endpoint and
// Prometheus metrics over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-sender-lite/internal/config"
	"github.com/shineum/smtp-sender-lite/internal/provider"
	"github.com/shineum/smtp-sender-lite/internal/provider/registry"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Option configures a Server.
type Option func(s *Server)

// WithLogger sets the logger used for access and error logs.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// ProviderFactory builds the delivery provider for a configuration.
type ProviderFactory func(ctx context.Context, cfg *config.Config) (provider.Provider, error)

// WithProviderFactory sets how the provider is rebuilt after the SMTP
// settings change. The default uses the provider registry.
func WithProviderFactory(f ProviderFactory) Option {
	return func(s *Server) {
		if f != nil {
			s.factory = f
		}
	}
}

// WithClock overrides the time source used to stamp test results.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server serves the settings API.
type Server struct {
	logger  *slog.Logger
	now     func() time.Time
	factory ProviderFactory
	router  chi.Router

	mu       sync.Mutex
	cfg      config.Config
	provider provider.Provider
	last     lastTest
}

type lastTest struct {
	at     *time.Time
	status string
	err    string
}

// New returns a Server that reports a copy of cfg and sends test mail
// through p until the settings are replaced.
func New(cfg *config.Config, p provider.Provider, opts ...Option) *Server {
	s := &Server{
		cfg:      *cfg,
		provider: p,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.factory == nil {
		logger := s.logger
		s.factory = func(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
			return registry.New(ctx, cfg, logger)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))
	r.Use(metricsMiddleware())

	r.Route("/v1/smtp", func(r chi.Router) {
		r.Get("/settings", s.handleSettings)
		r.Put("/settings", s.handleUpdateSettings)
		r.Post("/test", s.handleTest)
	})
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		metrics.WritePrometheus(w, true)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts HTTP connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, serveCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-serveCtx.Done()

		s.logger.Info("shutting down HTTP listener", "address", ln.Addr().String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown HTTP listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.logger.Info("HTTP listener started", "address", ln.Addr().String())

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP listener failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}
