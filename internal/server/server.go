// Package server wires a relaynet service: stores, services, handlers, middleware and
// routes, plus the background sync scheduler.
//
// SERVER ARCHITECTURE:
// One Server type runs any of the three roles. NewHub, NewPDS and NewGateway are the
// composition roots; each builds its dependency chain and route set, and Start runs
// the HTTP listener and the scheduler until SIGINT/SIGTERM.
//
// WHY SEPARATE FROM main.go?
// Keeping wiring here keeps it testable: tests call Handler() and drive the full
// middleware chain through httptest without binding a port.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/relaynet/internal/config"
	"github.com/sakif/relaynet/internal/handler"
	"github.com/sakif/relaynet/internal/identity"
	"github.com/sakif/relaynet/internal/metrics"
	"github.com/sakif/relaynet/internal/middleware"
	"github.com/sakif/relaynet/internal/replication"
)

// Server is one running relaynet service.
//
// RESOURCE MANAGEMENT:
// The Server owns its stores, caches, peer connections and limiter pool. closers
// releases them in reverse order of creation when Start returns (or Close is called),
// so the database is closed only after everything that writes to it has stopped.
type Server struct {
	role      config.Role
	cfg       *config.Config
	router    *chi.Mux
	logger    *slog.Logger
	metrics   *metrics.Metrics
	scheduler *replication.Scheduler
	closers   []func() error
}

// newServer builds the parts every role shares: the global middleware chain,
// /health and /metrics.
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns a unique id (logged with every request)
// 2. RealIP: rewrites RemoteAddr from proxy headers, which the rate limiter keys on
// 3. Recoverer: turns panics into 500s
// 4. Logger, Metrics: observe the final status
// 5. RateLimit, BodyLimit: reject before any handler work
func newServer(role config.Role, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		role:    role,
		cfg:     cfg,
		router:  chi.NewRouter(),
		logger:  logger.With(slog.String("service", string(role))),
		metrics: metrics.New(),
	}

	pool := middleware.NewLimiterPool(middleware.RateLimitConfig{
		RPS:   cfg.HTTP.RateLimit.RPS,
		Burst: cfg.HTTP.RateLimit.Burst,
	})
	s.onClose(func() error { pool.Close(); return nil })

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.RateLimit(pool))
	s.router.Use(middleware.BodyLimit(cfg.HTTP.MaxBodyBytes))

	s.router.Get("/health", handler.HandleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return s
}

func (s *Server) onClose(f func() error) {
	s.closers = append(s.closers, f)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases everything the server owns. Safe to call once after a failed
// construction or after Start returns.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// scheduleJobs creates the sync scheduler for jobs.
func (s *Server) scheduleJobs(jobs ...replication.Job) error {
	sched, err := replication.NewScheduler(replication.ScheduleConfig{
		Interval: s.cfg.Sync.Interval,
		Cron:     s.cfg.Sync.Cron,
	}, s.logger, s.metrics, jobs...)
	if err != nil {
		return err
	}
	s.scheduler = sched
	return nil
}

// oracle returns the configured identity oracle, or nil when none is configured.
//
// NIL INTERFACE GOTCHA:
// Returning a nil *HTTPOracle as identity.Oracle would produce a non-nil interface
// holding a nil pointer, and the validator's "no oracle" branch would never fire.
func oracle(cfg *config.Config) identity.Oracle {
	if cfg.Oracle.URL == "" {
		return nil
	}
	return identity.NewHTTPOracle(cfg.Oracle.URL, cfg.Oracle.APIKey, cfg.Oracle.Timeout)
}

// ensureDir creates the parent directory of a database file.
func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	return nil
}

// Start runs the HTTP server and the scheduler until a shutdown signal arrives.
//
// GRACEFUL SHUTDOWN:
// 1. Stop the scheduler (cancel its context)
// 2. Stop accepting new HTTP connections
// 3. Wait for in-flight requests to finish (shutdown_timeout)
// 4. Close peers, caches and stores (deferred Close)
func (s *Server) Start() error {
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &http.Server{
		Addr:         s.cfg.HTTP.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
		IdleTimeout:  s.cfg.HTTP.IdleTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.String("addr", s.cfg.HTTP.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	schedulerDone := make(chan struct{})
	if s.scheduler != nil {
		go func() {
			defer close(schedulerDone)
			s.scheduler.Run(ctx)
		}()
	} else {
		close(schedulerDone)
	}

	select {
	case err := <-serverErrors:
		cancel()
		<-schedulerDone
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
		<-schedulerDone

		shutdownCtx, stop := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}

// upstreamTimeout is the per-call deadline for inter-service HTTP calls.
func upstreamTimeout(cfg *config.Config) time.Duration {
	if cfg.Gateway.UpstreamTimeout > 0 {
		return cfg.Gateway.UpstreamTimeout
	}
	return 5 * time.Second
}
