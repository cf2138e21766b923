// Package api provides the HTTP task-control server for rowbridge.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/api/middleware"
	"github.com/rowbridge-io/rowbridge/internal/dbconn"
	"github.com/rowbridge-io/rowbridge/internal/health"
	"github.com/rowbridge-io/rowbridge/internal/progress"
	"github.com/rowbridge-io/rowbridge/internal/retryqueue"
	"github.com/rowbridge-io/rowbridge/internal/taskstore"
	"github.com/rowbridge-io/rowbridge/internal/tracker"
	"github.com/rowbridge-io/rowbridge/internal/transfer"
)

type (
	// TaskStore is the slice of the task store the API reads and writes.
	TaskStore interface {
		Ping(ctx context.Context) error
		UpsertTask(ctx context.Context, task *taskstore.Task) (string, error)
		FindByID(ctx context.Context, id string) (*taskstore.Task, error)
		ListTasks(ctx context.Context) ([]taskstore.Task, error)
		ListExecutions(ctx context.Context, taskID string, limit int64) ([]taskstore.Execution, error)
	}

	// Runner starts task executions. Satisfied by transfer.Orchestrator.
	Runner interface {
		Run(ctx context.Context, taskID string) (*taskstore.Outcome, error)
		RunBatch(ctx context.Context, kind string) (*transfer.BatchSummary, error)
	}

	// ExecutionTracker answers questions about running tasks and cancels
	// them. Satisfied by tracker.Tracker.
	ExecutionTracker interface {
		Cancel(taskID string) bool
		IsRunning(taskID string) bool
		Running() []tracker.Snapshot
	}

	// ProgressSource hands out per-task progress subscriptions for the SSE
	// stream. Satisfied by progress.Broker.
	ProgressSource interface {
		Subscribe(taskID string) (<-chan progress.Event, func())
	}

	// Diagnoser walks the connectivity chain for one logical server.
	// Satisfied by dbconn.Manager.
	Diagnoser interface {
		Diagnose(ctx context.Context, server string) *dbconn.DiagnosticReport
		Servers() []string
	}

	// HealthMonitor exposes the monitor's state to operators. Satisfied by
	// health.Monitor.
	HealthMonitor interface {
		Snapshot() health.Snapshot
		ResetCounters()
	}

	// RetryQueue exposes the queued-task view. Satisfied by retryqueue.Queue.
	RetryQueue interface {
		Snapshot() []retryqueue.Entry
	}

	// Dependencies carries the collaborators the server drives. Any nil
	// field disables its routes with a 503 rather than a panic.
	Dependencies struct {
		Store    TaskStore
		Runner   Runner
		Tracker  ExecutionTracker
		Progress ProgressSource
		Diag     Diagnoser
		Health   HealthMonitor
		Queue    RetryQueue
	}

	// Server represents the HTTP task-control server.
	Server struct {
		httpServer  *http.Server
		logger      *slog.Logger
		config      *ServerConfig
		deps        Dependencies
		rateLimiter middleware.RateLimiter
		startTime   time.Time
	}
)

// NewServer creates a new HTTP server instance with structured logging and
// the middleware stack.
//
// Dependencies are injected explicitly rather than being part of
// ServerConfig: configuration (what) stays separated from dependencies
// (how).
//
// Parameters:
//   - cfg: Pure server configuration (ports, timeouts, CORS settings)
//   - deps: Runtime collaborators (task store, orchestrator, tracker, ...)
//   - rateLimiter: Rate limiter implementation (nil disables rate limiting)
func NewServer(cfg *ServerConfig, deps Dependencies, rateLimiter middleware.RateLimiter) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		deps:        deps,
		rateLimiter: rateLimiter,
	}

	server.setupRoutes(mux)

	if rateLimiter == nil {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Apply middleware chain using the functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. Recovery - catch panics in all downstream middleware
	//   2. CorrelationID - tag every request and response
	//   3. RequestLogger - one completion line per request
	//   4. RateLimit - shed load before the handlers do work (optional)
	//   5. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithRecovery(logger),
		middleware.WithCorrelationID(),
		middleware.WithRequestLogger(logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// Record server start time for uptime calculation
	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting rowbridge API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Close rate limiter to stop (InMemoryRateLimiter) background cleanup goroutines
	if s.rateLimiter != nil {
		if limiter, ok := s.rateLimiter.(io.Closer); ok {
			if err := limiter.Close(); err != nil {
				s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
			}
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
