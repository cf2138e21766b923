// Package main provides the rowbridge row-replication service.
//
// The service replicates rows from a source SQL Server into a target,
// validating and deduplicating along the way, and exposes a task-control
// HTTP API with an SSE progress stream.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/rowbridge-io/rowbridge/internal/api"
	"github.com/rowbridge-io/rowbridge/internal/api/middleware"
	"github.com/rowbridge-io/rowbridge/internal/dbconn"
	"github.com/rowbridge-io/rowbridge/internal/health"
	"github.com/rowbridge-io/rowbridge/internal/progress"
	"github.com/rowbridge-io/rowbridge/internal/retryqueue"
	"github.com/rowbridge-io/rowbridge/internal/seed"
	"github.com/rowbridge-io/rowbridge/internal/sqlgw"
	"github.com/rowbridge-io/rowbridge/internal/taskstore"
	"github.com/rowbridge-io/rowbridge/internal/tracker"
	"github.com/rowbridge-io/rowbridge/internal/transfer"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "rowbridge"
)

// failureQueue defers binding so the orchestrator and the retry queue can
// reference each other: the orchestrator enqueues into the queue, the queue
// replays through the orchestrator. The field is set before any goroutine
// starts.
type failureQueue struct {
	queue *retryqueue.Queue
}

func (f *failureQueue) Enqueue(taskID, reason string) {
	if f.queue != nil {
		f.queue.Enqueue(taskID, reason)
	}
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting rowbridge service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Task store (MongoDB): task definitions, execution history, metrics,
	// server configurations.
	storeConfig := taskstore.LoadConfig()

	store, err := taskstore.Connect(ctx, storeConfig, logger)
	if err != nil {
		logger.Error("Failed to connect to task store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = store.Close(context.Background())
	}()

	logger.Info("Task store connected",
		slog.String("uri", storeConfig.MaskURI()),
		slog.String("database", storeConfig.Database),
	)

	// Seed file import runs before anything can touch the tasks.
	if stats, seedErr := seed.Import(ctx, seed.PathFromEnv(), store, logger); seedErr != nil {
		logger.Error("Seed import failed", slog.String("error", seedErr.Error()))
		os.Exit(1)
	} else if stats.Servers+stats.Tasks > 0 {
		logger.Info("Seed file imported",
			slog.Int("servers", stats.Servers),
			slog.Int("tasks", stats.Tasks),
			slog.Int("skipped", stats.Skipped),
		)
	}

	// Connection manager: pooled SQL Server access with probe caching.
	manager := dbconn.NewManager(dbconn.LoadConfig(), store, logger, dbconn.WithStorePinger(store))

	defer func() {
		_ = manager.Close()
	}()

	gateway := sqlgw.New(logger)
	trk := tracker.New(logger)
	broker := progress.NewBroker(0, logger)

	defer broker.Close()

	// Health monitor: periodic probes of the task store and every
	// configured server, pool recycling under cooldown.
	monitor := health.New(health.LoadConfig(), manager, store, logger)

	// The orchestrator and the retry queue reference each other; bind the
	// queue through the deferred adapter.
	deferred := &failureQueue{}

	orchestrator := transfer.New(
		transfer.LoadConfig(),
		store,
		manager,
		gateway,
		trk,
		broker,
		logger,
		transfer.WithFailureQueue(deferred),
		transfer.WithHealthGate(monitor),
	)

	queue := retryqueue.New(retryqueue.LoadConfig(), orchestrator, monitor, store, logger)
	deferred.queue = queue

	monitor.Start(ctx)
	defer monitor.Stop()

	queue.Start(ctx)
	defer queue.Stop()

	// Rate limiter (graceful shutdown handled by server.shutdown())
	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
	)

	server := api.NewServer(serverConfig, api.Dependencies{
		Store:    store,
		Runner:   orchestrator,
		Tracker:  trk,
		Progress: broker,
		Diag:     manager,
		Health:   monitor,
		Queue:    queue,
	}, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("rowbridge service stopped")
}
