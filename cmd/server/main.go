/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the scoring engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment, then apply flag overrides
  2. Build the logger
  3. Open the store (memory, sqlite or postgres)
  4. Connect the award notifier (Redis, optional)
  5. Register award policies (built-in, then POLICY_FILE)
  6. Configure HTTP router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides SCORE_ENGINE_PORT)
  -db      SQLite database path (overrides SCORE_ENGINE_SQLITE_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go for the full list. The most common:
  SCORE_ENGINE_STORE        memory | sqlite | postgres
  SCORE_ENGINE_PG_DSN       postgres connection string
  SCORE_ENGINE_REDIS_ADDR   enables award notifications
  SCORE_ENGINE_POLICY_FILE  JSON policy file loaded at startup
  LOG_LEVEL                 debug | info | warn | error

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close store and notifier connections
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/score.db"

  # Run against postgres
  SCORE_ENGINE_STORE=postgres SCORE_ENGINE_PG_DSN=postgres://... ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment variables
  - ledger/engine.go: Event processing
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/warp/score-engine/api"
	"github.com/warp/score-engine/config"
	"github.com/warp/score-engine/factory"
	"github.com/warp/score-engine/ledger"
	memstore "github.com/warp/score-engine/ledger/store"
	"github.com/warp/score-engine/logging"
	"github.com/warp/score-engine/notify"
	"github.com/warp/score-engine/rewards"
	"github.com/warp/score-engine/store/postgres"
	"github.com/warp/score-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags override the environment
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLitePath = *dbPath

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Store
	store, ping, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ledger.NewMetrics(registry)

	// Notifier
	var notifier ledger.Notifier = ledger.NopNotifier{}
	if cfg.RedisAddr != "" {
		rn, err := notify.NewRedisNotifier(ctx, notify.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Stream:    cfg.RedisStream,
			StreamMax: cfg.RedisStreamMax,
		}, logger)
		if err != nil {
			return err
		}
		defer rn.Close()
		notifier = rn
	}

	// Engine
	l := ledger.NewLedger(store, logger, metrics)
	engine := ledger.NewEngine(l, ledger.NewRankTracker(store), notifier, logger)
	if err := registerPolicies(engine, cfg.PolicyFile, logger); err != nil {
		return err
	}

	transfers, err := ledger.NewTransferService(l, cfg.TransferConfig(), logger)
	if err != nil {
		return fmt.Errorf("transfer config: %w", err)
	}

	projector := ledger.NewProjector(store, logger)
	projector.Metrics = metrics
	projector.Workers = cfg.ReplayWorkers

	// Handler and router
	handler := api.NewHandler(engine, transfers, projector, logger)
	handler.Gatherer = registry
	handler.Ping = ping

	scheduler := api.NewReplayScheduler(projector, engine, logger)
	scheduler.CheckInterval = cfg.ReplayInterval
	scheduler.Enabled = cfg.ReplayInterval > 0
	scheduler.Start()
	defer scheduler.Stop()
	handler.Scheduler = scheduler

	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("store", cfg.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// openStore returns the configured store with its health check and closer.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (ledger.Store, func(context.Context) error, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		return memstore.NewMemory(), nil, func() {}, nil

	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return pg, pg.Ping, pg.Close, nil

	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		logger.Info("sqlite store opened", zap.String("path", cfg.SQLitePath))
		return db, db.Ping, func() { db.Close() }, nil
	}
}

// registerPolicies registers the built-in programs, then any policies from
// path. A file policy replaces the built-in one for the same source.
func registerPolicies(engine *ledger.Engine, path string, logger *zap.Logger) error {
	for _, p := range rewards.Defaults() {
		if err := engine.Register(p); err != nil {
			return fmt.Errorf("register %s: %w", p.Source, err)
		}
	}
	if path == "" {
		return nil
	}
	policies, err := factory.NewPolicyFactory().LoadFile(path)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := engine.Register(p); err != nil {
			return fmt.Errorf("register %s from %s: %w", p.Source, path, err)
		}
		logger.Info("policy loaded", zap.String("source", p.Source), zap.String("file", path))
	}
	return nil
}
