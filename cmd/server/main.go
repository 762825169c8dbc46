/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the route dispatch server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags > env > config file > defaults)
  2. Build logger
  3. Open SQLite store
  4. Start outbox queue (audit + events)
  5. Build engine and start reminder scheduler (restores pending tasks)
  6. Start reminder reconciler
  7. Serve HTTP

COMMAND-LINE FLAGS:
  -config  Path to a config file (optional)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides db.path
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections and drain requests
  2. Stop reconciler and scheduler (pending tasks stay persisted)
  3. Drain the outbox
  4. Close database connection

ENVIRONMENT:
  DISPATCH_SERVER_PORT, DISPATCH_DB_PATH, DISPATCH_LOG_LEVEL, ...
  See config/config.go. A .env file in the working directory is loaded.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dispatch-engine/api"
	"github.com/warp/dispatch-engine/config"
	"github.com/warp/dispatch-engine/dispatch"
	"github.com/warp/dispatch-engine/logging"
	"github.com/warp/dispatch-engine/outbox"
	"github.com/warp/dispatch-engine/scheduler"
	"github.com/warp/dispatch-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	queue := outbox.New(outbox.Options{
		Audit:           []dispatch.AuditRecorder{store},
		Events:          []dispatch.EventPublisher{store, outbox.LogPublisher{Logger: logger.Named("push")}},
		BufferSize:      cfg.Outbox.BufferSize,
		DeliveryTimeout: cfg.Outbox.DeliveryTimeout,
		Logger:          logger,
	})
	queue.Start()
	defer queue.Stop()

	sched := scheduler.New(scheduler.Options{Store: store, Logger: logger})

	engine := dispatch.NewEngine(dispatch.Deps{
		Store:     store,
		Roster:    store,
		Calendar:  store,
		Audit:     queue,
		Events:    queue,
		Scheduler: sched,
		Logger:    logger,
	}, dispatch.Config{
		CarpoolCapacity: cfg.Dispatch.CarpoolCapacity,
		LookbackDays:    cfg.Dispatch.LookbackDays,
		Location:        cfg.Dispatch.Location(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx, engine.HandleReminder); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	reconciler := scheduler.NewReconciler(engine, sched, logger)
	reconciler.CheckInterval = cfg.Scheduler.ReconcileInterval
	reconciler.Horizon = cfg.Scheduler.HorizonDays
	reconciler.Location = cfg.Dispatch.Location()
	reconciler.Start()
	defer reconciler.Stop()

	handler := api.NewHandler(engine, store, logger)
	handler.DefaultReminderMinutes = cfg.Dispatch.DefaultReminderMinutes
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.CORS.AllowedOrigins})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path),
			zap.Int("carpool_capacity", engine.Capacity()),
			zap.Int("lookback_days", engine.LookbackDays()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
