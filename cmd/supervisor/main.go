// Package main is the entry point for the Orkiva supervisor.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orkiva/orkiva/internal/common/config"
	"github.com/orkiva/orkiva/internal/common/database"
	"github.com/orkiva/orkiva/internal/common/ids"
	"github.com/orkiva/orkiva/internal/common/logger"
	"github.com/orkiva/orkiva/internal/events"
	"github.com/orkiva/orkiva/internal/session/registry"
	"github.com/orkiva/orkiva/internal/store"
	"github.com/orkiva/orkiva/internal/supervisor"
	"github.com/orkiva/orkiva/internal/supervisor/api"
	"github.com/orkiva/orkiva/internal/trigger/callback"
	"github.com/orkiva/orkiva/internal/trigger/fallback"
	"github.com/orkiva/orkiva/internal/trigger/pty"
	"github.com/orkiva/orkiva/internal/trigger/scheduler"
	"github.com/orkiva/orkiva/internal/trigger/worker"
	"github.com/orkiva/orkiva/internal/unread"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Orkiva supervisor...",
		zap.String("workspace_id", cfg.WorkspaceID))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Build the store: Postgres when configured, in-memory for dev runs
	var st store.Store
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using the in-memory store")
		st = store.NewMemoryStore()
	} else {
		db, err := connectDatabase(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		log.Info("Connected to PostgreSQL")

		// 5. Run migrations
		if err := db.Migrate(); err != nil {
			log.Fatal("Failed to run migrations", zap.Error(err))
		}
		st = store.NewPostgresStore(db)
	}

	// 6. Connect the event bus (NATS when configured, in-memory otherwise)
	// and attach the recent-events feed served by the inspection API
	eventBus, cleanupBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer cleanupBus()

	feed, err := events.NewFeed(eventBus, 0)
	if err != nil {
		log.Fatal("Failed to attach event feed", zap.Error(err))
	}
	defer feed.Close()

	// 7. Build the supervisor components
	minJobCreatedAt, err := cfg.Worker.MinJobCreatedAtTime()
	if err != nil {
		log.Fatal("Invalid WORKER_MIN_JOB_CREATED_AT", zap.Error(err))
	}

	fallbackExec := fallback.NewExecutor(fallback.Config{
		ResumeMaxAttempts:    cfg.Trigger.ResumeMaxAttempts,
		StaleAfterHours:      cfg.Session.StaleAfterHours,
		AllowDangerousBypass: cfg.Worker.FallbackAllowDangerousBypass,
	}, st, fallback.NewProcessLauncher(), log)

	poster := callback.NewPoster(callback.Config{
		BaseURL:        cfg.Worker.BridgeAPIBaseURL,
		AccessToken:    cfg.Worker.BridgeAccessToken,
		RequestTimeout: cfg.Worker.CallbackRequestTimeout(),
	}, log)

	queueWorker := worker.New(worker.Config{
		AckTimeout:                cfg.Trigger.AckTimeout(),
		Recheck:                   cfg.Trigger.Recheck(),
		MaxDefer:                  cfg.Trigger.MaxDefer(),
		LeaseTimeout:              cfg.Trigger.LeaseTimeout(),
		MaxParallelJobs:           cfg.Worker.MaxParallelJobs,
		MinJobCreatedAt:           minJobCreatedAt,
		CallbackMaxRetries:        cfg.Worker.CallbackMaxRetries,
		FallbackExecTimeout:       cfg.Worker.FallbackExecTimeout(),
		FallbackKillGrace:         cfg.Worker.FallbackKillGrace(),
		FallbackMaxActiveGlobal:   cfg.Worker.FallbackMaxActiveGlobal,
		FallbackMaxActivePerAgent: cfg.Worker.FallbackMaxActivePerAgent,
	}, st, pty.NewAdapter(log), fallbackExec, poster, eventBus, log)

	sup := supervisor.New(supervisor.Config{
		WorkspaceID:       cfg.WorkspaceID,
		StaleAfterHours:   cfg.Session.StaleAfterHours,
		TriggerMaxRetries: cfg.Trigger.MaxRetries,
		MaxJobsPerTick:    cfg.Worker.MaxParallelJobs,
		AutoUnreadEnabled: cfg.AutoUnread.Enabled,
		PollInterval:      cfg.Worker.PollInterval(),
	}, ids.SystemClock{},
		registry.New(st, eventBus, log),
		unread.NewReconciler(st, st, log),
		scheduler.New(cfg.AutoUnread, st, eventBus, log),
		queueWorker, st, eventBus, log)

	// 8. Start the supervisor loop
	go func() {
		if err := sup.Run(ctx); err != nil && err != context.Canceled {
			log.Error("Supervisor loop exited", zap.Error(err))
		}
	}()

	// 9. Setup the inspection HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(log))
	api.RegisterRoutes(router, st, sup, feed, cfg.WorkspaceID, log)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down supervisor...")

	// 11. Graceful shutdown: stop accepting ticks, then drain the server
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Supervisor stopped")
}

// connectDatabase retries the initial connection with exponential backoff so
// the supervisor tolerates a database that is still starting.
func connectDatabase(ctx context.Context, databaseURL string, log *logger.Logger) (*database.DB, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.RandomizationFactor = 0.2

	return backoff.Retry(ctx, func() (*database.DB, error) {
		db, err := database.NewDB(ctx, databaseURL)
		if err != nil {
			log.Warn("Database not ready, retrying", zap.Error(err))
			return nil, err
		}
		return db, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(2*time.Minute))
}
