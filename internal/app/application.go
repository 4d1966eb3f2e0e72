// Package app wires every domain service, adapter, and background worker
// together into one running process. Grounded on the teacher's
// internal/app/application.go: an Application struct exposing
// Initialize/Start/Shutdown/WaitForShutdown, config -> logger -> tracing ->
// storage -> services -> workers -> HTTP server construction order, and a
// signal-driven graceful shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/rail-service/erasure_service/internal/api"
	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/certificate"
	"github.com/rail-service/erasure_service/internal/domain/services/executor"
	"github.com/rail-service/erasure_service/internal/domain/services/guard"
	"github.com/rail-service/erasure_service/internal/domain/services/legalhold"
	"github.com/rail-service/erasure_service/internal/domain/services/monitor"
	"github.com/rail-service/erasure_service/internal/domain/services/orchestrator"
	"github.com/rail-service/erasure_service/internal/domain/services/policy"
	"github.com/rail-service/erasure_service/internal/domain/services/scanner"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/internal/domain/services/zombie"
	"github.com/rail-service/erasure_service/internal/infrastructure/adapters"
	"github.com/rail-service/erasure_service/internal/infrastructure/config"
	"github.com/rail-service/erasure_service/internal/infrastructure/database"
	"github.com/rail-service/erasure_service/internal/infrastructure/eventbus"
	"github.com/rail-service/erasure_service/internal/infrastructure/kvstore"
	"github.com/rail-service/erasure_service/internal/workers"
	"github.com/rail-service/erasure_service/pkg/canon"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/logger"
	"github.com/rail-service/erasure_service/pkg/metrics"
	"github.com/rail-service/erasure_service/pkg/tracing"
)

// Application owns every long-lived resource the process holds: the HTTP
// server, the background sweeper, and the connections they both depend on.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	server  *http.Server
	sweeper *workers.Sweeper

	db          *sqlx.DB
	redisClient *redis.Client

	tracingShutdown func(context.Context) error
}

// NewApplication returns an empty Application; call Initialize before Start.
func NewApplication() *Application {
	return &Application{}
}

// Initialize loads configuration and builds every service, worker, and the
// HTTP server, but starts nothing yet.
func (app *Application) Initialize() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.cfg = cfg

	log, err := logger.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.log = log

	if err := app.initializeTracing(); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	sqlDB, err := database.NewConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = sqlDB

	if err := database.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	app.redisClient = redisClient

	kv := kvstore.NewPostgres(sqlDB)
	bus := eventbus.NewRedis(redisClient, log)
	clk := clock.NewSystemClock()
	metricsReg := metrics.New()

	sweeper, handlers, err := app.buildServices(kv, bus, clk, metricsReg)
	if err != nil {
		return fmt.Errorf("failed to build services: %w", err)
	}
	app.sweeper = sweeper

	router := api.NewRouter(handlers, metricsReg, cfg.Server.RequestTimeout, log)
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	app.server = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return nil
}

// buildServices wires every domain service from the bottom up, resolving
// the orchestrator/zombie and orchestrator/scanner circular dependencies
// via a settable spawner field and a closure captured by reference,
// respectively.
func (app *Application) buildServices(kv *kvstore.Postgres, bus *eventbus.Redis, clk clock.Clock, metricsReg *metrics.Registry) (*workers.Sweeper, *api.Handlers, error) {
	cfg := app.cfg
	log := app.log

	store := workflow.New(kv, clk, log)
	pol := policy.New(kv, clk, log)
	lh := legalhold.New(store, clk, log)
	retryPolicy := executor.RetryPolicy{
		MaxAttempts:       cfg.Executor.MaxAttempts,
		InitialDelay:      cfg.Executor.InitialRetryDelay,
		BackoffMultiplier: cfg.Executor.BackoffMultiplier,
		MaxDelay:          5 * time.Minute,
		StepTimeout:       cfg.Executor.AdapterTimeout,
	}
	exec := executor.New(store, lh, clk, log, retryPolicy)
	g := guard.New(kv, store, clk, log)

	registry := adapters.NewRegistryForSystems(policy.RequiredSystems, cfg.Adapters.WebhookBaseURL, cfg.Adapters.Timeout, log)

	keyProvider, err := canon.NewMemoryKeyProvider()
	if err != nil {
		return nil, nil, fmt.Errorf("generating certificate signing key: %w", err)
	}
	certGen := certificate.New(store, canon.NewKeyring(keyProvider), clk, log)

	monitorPub := monitor.New(bus, metricsReg, clk, log)
	exec.SetErrorPublisher(monitorPub)
	certGen.SetErrorPublisher(monitorPub)

	// orch is referenced by closures below before it exists: the scanner's
	// onAction hook and the zombie manager's spawner both call back into
	// the orchestrator, which in turn depends on both of them.
	var orch *orchestrator.Orchestrator

	scan := scanner.New(store, pol, registry, log, func(ctx context.Context, workflowID string, finding entities.PIIFinding) error {
		return orch.EnqueueAdditionalDeletion(ctx, workflowID, finding)
	})
	zmb := zombie.New(kv, store, registry, nil, clk, log)

	orch = orchestrator.New(store, g, pol, exec, lh, registry, scan, certGen, zmb, monitorPub, clk, log)
	zmb.SetSpawner(orch)

	sched := workers.Schedules(cfg.Schedules)
	sweeper, err := workers.New(context.Background(), orch, store, scan, zmb, sched, log)
	if err != nil {
		return nil, nil, fmt.Errorf("registering sweeper jobs: %w", err)
	}

	handlers := api.NewHandlers(orch, store, certGen, clk, log)
	return sweeper, handlers, nil
}

func (app *Application) initializeTracing() error {
	tracingShutdown, err := tracing.InitTracer(context.Background(), tracing.Config{
		Endpoint:    app.cfg.Tracing.Endpoint,
		ServiceName: app.cfg.Tracing.ServiceName,
	}, app.log.Zap())
	if err != nil {
		return err
	}
	app.tracingShutdown = tracingShutdown
	return nil
}

// Start begins serving HTTP traffic and running the background sweepers.
func (app *Application) Start() error {
	app.sweeper.Start()

	go func() {
		app.log.Info("starting server", "port", app.cfg.Server.Port, "environment", app.cfg.Environment)
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.Fatal("failed to start server", "error", err)
		}
	}()

	return nil
}

// Shutdown drains in-flight work and closes every connection, in reverse
// dependency order.
func (app *Application) Shutdown() error {
	app.log.Info("shutting down")

	app.sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		app.log.Error("server forced to shutdown", "error", err)
	}

	if app.tracingShutdown != nil {
		_ = app.tracingShutdown(context.Background())
	}

	if err := app.redisClient.Close(); err != nil {
		app.log.Warn("error closing redis client", "error", err)
	}
	if err := app.db.Close(); err != nil {
		app.log.Warn("error closing database pool", "error", err)
	}

	app.log.Info("shutdown complete")
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM is received.
func (app *Application) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}
