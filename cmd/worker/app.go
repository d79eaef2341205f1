package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/taskq/internal/api"
	"github.com/phrazzld/taskq/internal/api/middleware"
	"github.com/phrazzld/taskq/internal/config"
	"github.com/phrazzld/taskq/internal/metrics"
	"github.com/phrazzld/taskq/internal/platform/memory"
	"github.com/phrazzld/taskq/internal/platform/postgres"
	"github.com/phrazzld/taskq/internal/platform/redis"
	"github.com/phrazzld/taskq/internal/processors"
	"github.com/phrazzld/taskq/internal/scheduler"
	"github.com/phrazzld/taskq/internal/task"
)

const defaultShutdownTimeout = 30 * time.Second

// application holds the wired components so they can be started and torn
// down together.
type application struct {
	config *config.Config
	logger *slog.Logger

	db  *sql.DB
	rdb *goredis.Client

	storage   task.Storage
	queue     *task.Queue
	registry  *task.Registry
	metrics   *metrics.WorkerMetrics
	runner    *task.Runner
	scheduler *scheduler.Scheduler
	server    *http.Server
}

func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}

	if err := app.openStorage(ctx); err != nil {
		app.cleanup()
		return nil, err
	}
	app.queue = task.NewQueue(app.storage, logger)
	app.registry = app.buildRegistry()

	var err error
	app.metrics, err = metrics.New(metrics.DefaultNamespace)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	app.metrics.Warmup(app.registry.TaskTypes())

	app.runner = task.NewRunner(app.storage, app.registry,
		task.WorkerConfig{
			BatchSize:    cfg.Worker.BatchSize,
			PollInterval: cfg.Worker.PollInterval,
			MaxBackoff:   cfg.Worker.MaxBackoff,
			TaskTimeout:  cfg.Worker.TaskTimeout,
		},
		task.RunnerConfig{
			WorkerCount:            cfg.Worker.WorkerCount,
			StuckTaskAge:           cfg.Worker.StuckTaskAge,
			StuckTaskCheckInterval: cfg.Worker.StuckTaskCheckInterval,
		},
		logger,
		task.WithMetrics(app.metrics))

	if cfg.Scheduler.Enabled {
		if err := app.setupScheduler(ctx); err != nil {
			app.cleanup()
			return nil, err
		}
	}

	handler, err := app.setupRouter()
	if err != nil {
		app.cleanup()
		return nil, err
	}
	app.server = api.NewServer(fmt.Sprintf(":%d", cfg.Server.Port), handler)

	logger.Info("application initialized", "processors", app.registry.TaskTypes())
	return app, nil
}

func (app *application) openStorage(ctx context.Context) error {
	cfg := app.config
	retry := task.ExponentialRetryDelay(task.BackoffConfig{
		BaseDelay: cfg.Worker.RetryBaseDelay,
		MaxDelay:  cfg.Worker.RetryMaxDelay,
		Jitter:    true,
	})

	switch cfg.Database.Backend {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			return err
		}
		app.db = db
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, db, "up", app.logger); err != nil {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
		}
		app.storage = postgres.NewPostgresTaskStore(db, postgres.WithRetryDelay(retry))
	case "memory", "":
		app.logger.Warn("using in-memory task storage; tasks do not survive a restart")
		app.storage = memory.NewTaskStore(memory.WithRetryDelay(retry))
	default:
		return fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
	return nil
}

func (app *application) buildRegistry() *task.Registry {
	b := task.NewRegistryBuilder()
	for _, p := range processors.AuthEmailProcessors(app.logger) {
		b.Register(p)
	}
	retention := processors.NewRetentionProcessor(app.storage,
		app.config.Worker.Retention,
		app.config.Worker.RetentionSchedule,
		app.logger)
	if retention != nil {
		b.Register(retention)
	}
	return b.Build()
}

func (app *application) setupScheduler(ctx context.Context) error {
	opts := []scheduler.Option{scheduler.WithLogger(app.logger)}
	if url := app.config.Scheduler.RedisURL; url != "" {
		rdb, err := redis.Connect(ctx, url)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.rdb = rdb
		opts = append(opts, scheduler.WithLocker(redis.NewLocker(rdb), app.config.Scheduler.LockTTL))
	}
	app.scheduler = scheduler.New(opts...)
	return nil
}

func (app *application) setupRouter() (http.Handler, error) {
	rc := api.RouterConfig{
		Queue:   app.queue,
		Metrics: app.metrics.Handler(),
		Logger:  app.logger,
	}
	if app.db != nil {
		rc.DB = app.db
	}
	if secret := app.config.Auth.AdminJWTSecret; secret != "" {
		v, err := middleware.NewTokenValidator(secret)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize admin token validator: %w", err)
		}
		rc.Auth = v
	}
	return api.NewRouter(rc), nil
}

// Run starts every component and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down in reverse order.
func (app *application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := app.runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task runner: %w", err)
	}
	if app.scheduler != nil {
		n := app.scheduler.ForProcessors(ctx, app.registry, app.queue)
		app.logger.Info("scheduler started", "schedules", n)
	}

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("http server listening", "addr", app.server.Addr)
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}
	cancel()

	timeout := app.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("http server shutdown failed", "error", err)
	}

	app.runner.Stop()
	if app.scheduler != nil {
		app.scheduler.Wait()
	}
	return runErr
}

// cleanup releases connections. Safe to call on a partially built application.
func (app *application) cleanup() {
	if app.rdb != nil {
		if err := app.rdb.Close(); err != nil {
			app.logger.Error("error closing redis connection", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
