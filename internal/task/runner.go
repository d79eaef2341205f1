package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskq/internal/store"
)

// StuckTaskMessage is recorded on tasks reset by the stuck-task monitor.
const StuckTaskMessage = "reset after being stuck in processing state"

// RunnerConfig holds configuration for the task runner
type RunnerConfig struct {
	// WorkerCount determines how many polling workers run concurrently
	WorkerCount int

	// StuckTaskAge defines how long a task can be in processing state
	// before it's considered stuck and failed back into the retry cycle.
	// Zero disables the monitor.
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to check for stuck tasks
	// If zero, defaults to 5 minutes
	StuckTaskCheckInterval time.Duration

	// StuckTaskBatch caps how many stuck tasks are reset per check.
	StuckTaskBatch int
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:            1,
		StuckTaskAge:           30 * time.Minute,
		StuckTaskCheckInterval: 5 * time.Minute,
		StuckTaskBatch:         100,
	}
}

// ErrRunnerStarted is returned by Start when the runner is already running.
var ErrRunnerStarted = errors.New("task runner already started")

// Runner owns a set of Workers plus the stuck-task monitor.
type Runner struct {
	storage   Storage
	registry  *Registry
	workerCfg WorkerConfig
	config    RunnerConfig
	opts      []WorkerOption
	base      *slog.Logger
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRunner creates a Runner. opts are applied to every Worker it starts.
func NewRunner(storage Storage, registry *Registry, workerCfg WorkerConfig, config RunnerConfig, logger *slog.Logger, opts ...WorkerOption) *Runner {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.StuckTaskCheckInterval <= 0 {
		config.StuckTaskCheckInterval = 5 * time.Minute
	}
	if config.StuckTaskBatch <= 0 {
		config.StuckTaskBatch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		storage:   storage,
		registry:  registry,
		workerCfg: workerCfg,
		config:    config,
		opts:      opts,
		base:      logger,
		logger:    logger.With("component", "task_runner"),
	}
}

// Start launches the workers and the stuck-task monitor. They run until ctx
// is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrRunnerStarted
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)

	for i := 0; i < r.config.WorkerCount; i++ {
		opts := append([]WorkerOption{WithLogger(r.base)}, r.opts...)
		opts = append(opts, withWorkerID(i))
		w := NewWorker(r.storage, r.registry, r.workerCfg, opts...)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.Run(ctx)
		}()
	}

	if r.config.StuckTaskAge > 0 {
		r.wg.Add(1)
		go r.stuckTaskMonitor(ctx)
	}

	r.logger.Info("task runner started",
		"worker_count", r.config.WorkerCount,
		"stuck_task_age", r.config.StuckTaskAge)
	return nil
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.logger.Info("task runner stopped")
}

// RecoverStuck fails every processing task older than StuckTaskAge through
// MarkFailed, so each one is retried or terminally failed by the usual rules.
// The reset is bound to the attempt that was found stuck, and the worker
// still running that attempt can no longer record its outcome. It returns
// the number of tasks reset.
func (r *Runner) RecoverStuck(ctx context.Context) (int, error) {
	stuck, err := r.storage.FindStuck(ctx, r.config.StuckTaskAge, r.config.StuckTaskBatch)
	if err != nil {
		return 0, err
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	r.logger.Info("found stuck tasks", "count", len(stuck))
	reset := 0
	for _, rec := range stuck {
		updated, err := r.storage.MarkFailed(ctx, rec.ID, rec.Attempts, StuckTaskMessage)
		if err != nil {
			if store.IsInvalidTransition(err) {
				continue
			}
			r.logger.Error("failed to reset stuck task",
				"task_id", rec.ID,
				"task_type", rec.TaskType,
				"error", err)
			continue
		}
		reset++
		r.logger.Warn("reset stuck task",
			"task_id", rec.ID,
			"task_type", rec.TaskType,
			"status", updated.Status,
			"attempts", updated.Attempts)
	}
	return reset, nil
}

func (r *Runner) stuckTaskMonitor(ctx context.Context) {
	defer r.wg.Done()

	check := func() {
		if _, err := r.RecoverStuck(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("failed to check for stuck tasks", "error", err)
		}
	}
	check()

	ticker := time.NewTicker(r.config.StuckTaskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
