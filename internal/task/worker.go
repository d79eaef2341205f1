package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/phrazzld/taskq/internal/platform/logger"
	"github.com/phrazzld/taskq/internal/redact"
	"github.com/phrazzld/taskq/internal/store"
)

// storageWriteTimeout bounds the status write that follows a processor run.
// The write is detached from the run context so a shutdown mid-task still
// records the outcome.
const storageWriteTimeout = 10 * time.Second

// WorkerConfig holds the poll loop settings.
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxBackoff caps the idle interval.
	MaxBackoff time.Duration
	// TaskTimeout bounds each Process call. Zero disables the deadline.
	TaskTimeout time.Duration
}

// DefaultWorkerConfig returns batch 10, 1s poll, 60s backoff cap and a 5m task deadline.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    10,
		PollInterval: time.Second,
		MaxBackoff:   MaxIdleInterval,
		TaskTimeout:  5 * time.Minute,
	}
}

// Sleeper blocks for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithMetrics reports invocations, lag, duration and outcomes to m.
func WithMetrics(m MetricsRecorder) WorkerOption {
	return func(w *Worker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithClock replaces time.Now for lag and duration measurements.
func WithClock(c Clock) WorkerOption {
	return func(w *Worker) {
		if c != nil {
			w.now = c
		}
	}
}

// WithSleeper replaces SleepContext for the idle wait.
func WithSleeper(s Sleeper) WorkerOption {
	return func(w *Worker) {
		if s != nil {
			w.sleep = s
		}
	}
}

// WithLogger sets the base logger; the worker adds its component and id.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func withWorkerID(id int) WorkerOption {
	return func(w *Worker) { w.id = id }
}

// Worker polls storage for ready tasks and runs them one at a time.
type Worker struct {
	storage  Storage
	registry *Registry
	cfg      WorkerConfig
	metrics  MetricsRecorder
	now      Clock
	sleep    Sleeper
	logger   *slog.Logger
	id       int
}

// NewWorker creates a Worker. Non-positive config values fall back to DefaultWorkerConfig.
func NewWorker(storage Storage, registry *Registry, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	def := DefaultWorkerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.TaskTimeout < 0 {
		cfg.TaskTimeout = 0
	}
	if registry == nil {
		registry = NewRegistryBuilder().Build()
	}

	w := &Worker{
		storage:  storage,
		registry: registry,
		cfg:      cfg,
		metrics:  noopMetrics{},
		now:      time.Now,
		sleep:    SleepContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "task_worker", "worker_id", w.id)
	return w
}

// Run polls until ctx is cancelled. A non-empty batch resets the interval to
// PollInterval and polls again at once; an empty batch or a polling error
// sleeps for the current interval and then doubles it up to MaxBackoff.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started",
		"batch_size", w.cfg.BatchSize,
		"poll_interval", w.cfg.PollInterval,
		"processors", w.registry.TaskTypes())

	interval := w.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return
		}

		n, err := w.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("failed to process pending tasks", "error", err, "retry_in", interval)
		}
		if err == nil && n > 0 {
			interval = w.cfg.PollInterval
			continue
		}

		if err := w.sleep(ctx, interval); err != nil {
			w.logger.Info("worker stopped")
			return
		}
		interval = nextIdleInterval(interval, w.cfg.MaxBackoff)
	}
}

// ProcessBatch runs one poll iteration and returns the number of records this
// worker claimed. Individual task failures are recorded in storage and never
// returned. When no record could be claimed because every claim failed with a
// storage error, the last such error is returned so Run backs off.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	records, err := w.storage.FindPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	claimed := 0
	var claimErr error
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		ok, err := w.processOne(ctx, rec)
		switch {
		case ok:
			claimed++
		case err != nil:
			claimErr = err
		}
	}
	if claimed == 0 && claimErr != nil {
		return 0, fmt.Errorf("claim pending tasks: %w", claimErr)
	}
	return claimed, nil
}

// processOne claims and runs rec. It reports whether the claim succeeded and,
// when it did not, the storage error behind it; a claim lost to another
// worker is not an error.
func (w *Worker) processOne(ctx context.Context, rec Record) (bool, error) {
	log := w.logger.With("task_id", rec.ID, "task_type", rec.TaskType)

	w.metrics.RecordInvocation(rec.TaskType)
	w.metrics.RecordProcessingLag(rec.TaskType, w.now().Sub(rec.CreatedAt))

	claimed, err := w.storage.MarkProcessing(ctx, rec.ID)
	if err != nil {
		if store.IsInvalidTransition(err) {
			log.Debug("task claimed by another worker, skipping")
			return false, nil
		}
		log.Error("failed to mark task processing", "error", err)
		return false, err
	}
	w.finish(ctx, claimed, log)
	return true, nil
}

// finish runs the claimed attempt and writes its outcome.
func (w *Worker) finish(ctx context.Context, claimed Record, log *slog.Logger) {
	log = log.With("attempt", claimed.Attempts, "max_attempts", claimed.MaxAttempts)

	start := w.now()
	procErr := w.execute(logger.WithLogger(ctx, log), claimed, log)
	w.metrics.RecordDuration(claimed.TaskType, w.now().Sub(start))

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storageWriteTimeout)
	defer cancel()

	if procErr == nil {
		if _, err := w.storage.MarkCompleted(writeCtx, claimed.ID, claimed.Attempts); err != nil {
			w.logWriteError(log, "failed to mark task completed", err)
			return
		}
		w.metrics.RecordCompleted(claimed.TaskType)
		log.Info("task completed")
		return
	}

	updated, err := w.storage.MarkFailed(writeCtx, claimed.ID, claimed.Attempts, procErr.Error())
	if err != nil {
		w.logWriteError(log, "failed to mark task failed", err, "task_error", redact.Error(procErr))
		return
	}
	w.metrics.RecordFailed(claimed.TaskType)

	if updated.Status == TaskStatusFailed {
		log.Error("task failed permanently",
			"error", redact.Error(fmt.Errorf("%w: %w", ErrMaxAttemptsReached, procErr)))
		return
	}
	attrs := []any{"error", redact.Error(procErr)}
	if updated.ScheduledFor != nil {
		attrs = append(attrs, "retry_at", *updated.ScheduledFor)
	}
	log.Warn("task failed, will retry", attrs...)
}

// logWriteError logs a rejected outcome write. A transition error here means
// the attempt was reset as stuck and the task moved on without this worker.
func (w *Worker) logWriteError(log *slog.Logger, msg string, err error, attrs ...any) {
	if store.IsInvalidTransition(err) {
		log.Warn("task attempt superseded, result discarded", append([]any{"error", err}, attrs...)...)
		return
	}
	log.Error(msg, append([]any{"error", err}, attrs...)...)
}

// execute runs the processor for rec under the task deadline. A processor that
// overruns its deadline is abandoned; on shutdown the processor is waited for.
func (w *Worker) execute(ctx context.Context, rec Record, log *slog.Logger) error {
	p, err := w.registry.Lookup(rec.TaskType)
	if err != nil {
		return err
	}

	taskCtx := ctx
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("processor panicked", "panic", r, "stack", string(debug.Stack()))
				done <- fmt.Errorf("%w: panic: %v", ErrProcessing, r)
			}
		}()
		if err := p.Process(taskCtx, rec.ID, rec.Payload); err != nil {
			done <- fmt.Errorf("%w: %w", ErrProcessing, err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			return <-done
		}
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			log.Warn("processor exceeded task timeout", "timeout", w.cfg.TaskTimeout)
		}
		return fmt.Errorf("%w: %w", ErrProcessing, taskCtx.Err())
	}
}
