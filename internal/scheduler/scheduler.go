// Package scheduler enqueues tasks on cron schedules.
//
// Each schedule runs in its own goroutine: compute the next fire time, sleep
// until it, then call the enqueue function. Enqueue errors are logged and the
// sequence carries on with the following fire time. When a Locker is set,
// every fire time is claimed first so only one of several replicas enqueues.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskq/internal/redact"
	"github.com/phrazzld/taskq/internal/task"
	"github.com/robfig/cron/v3"
)

// DefaultLockTTL is how long a fire-time claim is held.
const DefaultLockTTL = time.Minute

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse accepts five-field crontab lines, six fields with a leading seconds
// column, descriptors such as @hourly or @every 10m, and a CRON_TZ= prefix.
func Parse(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// EnqueueFunc produces the task for one fire time.
type EnqueueFunc func(ctx context.Context) error

// Locker grants at most one caller the right to act on key until ttl passes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger schedules report through.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now when computing fire times.
func WithClock(c task.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.now = c
		}
	}
}

// WithSleeper replaces task.SleepContext for the wait until each fire time.
func WithSleeper(fn task.Sleeper) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithLocker makes every named fire time claim "<name>:<unix seconds>" first.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// Scheduler owns the goroutines started by Spawn.
type Scheduler struct {
	logger  *slog.Logger
	now     task.Clock
	sleep   task.Sleeper
	locker  Locker
	lockTTL time.Duration
	wg      sync.WaitGroup
}

// New creates a Scheduler with no running schedules.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   task.SleepContext,
		lockTTL: DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Spawn starts an unnamed schedule. Unnamed schedules never take locks.
func (s *Scheduler) Spawn(ctx context.Context, expr string, enqueue EnqueueFunc) bool {
	return s.SpawnNamed(ctx, "", expr, enqueue)
}

// SpawnNamed starts a schedule for expr and reports whether one was started.
// An empty expression is a no-op; an invalid one is logged and ignored.
func (s *Scheduler) SpawnNamed(ctx context.Context, name, expr string, enqueue EnqueueFunc) bool {
	if expr == "" {
		return false
	}
	sched, err := Parse(expr)
	if err != nil {
		s.logger.Error("invalid cron expression", "schedule", name, "expression", expr, "error", err)
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, name, expr, sched, enqueue)
	}()
	return true
}

// ForProcessors spawns one schedule per ScheduledProcessor in reg, each
// enqueueing an empty object payload for its task type. It returns the number
// of schedules started.
func (s *Scheduler) ForProcessors(ctx context.Context, reg *task.Registry, q *task.Queue) int {
	started := 0
	for _, sp := range reg.Scheduled() {
		taskType := sp.TaskType()
		ok := s.SpawnNamed(ctx, taskType, sp.Schedule(), func(ctx context.Context) error {
			_, err := q.Enqueue(ctx, taskType, struct{}{})
			return err
		})
		if ok {
			started++
		}
	}
	return started
}

// Wait blocks until every spawned schedule has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, name, expr string, sched cron.Schedule, enqueue EnqueueFunc) {
	log := s.logger.With("schedule", name, "expression", expr)
	log.Info("schedule started")

	var last time.Time
	for {
		from := s.now()
		if from.Before(last) {
			from = last
		}
		next := sched.Next(from)
		if next.IsZero() {
			log.Warn("schedule has no future fire times")
			return
		}

		if err := s.sleep(ctx, next.Sub(s.now())); err != nil {
			log.Info("schedule stopped")
			return
		}
		last = next
		s.fire(ctx, log, name, next, enqueue)
	}
}

func (s *Scheduler) fire(ctx context.Context, log *slog.Logger, name string, at time.Time, enqueue EnqueueFunc) {
	if s.locker != nil && name != "" {
		key := fmt.Sprintf("%s:%d", name, at.Unix())
		ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
		switch {
		case err != nil:
			// an unreachable lock store must not silence the schedule
			log.Warn("schedule lock unavailable, firing anyway", "fire_at", at, "error", redact.Error(err))
		case !ok:
			log.Debug("fire time claimed by another instance", "fire_at", at)
			return
		}
	}

	if err := enqueue(ctx); err != nil {
		log.Error("scheduled enqueue failed", "fire_at", at, "error", redact.Error(err))
		return
	}
	log.Debug("scheduled task enqueued", "fire_at", at)
}
