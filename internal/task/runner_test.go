package task_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/taskq/internal/platform/logger"
	"github.com/phrazzld/taskq/internal/platform/memory"
	"github.com/phrazzld/taskq/internal/task"
	"github.com/phrazzld/taskq/internal/task/tasktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_ProcessesTasksAcrossWorkers(t *testing.T) {
	t.Parallel()
	s := memory.NewTaskStore()
	q := task.NewQueue(s, nil)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, "count", map[string]int{"i": i})
		require.NoError(t, err)
	}

	var processed atomic.Int32
	reg := task.NewRegistryBuilder().Register(task.HandleFunc("count",
		func(context.Context, string, json.RawMessage) error {
			processed.Add(1)
			return nil
		})).Build()

	log, _ := logger.NewTestLogger()
	r := task.NewRunner(s, reg,
		task.WorkerConfig{BatchSize: 5, PollInterval: 10 * time.Millisecond},
		task.RunnerConfig{WorkerCount: 3},
		log)

	require.NoError(t, r.Start(ctx))
	assert.ErrorIs(t, r.Start(ctx), task.ErrRunnerStarted)

	require.Eventually(t, func() bool {
		res, err := s.ListTasks(ctx, task.ListFilter{Status: task.TaskStatusCompleted})
		return err == nil && res.Total == total
	}, 5*time.Second, 10*time.Millisecond)

	r.Stop()
	assert.Equal(t, int32(total), processed.Load(), "each task runs exactly once")
}

func TestRunner_StopWithoutStart(t *testing.T) {
	t.Parallel()
	r := task.NewRunner(memory.NewTaskStore(), nil, task.WorkerConfig{}, task.RunnerConfig{}, nil)
	r.Stop()
}

func TestRunner_StopWaitsForInFlightTask(t *testing.T) {
	t.Parallel()
	s := memory.NewTaskStore()
	ctx := context.Background()
	rec, err := task.NewQueue(s, nil).Enqueue(ctx, "slow", struct{}{})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	reg := task.NewRegistryBuilder().Register(task.HandleFunc("slow",
		func(context.Context, string, json.RawMessage) error {
			close(started)
			<-release
			return nil
		})).Build()

	log, _ := logger.NewTestLogger()
	r := task.NewRunner(s, reg, task.WorkerConfig{}, task.RunnerConfig{WorkerCount: 1}, log)
	require.NoError(t, r.Start(ctx))
	<-started

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped

	got, err := s.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusCompleted, got.Status)
}

func TestRunner_RecoverStuck(t *testing.T) {
	t.Parallel()
	clock := tasktest.NewFakeClock(tasktest.Epoch)
	s := memory.NewTaskStore(memory.WithClock(clock.Now))
	q := task.NewQueue(s, nil)
	ctx := context.Background()

	retryable, err := q.Enqueue(ctx, "a", struct{}{})
	require.NoError(t, err)
	lastChance, err := q.EnqueueWithOptions(ctx, "b", struct{}{}, task.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	fresh, err := q.Enqueue(ctx, "c", struct{}{})
	require.NoError(t, err)

	for _, id := range []string{retryable.ID, lastChance.ID} {
		_, err := s.MarkProcessing(ctx, id)
		require.NoError(t, err)
	}
	clock.Advance(45 * time.Minute)
	_, err = s.MarkProcessing(ctx, fresh.ID)
	require.NoError(t, err)

	log, buf := logger.NewTestLogger()
	r := task.NewRunner(s, nil, task.WorkerConfig{}, task.RunnerConfig{StuckTaskAge: 30 * time.Minute}, log)

	n, err := r.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetTask(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusPending, got.Status)
	assert.Equal(t, task.StuckTaskMessage, got.ErrorMessage())

	got, err = s.GetTask(ctx, lastChance.ID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusFailed, got.Status)

	got, err = s.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusProcessing, got.Status)

	assert.Contains(t, buf.String(), "reset stuck task")

	n, err = r.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunner_RecoveredAttemptIgnoresStaleWorker(t *testing.T) {
	t.Parallel()
	clock := tasktest.NewFakeClock(tasktest.Epoch)
	s := memory.NewTaskStore(memory.WithClock(clock.Now))
	ctx := context.Background()
	rec, err := task.NewQueue(s, nil).Enqueue(ctx, "slow", struct{}{})
	require.NoError(t, err)

	started := make(chan int, 2)
	release := []chan struct{}{make(chan struct{}), make(chan struct{})}
	var calls atomic.Int32
	reg := task.NewRegistryBuilder().Register(task.HandleFunc("slow",
		func(context.Context, string, json.RawMessage) error {
			n := int(calls.Add(1))
			started <- n
			<-release[n-1]
			return nil
		})).Build()

	log, buf := logger.NewTestLogger()
	cfg := task.WorkerConfig{TaskTimeout: 0}
	first := task.NewWorker(s, reg, cfg, task.WithClock(clock.Now), task.WithLogger(log))
	second := task.NewWorker(s, reg, cfg, task.WithClock(clock.Now), task.WithLogger(log))

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = first.ProcessBatch(ctx)
	}()
	require.Equal(t, 1, <-started)

	clock.Advance(time.Hour)
	r := task.NewRunner(s, reg, cfg, task.RunnerConfig{StuckTaskAge: 30 * time.Minute}, log)
	n, err := r.RecoverStuck(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_, _ = second.ProcessBatch(ctx)
	}()
	require.Equal(t, 2, <-started)

	// The first worker finishes attempt 1 while attempt 2 is still running.
	close(release[0])
	<-firstDone

	got, err := s.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusProcessing, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Contains(t, buf.String(), "task attempt superseded, result discarded")

	close(release[1])
	<-secondDone

	got, err = s.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}
