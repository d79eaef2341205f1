package tasktest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/phrazzld/taskq/internal/store"
	"github.com/phrazzld/taskq/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory builds an empty backend that reads time from clock and applies retry
// (which may be nil) to failed attempts that still have retries left.
type Factory func(t *testing.T, clock *FakeClock, retry task.RetryDelayFunc) task.Storage

// Epoch is the starting instant of every suite clock.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// RunStorageSuite exercises the task.Storage contract against newStorage.
func RunStorageSuite(t *testing.T, newStorage Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, newStorage Factory)
	}{
		{"EnqueueCreatesPendingRecords", testEnqueueCreatesPendingRecords},
		{"FindPendingOrdersByCreation", testFindPendingOrdersByCreation},
		{"FindPendingSkipsNonPending", testFindPendingSkipsNonPending},
		{"ScheduledTaskInvisibleUntilDue", testScheduledTaskInvisibleUntilDue},
		{"RetryLaw", testRetryLaw},
		{"RetryDelay", testRetryDelay},
		{"TerminalStatesAreFinal", testTerminalStatesAreFinal},
		{"TransitionsRequireExpectedStatus", testTransitionsRequireExpectedStatus},
		{"UnknownIDs", testUnknownIDs},
		{"LifecycleTimestamps", testLifecycleTimestamps},
		{"SupersededAttemptCannotFinish", testSupersededAttemptCannotFinish},
		{"FindStuck", testFindStuck},
		{"ListTasks", testListTasks},
		{"PurgeFinished", testPurgeFinished},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStorage)
		})
	}
}

func enqueue(t *testing.T, s task.Storage, taskType string, scheduledFor *time.Time, maxAttempts int) task.Record {
	t.Helper()
	rec, err := s.Enqueue(context.Background(), taskType, json.RawMessage(`{"to":"a@b.com"}`), scheduledFor, maxAttempts)
	require.NoError(t, err)
	return rec
}

func ids(records []task.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func testEnqueueCreatesPendingRecords(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"to": "user%d@example.com", "n": %d}`, i, i))
		rec, err := s.Enqueue(ctx, task.TypeEmailRegistration, payload, nil, 3)
		require.NoError(t, err)

		assert.NotEmpty(t, rec.ID)
		assert.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
		seen[rec.ID] = true

		assert.Equal(t, task.TypeEmailRegistration, rec.TaskType)
		assert.Equal(t, task.TaskStatusPending, rec.Status)
		assert.Equal(t, 0, rec.Attempts)
		assert.Equal(t, 3, rec.MaxAttempts)
		assert.Nil(t, rec.Error)
		assert.Nil(t, rec.ScheduledFor)
		assert.Nil(t, rec.StartedAt)
		assert.Nil(t, rec.CompletedAt)
		assert.WithinDuration(t, clock.Now(), rec.CreatedAt, time.Millisecond)
		assert.WithinDuration(t, clock.Now(), rec.UpdatedAt, time.Millisecond)
		assert.JSONEq(t, string(payload), string(rec.Payload))

		got, err := s.GetTask(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.JSONEq(t, string(payload), string(got.Payload))
	}
}

func testFindPendingOrdersByCreation(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	var want []string
	for i := 0; i < 3; i++ {
		want = append(want, enqueue(t, s, task.TypeEmailNotification, nil, 3).ID)
		clock.Advance(time.Second)
	}

	got, err := s.FindPending(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, want, ids(got))

	got, err = s.FindPending(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, want[:2], ids(got))

	// Same created_at falls back to insertion order.
	a := enqueue(t, s, "same_instant", nil, 3)
	b := enqueue(t, s, "same_instant", nil, 3)
	got, err = s.FindPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, append(append([]string{}, want...), a.ID, b.ID), ids(got))
}

func testFindPendingSkipsNonPending(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	processing := enqueue(t, s, "t", nil, 3)
	completed := enqueue(t, s, "t", nil, 3)
	failed := enqueue(t, s, "t", nil, 1)
	pending := enqueue(t, s, "t", nil, 3)

	_, err := s.MarkProcessing(ctx, processing.ID)
	require.NoError(t, err)
	_, err = s.MarkProcessing(ctx, completed.ID)
	require.NoError(t, err)
	_, err = s.MarkCompleted(ctx, completed.ID, 1)
	require.NoError(t, err)
	_, err = s.MarkProcessing(ctx, failed.ID)
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, failed.ID, 1, "boom")
	require.NoError(t, err)

	got, err := s.FindPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{pending.ID}, ids(got))
	for _, r := range got {
		assert.Equal(t, task.TaskStatusPending, r.Status)
	}
}

func testScheduledTaskInvisibleUntilDue(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	due := clock.Now().Add(time.Hour)
	rec := enqueue(t, s, "scheduled", &due, 3)
	require.NotNil(t, rec.ScheduledFor)
	assert.WithinDuration(t, due, *rec.ScheduledFor, time.Millisecond)

	got, err := s.FindPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	clock.Advance(59 * time.Minute)
	got, err = s.FindPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	clock.Advance(time.Minute)
	got, err = s.FindPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, ids(got))
}

func testRetryLaw(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	rec := enqueue(t, s, task.TypeEmailPasswordReset, nil, 3)

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := s.MarkProcessing(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, task.TaskStatusProcessing, claimed.Status)
		assert.Equal(t, attempt, claimed.Attempts)

		failed, err := s.MarkFailed(ctx, rec.ID, claimed.Attempts, fmt.Sprintf("attempt %d failed", attempt))
		require.NoError(t, err)
		assert.Equal(t, task.TaskStatusPending, failed.Status)
		assert.Equal(t, attempt, failed.Attempts)
		assert.Equal(t, fmt.Sprintf("attempt %d failed", attempt), failed.ErrorMessage())
		assert.Nil(t, failed.ScheduledFor, "no retry delay configured")

		ready, err := s.FindPending(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{rec.ID}, ids(ready))
	}

	_, err := s.MarkProcessing(ctx, rec.ID)
	require.NoError(t, err)
	final, err := s.MarkFailed(ctx, rec.ID, 3, "attempt 3 failed")
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusFailed, final.Status)
	assert.Equal(t, 3, final.Attempts)
	assert.True(t, final.Exhausted())
	assert.Equal(t, "attempt 3 failed", final.ErrorMessage())

	ready, err := s.FindPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func testRetryDelay(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	delay := func(attempts int) time.Duration { return time.Duration(attempts) * 10 * time.Minute }
	s := newStorage(t, clock, delay)
	ctx := context.Background()

	rec := enqueue(t, s, "flaky", nil, 3)
	_, err := s.MarkProcessing(ctx, rec.ID)
	require.NoError(t, err)

	failed, err := s.MarkFailed(ctx, rec.ID, 1, "try later")
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusPending, failed.Status)
	require.NotNil(t, failed.ScheduledFor)
	assert.WithinDuration(t, clock.Now().Add(10*time.Minute), *failed.ScheduledFor, time.Millisecond)

	ready, err := s.FindPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	clock.Advance(10 * time.Minute)
	ready, err = s.FindPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, ids(ready))
}

func assertTransitionRejected(t *testing.T, s task.Storage, id string, want task.TaskStatus) {
	t.Helper()
	ctx := context.Background()

	before, err := s.GetTask(ctx, id)
	require.NoError(t, err)

	_, err = s.MarkProcessing(ctx, id)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = s.MarkCompleted(ctx, id, before.Attempts)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = s.MarkFailed(ctx, id, before.Attempts, "late failure")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want, got.Status)
	assert.NotEqual(t, "late failure", got.ErrorMessage())
}

func testTerminalStatesAreFinal(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	completed := enqueue(t, s, "t", nil, 3)
	_, err := s.MarkProcessing(ctx, completed.ID)
	require.NoError(t, err)
	_, err = s.MarkCompleted(ctx, completed.ID, 1)
	require.NoError(t, err)
	assertTransitionRejected(t, s, completed.ID, task.TaskStatusCompleted)

	failed := enqueue(t, s, "t", nil, 1)
	_, err = s.MarkProcessing(ctx, failed.ID)
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, failed.ID, 1, "fatal")
	require.NoError(t, err)
	assertTransitionRejected(t, s, failed.ID, task.TaskStatusFailed)

	got, err := s.GetTask(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "fatal", got.ErrorMessage())
}

func testTransitionsRequireExpectedStatus(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	rec := enqueue(t, s, "t", nil, 3)

	_, err := s.MarkCompleted(ctx, rec.ID, 0)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = s.MarkFailed(ctx, rec.ID, 0, "never started")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.MarkProcessing(ctx, rec.ID)
	require.NoError(t, err)
	_, err = s.MarkProcessing(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition, "second claim must lose")

	got, err := s.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.Error)
}

func testUnknownIDs(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	for _, id := range []string{"999999999", "not-an-id"} {
		_, err := s.GetTask(ctx, id)
		assert.ErrorIs(t, err, store.ErrTaskNotFound, id)
		assert.True(t, store.IsNotFoundError(err), id)

		_, err = s.MarkProcessing(ctx, id)
		assert.ErrorIs(t, err, store.ErrTaskNotFound, id)
		_, err = s.MarkCompleted(ctx, id, 1)
		assert.ErrorIs(t, err, store.ErrTaskNotFound, id)
		_, err = s.MarkFailed(ctx, id, 1, "x")
		assert.ErrorIs(t, err, store.ErrTaskNotFound, id)
	}
}

func testLifecycleTimestamps(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	rec := enqueue(t, s, "t", nil, 3)

	clock.Advance(5 * time.Second)
	claimed, err := s.MarkProcessing(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.StartedAt)
	assert.WithinDuration(t, clock.Now(), *claimed.StartedAt, time.Millisecond)
	assert.WithinDuration(t, clock.Now(), claimed.UpdatedAt, time.Millisecond)
	assert.WithinDuration(t, Epoch, claimed.CreatedAt, time.Millisecond)

	_, err = s.MarkFailed(ctx, rec.ID, claimed.Attempts, "transient")
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	second, err := s.MarkProcessing(ctx, rec.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	done, err := s.MarkCompleted(ctx, rec.ID, second.Attempts)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.WithinDuration(t, clock.Now(), *done.CompletedAt, time.Millisecond)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, "transient", done.ErrorMessage(), "completion leaves the last error untouched")
}

// A worker whose attempt was reset as stuck and claimed again by another
// worker must not be able to finish the newer attempt.
func testSupersededAttemptCannotFinish(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	rec := enqueue(t, s, "slow", nil, 3)
	first, err := s.MarkProcessing(ctx, rec.ID)
	require.NoError(t, err)

	// The stuck-task monitor resets attempt 1 and another worker claims attempt 2.
	_, err = s.MarkFailed(ctx, rec.ID, first.Attempts, task.StuckTaskMessage)
	require.NoError(t, err)
	second, err := s.MarkProcessing(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 2, second.Attempts)

	_, err = s.MarkCompleted(ctx, rec.ID, first.Attempts)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = s.MarkFailed(ctx, rec.ID, first.Attempts, "late failure")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusProcessing, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, task.StuckTaskMessage, got.ErrorMessage())

	done, err := s.MarkCompleted(ctx, rec.ID, second.Attempts)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusCompleted, done.Status)
}

func testFindStuck(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	old := enqueue(t, s, "t", nil, 3)
	_, err := s.MarkProcessing(ctx, old.ID)
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	recent := enqueue(t, s, "t", nil, 3)
	_, err = s.MarkProcessing(ctx, recent.ID)
	require.NoError(t, err)
	enqueue(t, s, "t", nil, 3)

	clock.Advance(15 * time.Minute)

	stuck, err := s.FindStuck(ctx, 30*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids(stuck))

	stuck, err = s.FindStuck(ctx, 10*time.Minute, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{old.ID, recent.ID}, ids(stuck))

	stuck, err = s.FindStuck(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func testListTasks(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	var all []task.Record
	for i := 0; i < 5; i++ {
		all = append(all, enqueue(t, s, task.TypeEmailRegistration, nil, 3))
		clock.Advance(time.Minute)
	}
	for i := 0; i < 3; i++ {
		all = append(all, enqueue(t, s, task.TypeEmailNotification, nil, 1))
		clock.Advance(time.Minute)
	}

	notif := all[5]
	_, err := s.MarkProcessing(ctx, notif.ID)
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, notif.ID, 1, "SMTP relay unavailable")
	require.NoError(t, err)

	res, err := s.ListTasks(ctx, task.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Total)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, task.DefaultPerPage, res.PerPage)
	require.Len(t, res.Tasks, 8)
	assert.Equal(t, all[7].ID, res.Tasks[0].ID, "newest first")

	res, err = s.ListTasks(ctx, task.ListFilter{TaskType: task.TypeEmailRegistration, PerPage: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, []string{all[2].ID, all[1].ID}, ids(res.Tasks))

	res, err = s.ListTasks(ctx, task.ListFilter{Status: task.TaskStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, []string{notif.ID}, ids(res.Tasks))

	res, err = s.ListTasks(ctx, task.ListFilter{Query: "smtp"})
	require.NoError(t, err)
	assert.Equal(t, []string{notif.ID}, ids(res.Tasks))

	res, err = s.ListTasks(ctx, task.ListFilter{Query: "notification"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)

	from := Epoch.Add(2 * time.Minute)
	to := Epoch.Add(4 * time.Minute)
	res, err = s.ListTasks(ctx, task.ListFilter{From: &from, To: &to})
	require.NoError(t, err)
	assert.Equal(t, []string{all[4].ID, all[3].ID, all[2].ID}, ids(res.Tasks))

	res, err = s.ListTasks(ctx, task.ListFilter{Page: 9})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Total)
	assert.Empty(t, res.Tasks)

	res, err = s.ListTasks(ctx, task.ListFilter{Page: math.MaxInt, PerPage: 4})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Total)
	assert.Equal(t, task.MaxPage, res.Page)
	assert.Empty(t, res.Tasks)
}

func testPurgeFinished(t *testing.T, newStorage Factory) {
	clock := NewFakeClock(Epoch)
	s := newStorage(t, clock, nil)
	ctx := context.Background()

	completed := enqueue(t, s, "t", nil, 3)
	_, err := s.MarkProcessing(ctx, completed.ID)
	require.NoError(t, err)
	_, err = s.MarkCompleted(ctx, completed.ID, 1)
	require.NoError(t, err)

	failed := enqueue(t, s, "t", nil, 1)
	_, err = s.MarkProcessing(ctx, failed.ID)
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, failed.ID, 1, "x")
	require.NoError(t, err)

	pending := enqueue(t, s, "t", nil, 3)

	clock.Advance(48 * time.Hour)
	fresh := enqueue(t, s, "t", nil, 3)
	_, err = s.MarkProcessing(ctx, fresh.ID)
	require.NoError(t, err)
	_, err = s.MarkCompleted(ctx, fresh.ID, 1)
	require.NoError(t, err)

	n, err := s.PurgeFinished(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.GetTask(ctx, completed.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	_, err = s.GetTask(ctx, failed.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	for _, id := range []string{pending.ID, fresh.ID} {
		_, err = s.GetTask(ctx, id)
		assert.NoError(t, err)
	}
}
