// Package memory provides a process-local task.Storage for tests and
// single-process development. Records live only as long as the process.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskq/internal/store"
	"github.com/phrazzld/taskq/internal/task"
)

// TaskStore is a map of records plus their insertion order, guarded by an
// RWMutex. Read-only operations share the read lock.
type TaskStore struct {
	mu         sync.RWMutex
	tasks      map[string]*task.Record
	order      []string
	now        task.Clock
	retryDelay task.RetryDelayFunc
}

// Option configures a TaskStore.
type Option func(*TaskStore)

// WithClock replaces time.Now.
func WithClock(c task.Clock) Option {
	return func(s *TaskStore) {
		if c != nil {
			s.now = c
		}
	}
}

// WithRetryDelay delays retries of failed attempts by fn(attempts).
func WithRetryDelay(fn task.RetryDelayFunc) Option {
	return func(s *TaskStore) { s.retryDelay = fn }
}

// NewTaskStore creates an empty store.
func NewTaskStore(opts ...Option) *TaskStore {
	s := &TaskStore{
		tasks: make(map[string]*task.Record),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ task.Storage = (*TaskStore)(nil)

func (s *TaskStore) clock() time.Time {
	return s.now().UTC()
}

// copyRecord detaches a record from the store so callers cannot mutate state.
func copyRecord(r *task.Record) task.Record {
	out := *r
	out.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.Error != nil {
		msg := *r.Error
		out.Error = &msg
	}
	out.ScheduledFor = copyTime(r.ScheduledFor)
	out.StartedAt = copyTime(r.StartedAt)
	out.CompletedAt = copyTime(r.CompletedAt)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Enqueue stores a new pending record with a UUIDv4 id.
func (s *TaskStore) Enqueue(
	ctx context.Context,
	taskType string,
	payload json.RawMessage,
	scheduledFor *time.Time,
	maxAttempts int,
) (task.Record, error) {
	if err := ctx.Err(); err != nil {
		return task.Record{}, err
	}

	now := s.clock()
	rec := &task.Record{
		ID:           uuid.NewString(),
		TaskType:     taskType,
		Payload:      append(json.RawMessage(nil), payload...),
		Status:       task.TaskStatusPending,
		MaxAttempts:  maxAttempts,
		ScheduledFor: copyTime(scheduledFor),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return copyRecord(rec), nil
}

// FindPending returns ready records ordered by creation time, then insertion order.
func (s *TaskStore) FindPending(ctx context.Context, limit int) ([]task.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ready []*task.Record
	for _, id := range s.order {
		if rec := s.tasks[id]; rec.Ready(now) {
			ready = append(ready, rec)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]task.Record, len(ready))
	for i, rec := range ready {
		out[i] = copyRecord(rec)
	}
	return out, nil
}

// anyAttempt skips the attempt guard in transition.
const anyAttempt = -1

// transition applies fn to the record under the write lock after checking
// that it exists, currently has status from and, unless attempt is
// anyAttempt, is still on that attempt.
func (s *TaskStore) transition(
	ctx context.Context,
	op string,
	id string,
	from task.TaskStatus,
	attempt int,
	fn func(rec *task.Record, now time.Time),
) (task.Record, error) {
	if err := ctx.Err(); err != nil {
		return task.Record{}, err
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return task.Record{}, fmt.Errorf("%s %s: %w", op, id, store.ErrTaskNotFound)
	}
	if rec.Status != from {
		return task.Record{}, store.NewStoreError("task", op,
			fmt.Sprintf("task %s is %s, expected %s", id, rec.Status, from),
			store.ErrInvalidTransition)
	}
	if attempt != anyAttempt && rec.Attempts != attempt {
		return task.Record{}, store.NewStoreError("task", op,
			fmt.Sprintf("task %s attempt %d superseded by attempt %d", id, attempt, rec.Attempts),
			store.ErrInvalidTransition)
	}

	fn(rec, now)
	rec.UpdatedAt = now
	return copyRecord(rec), nil
}

// MarkProcessing claims a pending record.
func (s *TaskStore) MarkProcessing(ctx context.Context, id string) (task.Record, error) {
	return s.transition(ctx, "mark_processing", id, task.TaskStatusPending, anyAttempt, func(rec *task.Record, now time.Time) {
		rec.Status = task.TaskStatusProcessing
		rec.Attempts++
		started := now
		rec.StartedAt = &started
	})
}

// MarkCompleted finishes the claimed attempt of a processing record.
func (s *TaskStore) MarkCompleted(ctx context.Context, id string, attempt int) (task.Record, error) {
	return s.transition(ctx, "mark_completed", id, task.TaskStatusProcessing, attempt, func(rec *task.Record, now time.Time) {
		rec.Status = task.TaskStatusCompleted
		completed := now
		rec.CompletedAt = &completed
	})
}

// MarkFailed records errMsg and either re-queues or terminally fails the record.
func (s *TaskStore) MarkFailed(ctx context.Context, id string, attempt int, errMsg string) (task.Record, error) {
	return s.transition(ctx, "mark_failed", id, task.TaskStatusProcessing, attempt, func(rec *task.Record, now time.Time) {
		msg := errMsg
		rec.Error = &msg
		if rec.Exhausted() {
			rec.Status = task.TaskStatusFailed
			return
		}
		rec.Status = task.TaskStatusPending
		if s.retryDelay != nil {
			if d := s.retryDelay(rec.Attempts); d > 0 {
				at := now.Add(d)
				rec.ScheduledFor = &at
			}
		}
	})
}

// GetTask returns a copy of the record with the given id.
func (s *TaskStore) GetTask(ctx context.Context, id string) (task.Record, error) {
	if err := ctx.Err(); err != nil {
		return task.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[id]
	if !ok {
		return task.Record{}, fmt.Errorf("get %s: %w", id, store.ErrTaskNotFound)
	}
	return copyRecord(rec), nil
}

// FindStuck returns processing records started before now-olderThan, oldest first.
func (s *TaskStore) FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]task.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff := s.clock().Add(-olderThan)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var stuck []*task.Record
	for _, id := range s.order {
		rec := s.tasks[id]
		if rec.Status == task.TaskStatusProcessing && rec.StartedAt != nil && rec.StartedAt.Before(cutoff) {
			stuck = append(stuck, rec)
		}
	}
	sort.SliceStable(stuck, func(i, j int) bool {
		return stuck[i].StartedAt.Before(*stuck[j].StartedAt)
	})
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}

	out := make([]task.Record, len(stuck))
	for i, rec := range stuck {
		out[i] = copyRecord(rec)
	}
	return out, nil
}

func matches(rec *task.Record, f task.ListFilter) bool {
	if f.TaskType != "" && rec.TaskType != f.TaskType {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.From != nil && rec.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && rec.CreatedAt.After(*f.To) {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(rec.TaskType), q) &&
			!strings.Contains(strings.ToLower(rec.ErrorMessage()), q) {
			return false
		}
	}
	return true
}

// ListTasks pages through matching records, newest first.
func (s *TaskStore) ListTasks(ctx context.Context, filter task.ListFilter) (task.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return task.ListResult{}, err
	}
	filter = filter.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*task.Record
	for i := len(s.order) - 1; i >= 0; i-- {
		if rec := s.tasks[s.order[i]]; matches(rec, filter) {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	res := task.ListResult{
		Tasks:   []task.Record{},
		Total:   len(matched),
		Page:    filter.Page,
		PerPage: filter.PerPage,
	}
	start := filter.Offset()
	if start >= len(matched) {
		return res, nil
	}
	end := start + filter.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	for _, rec := range matched[start:end] {
		res.Tasks = append(res.Tasks, copyRecord(rec))
	}
	return res, nil
}

// PurgeFinished deletes completed and failed records updated before the cutoff.
func (s *TaskStore) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	kept := s.order[:0]
	for _, id := range s.order {
		rec := s.tasks[id]
		if rec.Status.Terminal() && rec.UpdatedAt.Before(before) {
			delete(s.tasks, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return purged, nil
}

// Len returns the number of stored records.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
