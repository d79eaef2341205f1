package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// EnqueueOptions tunes a single enqueue. A zero MaxAttempts means DefaultMaxAttempts.
type EnqueueOptions struct {
	ScheduledFor *time.Time
	MaxAttempts  int
}

type enqueueRequest struct {
	TaskType    string `validate:"required,max=255"`
	MaxAttempts int    `validate:"gte=1,lte=1000"`
}

// Queue is the producer-facing façade over a Storage backend.
type Queue struct {
	storage  Storage
	validate *validator.Validate
	logger   *slog.Logger
}

// NewQueue wraps storage. A nil logger falls back to slog.Default().
func NewQueue(storage Storage, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		storage:  storage,
		validate: validator.New(),
		logger:   logger.With("component", "task_queue"),
	}
}

// Enqueue serializes v and stores it as an immediately eligible task with
// the default attempt ceiling.
func (q *Queue) Enqueue(ctx context.Context, taskType string, v any) (Record, error) {
	return q.EnqueueWithOptions(ctx, taskType, v, EnqueueOptions{})
}

// EnqueueWithOptions serializes v and stores it. Serialization and option
// errors are returned before storage is touched.
func (q *Queue) EnqueueWithOptions(ctx context.Context, taskType string, v any, opts EnqueueOptions) (Record, error) {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if err := q.validate.Struct(enqueueRequest{TaskType: taskType, MaxAttempts: opts.MaxAttempts}); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrSerialization, taskType, err)
	}

	rec, err := q.storage.Enqueue(ctx, taskType, payload, opts.ScheduledFor, opts.MaxAttempts)
	if err != nil {
		return Record{}, err
	}

	q.logger.Debug("task enqueued",
		"task_id", rec.ID,
		"task_type", rec.TaskType,
		"max_attempts", rec.MaxAttempts,
		"scheduled", rec.ScheduledFor != nil)
	return rec, nil
}

// Storage returns the backend the queue writes to.
func (q *Queue) Storage() Storage { return q.storage }

// FindPending returns up to limit ready records, oldest created first.
func (q *Queue) FindPending(ctx context.Context, limit int) ([]Record, error) {
	return q.storage.FindPending(ctx, limit)
}

// MarkProcessing claims a pending record.
func (q *Queue) MarkProcessing(ctx context.Context, id string) (Record, error) {
	return q.storage.MarkProcessing(ctx, id)
}

// MarkCompleted finishes the claimed attempt of a processing record.
func (q *Queue) MarkCompleted(ctx context.Context, id string, attempt int) (Record, error) {
	return q.storage.MarkCompleted(ctx, id, attempt)
}

// MarkFailed records errMsg against the claimed attempt and re-queues or fails the record.
func (q *Queue) MarkFailed(ctx context.Context, id string, attempt int, errMsg string) (Record, error) {
	return q.storage.MarkFailed(ctx, id, attempt, errMsg)
}

// GetTask looks up a record by id.
func (q *Queue) GetTask(ctx context.Context, id string) (Record, error) {
	return q.storage.GetTask(ctx, id)
}

// FindStuck returns processing records started more than olderThan ago.
func (q *Queue) FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]Record, error) {
	return q.storage.FindStuck(ctx, olderThan, limit)
}

// ListTasks pages through records matching filter.
func (q *Queue) ListTasks(ctx context.Context, filter ListFilter) (ListResult, error) {
	return q.storage.ListTasks(ctx, filter)
}

// PurgeFinished deletes completed and failed records last updated before the cutoff.
func (q *Queue) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	return q.storage.PurgeFinished(ctx, before)
}
