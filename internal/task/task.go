package task

import (
	"context"
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// DefaultMaxAttempts is applied when a task is enqueued without an explicit ceiling.
const DefaultMaxAttempts = 3

// Valid reports whether s is one of the four known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Record is one unit of enqueued work together with its execution state.
type Record struct {
	ID           string          `json:"id"`
	TaskType     string          `json:"task_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       TaskStatus      `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Error        *string         `json:"error,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Exhausted reports whether the record has used every attempt it was allowed.
// A failed, exhausted record is the only place ErrMaxAttemptsReached is observable.
func (r Record) Exhausted() bool {
	return r.Attempts >= r.MaxAttempts
}

// ErrorMessage returns the last failure message or "".
func (r Record) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Ready reports whether the record is pending and its schedule has elapsed at now.
func (r Record) Ready(now time.Time) bool {
	if r.Status != TaskStatusPending {
		return false
	}
	return r.ScheduledFor == nil || !r.ScheduledFor.After(now)
}

// Storage persists task records. Every method is atomic per call; in
// particular MarkProcessing is the claim and only succeeds for a pending
// record, so two workers racing for the same task cannot both win.
type Storage interface {
	// Enqueue creates a pending record with zero attempts.
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage, scheduledFor *time.Time, maxAttempts int) (Record, error)

	// FindPending returns up to limit ready records, oldest created first.
	FindPending(ctx context.Context, limit int) ([]Record, error)

	// MarkProcessing claims a pending record. It returns store.ErrTaskNotFound
	// for unknown ids and store.ErrInvalidTransition for any other status.
	MarkProcessing(ctx context.Context, id string) (Record, error)

	// MarkCompleted finishes a processing record. attempt is the Attempts
	// value returned by the claim; a record that has since been reset and
	// claimed again rejects the write with store.ErrInvalidTransition.
	MarkCompleted(ctx context.Context, id string, attempt int) (Record, error)

	// MarkFailed records errMsg on a processing record and either returns it
	// to pending or, when attempts are exhausted, fails it terminally. attempt
	// is guarded as in MarkCompleted.
	MarkFailed(ctx context.Context, id string, attempt int, errMsg string) (Record, error)

	// GetTask looks up a record by id.
	GetTask(ctx context.Context, id string) (Record, error)

	// FindStuck returns processing records started more than olderThan ago.
	FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]Record, error)

	// ListTasks pages through records matching filter, newest first.
	ListTasks(ctx context.Context, filter ListFilter) (ListResult, error)

	// PurgeFinished deletes completed and failed records last updated before the cutoff.
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

// Clock returns the current time. Backends and the worker accept one so
// tests can move time without sleeping.
type Clock func() time.Time

// RetryDelayFunc returns how long a task that has just failed its attempts-th
// attempt must wait before becoming ready again. Zero means immediately.
type RetryDelayFunc func(attempts int) time.Duration
