package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskq/internal/task"
)

const (
	// TypeRetention is the task type of the periodic purge.
	TypeRetention = "task_retention"

	DefaultRetentionSchedule = "@daily"
)

// RetentionProcessor deletes completed and failed tasks that have not been
// updated for longer than the retention period.
type RetentionProcessor struct {
	storage   task.Storage
	retention time.Duration
	schedule  string
	now       task.Clock
	logger    *slog.Logger
}

// RetentionOption configures a RetentionProcessor.
type RetentionOption func(*RetentionProcessor)

// WithRetentionClock replaces time.Now when computing the purge cutoff.
func WithRetentionClock(c task.Clock) RetentionOption {
	return func(p *RetentionProcessor) {
		if c != nil {
			p.now = c
		}
	}
}

// NewRetentionProcessor returns nil when retention is not positive.
func NewRetentionProcessor(
	storage task.Storage,
	retention time.Duration,
	schedule string,
	logger *slog.Logger,
	opts ...RetentionOption,
) *RetentionProcessor {
	if retention <= 0 {
		return nil
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &RetentionProcessor{
		storage:   storage,
		retention: retention,
		schedule:  schedule,
		now:       time.Now,
		logger:    logger.With("component", "retention"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TaskType returns TypeRetention.
func (p *RetentionProcessor) TaskType() string { return TypeRetention }

// Schedule returns the cron expression the purge runs on.
func (p *RetentionProcessor) Schedule() string { return p.schedule }

// Process purges finished tasks older than the retention window.
func (p *RetentionProcessor) Process(ctx context.Context, taskID string, _ json.RawMessage) error {
	cutoff := p.now().Add(-p.retention)
	n, err := p.storage.PurgeFinished(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge finished tasks before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	p.logger.Info("purged finished tasks",
		"task_id", taskID,
		"deleted", n,
		"cutoff", cutoff)
	return nil
}
