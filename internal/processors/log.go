package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/taskq/internal/platform/logger"
	"github.com/phrazzld/taskq/internal/redact"
	"github.com/phrazzld/taskq/internal/task"
)

// LogProcessor decodes and validates a payload, then logs that the task was
// handled. It stands in for delivery code that lives outside this service.
type LogProcessor struct {
	taskType string
	newBody  func() any
	validate *validator.Validate
	fallback *slog.Logger
}

// NewLogProcessor handles taskType. newBody returns a pointer to decode the
// payload into; nil accepts any JSON value.
func NewLogProcessor(taskType string, newBody func() any, logger *slog.Logger) *LogProcessor {
	if newBody == nil {
		newBody = func() any { return new(json.RawMessage) }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProcessor{
		taskType: taskType,
		newBody:  newBody,
		validate: validator.New(),
		fallback: logger,
	}
}

// AuthEmailProcessors returns processors for the account email task types.
func AuthEmailProcessors(logger *slog.Logger) []task.Processor {
	return []task.Processor{
		NewLogProcessor(task.TypeEmailRegistration, func() any { return &task.EmailRegistrationTask{} }, logger),
		NewLogProcessor(task.TypeEmailPasswordReset, func() any { return &task.EmailPasswordResetTask{} }, logger),
		NewLogProcessor(task.TypeEmailNotification, func() any { return &task.EmailNotificationTask{} }, logger),
	}
}

// TaskType returns the type this processor was built for.
func (p *LogProcessor) TaskType() string { return p.taskType }

// Process decodes and validates the payload, then logs the task.
func (p *LogProcessor) Process(ctx context.Context, taskID string, payload json.RawMessage) error {
	body := p.newBody()
	if err := task.DecodePayload(payload, body); err != nil {
		return err
	}
	if _, raw := body.(*json.RawMessage); !raw {
		if err := p.validate.Struct(body); err != nil {
			return fmt.Errorf("invalid %s payload: %w", p.taskType, err)
		}
	}

	log := logger.FromContext(ctx)
	if log == slog.Default() {
		log = p.fallback
	}
	log.Info("task handled",
		"task_id", taskID,
		"task_type", p.taskType,
		"payload_bytes", len(payload),
		"recipient", redact.String(recipient(body)))
	return nil
}

func recipient(body any) string {
	switch b := body.(type) {
	case *task.EmailRegistrationTask:
		return b.To
	case *task.EmailPasswordResetTask:
		return b.To
	case *task.EmailNotificationTask:
		return b.To
	}
	return ""
}
