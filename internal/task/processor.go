package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Processor executes tasks of one type.
type Processor interface {
	TaskType() string
	Process(ctx context.Context, taskID string, payload json.RawMessage) error
}

// ScheduledProcessor is a Processor that also wants a task of its type
// enqueued on a cron schedule. An empty Schedule disables recurrence.
type ScheduledProcessor interface {
	Processor
	Schedule() string
}

// ProcessorFunc adapts a closure to the Process half of Processor.
type ProcessorFunc func(ctx context.Context, taskID string, payload json.RawMessage) error

type funcProcessor struct {
	taskType string
	fn       ProcessorFunc
}

func (p funcProcessor) TaskType() string { return p.taskType }

func (p funcProcessor) Process(ctx context.Context, taskID string, payload json.RawMessage) error {
	return p.fn(ctx, taskID, payload)
}

type scheduledFuncProcessor struct {
	funcProcessor
	schedule string
}

func (p scheduledFuncProcessor) Schedule() string { return p.schedule }

// HandleFunc returns a Processor for taskType backed by fn.
func HandleFunc(taskType string, fn ProcessorFunc) Processor {
	return funcProcessor{taskType: taskType, fn: fn}
}

// ScheduleFunc returns a ScheduledProcessor for taskType backed by fn.
func ScheduleFunc(taskType, schedule string, fn ProcessorFunc) ScheduledProcessor {
	return scheduledFuncProcessor{funcProcessor: funcProcessor{taskType: taskType, fn: fn}, schedule: schedule}
}

// RegistryBuilder accumulates processors. Registering a second processor for
// the same type replaces the first.
type RegistryBuilder struct {
	processors map[string]Processor
}

// NewRegistryBuilder returns an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{processors: make(map[string]Processor)}
}

// Register adds p, replacing any earlier processor with the same TaskType.
func (b *RegistryBuilder) Register(p Processor) *RegistryBuilder {
	if p != nil {
		b.processors[p.TaskType()] = p
	}
	return b
}

// Build freezes the current set. Later Register calls do not affect the result.
func (b *RegistryBuilder) Build() *Registry {
	frozen := make(map[string]Processor, len(b.processors))
	for k, v := range b.processors {
		frozen[k] = v
	}
	return &Registry{processors: frozen}
}

// Registry is an immutable task-type to Processor mapping, safe for concurrent use.
type Registry struct {
	processors map[string]Processor
}

// Lookup returns the processor for taskType or an error wrapping ErrNoProcessor.
func (r *Registry) Lookup(taskType string) (Processor, error) {
	if p, ok := r.processors[taskType]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProcessor, taskType)
}

// TaskTypes returns the registered types in sorted order.
func (r *Registry) TaskTypes() []string {
	types := make([]string, 0, len(r.processors))
	for k := range r.processors {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

// Scheduled returns the processors that carry a non-empty cron schedule.
func (r *Registry) Scheduled() []ScheduledProcessor {
	var out []ScheduledProcessor
	for _, taskType := range r.TaskTypes() {
		if sp, ok := r.processors[taskType].(ScheduledProcessor); ok && sp.Schedule() != "" {
			out = append(out, sp)
		}
	}
	return out
}

// Len returns the number of registered processors.
func (r *Registry) Len() int { return len(r.processors) }
