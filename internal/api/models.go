package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/taskq/internal/task"
)

// EnqueueTaskRequest is the body of POST /api/tasks.
type EnqueueTaskRequest struct {
	TaskType     string          `json:"task_type"     validate:"required,max=255"`
	Payload      json.RawMessage `json:"payload"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty" validate:"omitempty,gte=1,lte=1000"`
}

// TaskResponse is the wire form of a task record.
type TaskResponse struct {
	ID           string          `json:"id"`
	TaskType     string          `json:"task_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Error        *string         `json:"error,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ListTasksResponse is one page of GET /api/tasks.
type ListTasksResponse struct {
	Tasks      []TaskResponse `json:"tasks"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	PerPage    int            `json:"per_page"`
	TotalPages int            `json:"total_pages"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

func taskToResponse(rec task.Record) TaskResponse {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return TaskResponse{
		ID:           rec.ID,
		TaskType:     rec.TaskType,
		Payload:      payload,
		Status:       string(rec.Status),
		Attempts:     rec.Attempts,
		MaxAttempts:  rec.MaxAttempts,
		Error:        rec.Error,
		ScheduledFor: rec.ScheduledFor,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
	}
}

func listToResponse(res task.ListResult) ListTasksResponse {
	tasks := make([]TaskResponse, 0, len(res.Tasks))
	for _, rec := range res.Tasks {
		tasks = append(tasks, taskToResponse(rec))
	}
	pages := 0
	if res.PerPage > 0 {
		pages = (res.Total + res.PerPage - 1) / res.PerPage
	}
	return ListTasksResponse{
		Tasks:      tasks,
		Total:      res.Total,
		Page:       res.Page,
		PerPage:    res.PerPage,
		TotalPages: pages,
	}
}
