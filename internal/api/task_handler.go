package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/taskq/internal/api/shared"
	"github.com/phrazzld/taskq/internal/platform/logger"
	"github.com/phrazzld/taskq/internal/task"
)

// TaskHandler serves the /api/tasks routes.
type TaskHandler struct {
	queue *task.Queue
}

// NewTaskHandler serves the task endpoints from queue.
func NewTaskHandler(queue *task.Queue) *TaskHandler {
	return &TaskHandler{queue: queue}
}

// ListTasks handles GET /api/tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	res, err := h.queue.ListTasks(r.Context(), filter)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, listToResponse(res))
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.queue.GetTask(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(rec))
}

// EnqueueTask handles POST /api/tasks.
func (h *TaskHandler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req EnqueueTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err), nil)
		return
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	rec, err := h.queue.EnqueueWithOptions(r.Context(), req.TaskType, payload, task.EnqueueOptions{
		ScheduledFor: req.ScheduledFor,
		MaxAttempts:  req.MaxAttempts,
	})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	sub, _ := shared.GetSubject(r.Context())
	logger.FromContext(r.Context()).Info("task enqueued via admin api",
		"task_id", rec.ID,
		"task_type", rec.TaskType,
		"subject", sub)

	w.Header().Set("Location", "/api/tasks/"+rec.ID)
	shared.RespondWithJSON(w, r, http.StatusCreated, taskToResponse(rec))
}
