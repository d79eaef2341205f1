package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/taskq/internal/store"
	"github.com/phrazzld/taskq/internal/task"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorToStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err     error
		status  int
		message string
	}{
		{fmt.Errorf("get 1: %w", store.ErrTaskNotFound), http.StatusNotFound, "Task not found"},
		{store.NewStoreError("task", "mark_processing", "status completed", store.ErrInvalidTransition), http.StatusConflict, "Task is not in a state that allows this operation"},
		{fmt.Errorf("%w: bad", task.ErrInvalidOptions), http.StatusBadRequest, "Invalid enqueue options"},
		{fmt.Errorf("%w: chan", task.ErrSerialization), http.StatusBadRequest, "Invalid task payload"},
		{store.ErrInvalidEntity, http.StatusBadRequest, "Invalid task data"},
		{fmt.Errorf("%w: connection reset", task.ErrStorage), http.StatusInternalServerError, "An unexpected error occurred"},
		{nil, http.StatusInternalServerError, "An unexpected error occurred"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, MapErrorToStatusCode(tt.err), "%v", tt.err)
		assert.Equal(t, tt.message, GetSafeErrorMessage(tt.err), "%v", tt.err)
	}
}

func TestSanitizeValidationError(t *testing.T) {
	t.Parallel()
	v := validator.New()

	err := v.Struct(EnqueueTaskRequest{})
	assert.Equal(t, "Invalid TaskType: required field", SanitizeValidationError(err))

	err = v.Struct(EnqueueTaskRequest{TaskType: "a", MaxAttempts: 1001})
	assert.Equal(t, "Invalid MaxAttempts: too large", SanitizeValidationError(err))

	assert.Equal(t, "Validation error", SanitizeValidationError(errors.New("something else")))
}
