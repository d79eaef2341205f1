package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrTaskNotFound_WrapsNotFound(t *testing.T) {
	t.Parallel()
	assert.True(t, errors.Is(ErrTaskNotFound, ErrNotFound))
	assert.True(t, IsNotFoundError(fmt.Errorf("get task 42: %w", ErrTaskNotFound)))
	assert.False(t, IsNotFoundError(ErrInvalidTransition))
}

func TestIsInvalidTransition(t *testing.T) {
	t.Parallel()
	assert.True(t, IsInvalidTransition(fmt.Errorf("mark completed: %w", ErrInvalidTransition)))
	assert.False(t, IsInvalidTransition(ErrTaskNotFound))
	assert.False(t, IsInvalidTransition(nil))
}

func TestStoreError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      *StoreError
		expected string
	}{
		{
			name:     "with wrapped error",
			err:      NewStoreError("task", "mark_processing", "status was completed", ErrInvalidTransition),
			expected: "mark_processing operation on task failed: status was completed: invalid status transition",
		},
		{
			name:     "without wrapped error",
			err:      NewStoreError("task", "enqueue", "empty task type", nil),
			expected: "enqueue operation on task failed: empty task type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}

	wrapped := NewStoreError("task", "get", "lookup failed", ErrTaskNotFound)
	assert.ErrorIs(t, wrapped, ErrNotFound)
	var se *StoreError
	assert.True(t, errors.As(fmt.Errorf("outer: %w", wrapped), &se))
	assert.Equal(t, "get", se.Operation)
}
