package task_test

import (
	"math"
	"testing"

	"github.com/phrazzld/taskq/internal/task"
	"github.com/stretchr/testify/assert"
)

func TestListFilter_NormalizeAndOffset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		filter      task.ListFilter
		wantPage    int
		wantPerPage int
		wantOffset  int
	}{
		{"zero values", task.ListFilter{}, 1, task.DefaultPerPage, 0},
		{"second page", task.ListFilter{Page: 2, PerPage: 5}, 2, 5, 5},
		{"per page capped", task.ListFilter{Page: 3, PerPage: 1000}, 3, task.MaxPerPage, 2 * task.MaxPerPage},
		{"huge page clamped", task.ListFilter{Page: math.MaxInt, PerPage: 4}, task.MaxPage, 4, (task.MaxPage - 1) * 4},
		{"negative page", task.ListFilter{Page: -7, PerPage: 10}, 1, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.filter.Normalize()
			assert.Equal(t, tt.wantPage, got.Page)
			assert.Equal(t, tt.wantPerPage, got.PerPage)
			assert.Equal(t, tt.wantOffset, tt.filter.Offset())
			assert.GreaterOrEqual(t, tt.filter.Offset(), 0)
		})
	}
}
