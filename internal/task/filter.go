package task

import (
	"math"
	"time"
)

// Paging bounds for ListTasks. MaxPage keeps Offset within an int32.
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
	MaxPage        = math.MaxInt32 / MaxPerPage
)

// ListFilter narrows an administrative task listing. Zero values mean "any".
type ListFilter struct {
	TaskType string
	Status   TaskStatus
	// Query matches case-insensitively against task type and last error.
	Query   string
	From    *time.Time
	To      *time.Time
	Page    int
	PerPage int
}

// Normalize clamps paging to sane bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.PerPage < 1 {
		f.PerPage = DefaultPerPage
	}
	if f.PerPage > MaxPerPage {
		f.PerPage = MaxPerPage
	}
	return f
}

// Offset is the number of rows skipped for the filter's page.
func (f ListFilter) Offset() int {
	f = f.Normalize()
	return (f.Page - 1) * f.PerPage
}

// ListResult is one page of records plus the total match count.
type ListResult struct {
	Tasks   []Record `json:"tasks"`
	Total   int      `json:"total"`
	Page    int      `json:"page"`
	PerPage int      `json:"per_page"`
}
