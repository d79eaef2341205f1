package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/phrazzld/taskq/internal/task"
)

const dateOnly = "2006-01-02"

// parseListFilter reads the listing query parameters. Dates accept RFC 3339
// or YYYY-MM-DD; a bare to_date covers the whole day.
func parseListFilter(r *http.Request) (task.ListFilter, error) {
	q := r.URL.Query()
	f := task.ListFilter{
		TaskType: q.Get("task_type"),
		Query:    q.Get("q"),
	}

	if s := q.Get("status"); s != "" {
		status := task.TaskStatus(s)
		if !status.Valid() {
			return f, fmt.Errorf("invalid status %q", s)
		}
		f.Status = status
	}

	var err error
	if f.From, err = parseDate(q, "from_date", false); err != nil {
		return f, err
	}
	if f.To, err = parseDate(q, "to_date", true); err != nil {
		return f, err
	}
	if f.Page, err = parsePositive(q, "page"); err != nil {
		return f, err
	}
	if f.Page > task.MaxPage {
		return f, fmt.Errorf("page %d exceeds %d", f.Page, task.MaxPage)
	}
	if f.PerPage, err = parsePositive(q, "per_page"); err != nil {
		return f, err
	}
	return f.Normalize(), nil
}

func parseDate(q url.Values, key string, endOfDay bool) (*time.Time, error) {
	s := q.Get(key)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return &t, nil
}

func parsePositive(q url.Values, key string) (int, error) {
	s := q.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return n, nil
}
