package task_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/phrazzld/taskq/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nop(context.Context, string, json.RawMessage) error { return nil }

func TestRegistry_LookupAndLastWins(t *testing.T) {
	t.Parallel()
	var called string
	first := task.HandleFunc("a", func(context.Context, string, json.RawMessage) error {
		called = "first"
		return nil
	})
	second := task.HandleFunc("a", func(context.Context, string, json.RawMessage) error {
		called = "second"
		return nil
	})

	reg := task.NewRegistryBuilder().Register(first).Register(second).Register(nil).Build()
	assert.Equal(t, 1, reg.Len())

	p, err := reg.Lookup("a")
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), "1", nil))
	assert.Equal(t, "second", called)

	_, err = reg.Lookup("missing")
	assert.ErrorIs(t, err, task.ErrNoProcessor)
	assert.Contains(t, err.Error(), "missing")
}

func TestRegistry_BuildIsFrozen(t *testing.T) {
	t.Parallel()
	b := task.NewRegistryBuilder().Register(task.HandleFunc("a", nop))
	reg := b.Build()

	b.Register(task.HandleFunc("b", nop))

	assert.Equal(t, []string{"a"}, reg.TaskTypes())
	assert.Equal(t, []string{"a", "b"}, b.Build().TaskTypes())
}

func TestRegistry_Scheduled(t *testing.T) {
	t.Parallel()
	reg := task.NewRegistryBuilder().
		Register(task.HandleFunc("plain", nop)).
		Register(task.ScheduleFunc("nightly", "0 0 3 * * *", nop)).
		Register(task.ScheduleFunc("disabled", "", nop)).
		Register(task.ScheduleFunc("hourly", "@hourly", nop)).
		Build()

	var got []string
	for _, sp := range reg.Scheduled() {
		got = append(got, sp.TaskType()+"="+sp.Schedule())
	}
	assert.Equal(t, []string{"hourly=@hourly", "nightly=0 0 3 * * *"}, got)
	assert.Equal(t, []string{"disabled", "hourly", "nightly", "plain"}, reg.TaskTypes())
}
