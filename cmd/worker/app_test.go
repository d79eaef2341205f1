package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/taskq/internal/config"
	"github.com/phrazzld/taskq/internal/platform/logger"
	"github.com/phrazzld/taskq/internal/processors"
	"github.com/phrazzld/taskq/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: 0, LogLevel: "debug", ShutdownTimeout: 5 * time.Second},
		Database: config.DatabaseConfig{Backend: "memory"},
		Worker: config.WorkerConfig{
			BatchSize:    10,
			PollInterval: 10 * time.Millisecond,
			MaxBackoff:   time.Second,
			WorkerCount:  2,
			TaskTimeout:  time.Second,
			Retention:    24 * time.Hour,
		},
		Scheduler: config.SchedulerConfig{Enabled: true, LockTTL: time.Minute},
	}
}

func TestNewApplication_Memory(t *testing.T) {
	log, _ := logger.NewTestLogger()
	app, err := newApplication(context.Background(), memoryConfig(), log)
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	assert.Equal(t, []string{
		task.TypeEmailNotification,
		task.TypeEmailPasswordReset,
		task.TypeEmailRegistration,
		processors.TypeRetention,
	}, app.registry.TaskTypes())
	require.Len(t, app.registry.Scheduled(), 1)
	assert.Equal(t, processors.DefaultRetentionSchedule, app.registry.Scheduled()[0].Schedule())
	assert.NotNil(t, app.scheduler)
	assert.Nil(t, app.db)

	w := httptest.NewRecorder()
	app.server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `taskq_task_invocations_total{type="email_registration"} 0`)
}

func TestNewApplication_RetentionDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.Worker.Retention = 0
	cfg.Scheduler.Enabled = false

	log, _ := logger.NewTestLogger()
	app, err := newApplication(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	assert.Equal(t, 3, app.registry.Len())
	assert.Nil(t, app.scheduler)
}

func TestNewApplication_Errors(t *testing.T) {
	log, _ := logger.NewTestLogger()

	cfg := memoryConfig()
	cfg.Database.Backend = "sqlite"
	_, err := newApplication(context.Background(), cfg, log)
	assert.ErrorContains(t, err, "unknown database backend")

	cfg = memoryConfig()
	cfg.Auth.AdminJWTSecret = "too-short"
	_, err = newApplication(context.Background(), cfg, log)
	assert.ErrorContains(t, err, "admin token validator")
}

func TestApplication_RunProcessesTasksAndShutsDown(t *testing.T) {
	log, buf := logger.NewTestLogger()
	app, err := newApplication(context.Background(), memoryConfig(), log)
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	rec, err := app.queue.Enqueue(context.Background(), task.TypeEmailRegistration, task.EmailRegistrationTask{
		To:              "ada@example.com",
		Name:            "Ada",
		VerificationURL: "https://example.com/verify",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := app.queue.GetTask(context.Background(), rec.ID)
		return err == nil && got.Status == task.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Contains(t, buf.String(), "task runner stopped")
}

func TestRunMigrations_RequiresPostgres(t *testing.T) {
	log, _ := logger.NewTestLogger()
	err := runMigrations(context.Background(), memoryConfig(), "up", log)
	assert.ErrorContains(t, err, "require the postgres backend")
}
