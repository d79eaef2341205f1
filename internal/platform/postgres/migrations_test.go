package postgres_test

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/phrazzld/taskq/internal/platform/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Embedded(t *testing.T) {
	t.Parallel()

	files, err := fs.Glob(postgres.Migrations, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	first, err := fs.ReadFile(postgres.Migrations, files[0])
	require.NoError(t, err)
	sql := string(first)
	assert.Contains(t, sql, "-- +goose Up")
	assert.Contains(t, sql, "-- +goose Down")
	assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS background_tasks")
	assert.Contains(t, sql, "idx_background_tasks_status_scheduled")

	for _, f := range files {
		assert.True(t, strings.HasSuffix(f, ".sql"))
	}
}

func TestMigrate_UnknownCommand(t *testing.T) {
	t.Parallel()

	err := postgres.Migrate(context.Background(), nil, "sideways", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown migration command")
}
