// Package testdb opens the integration-test database and isolates each test
// in a transaction that is rolled back on cleanup. Tests using it are skipped
// unless DATABASE_URL is set.
package testdb

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/taskq/internal/platform/postgres"
	"github.com/stretchr/testify/require"
)

// TestTimeout bounds connection setup and migrations.
const TestTimeout = 30 * time.Second

var migrateOnce sync.Map

// DatabaseURL returns DATABASE_URL, falling back to TASKQ_TEST_DB_URL.
func DatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return os.Getenv("TASKQ_TEST_DB_URL")
}

// GetTestDBWithT opens a migrated database or skips the test.
func GetTestDBWithT(t *testing.T) *sql.DB {
	t.Helper()

	url := DatabaseURL()
	if url == "" {
		t.Skip("DATABASE_URL not set - skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	db, err := postgres.Open(ctx, url, 10)
	require.NoError(t, err, "failed to connect to test database")
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close database connection: %v", err)
		}
	})

	once, _ := migrateOnce.LoadOrStore(url, &sync.Once{})
	var migrateErr error
	once.(*sync.Once).Do(func() {
		quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
		migrateErr = postgres.Migrate(ctx, db, "up", quiet)
	})
	require.NoError(t, migrateErr, "failed to apply migrations")

	return db
}

// BeginTx starts a transaction that is rolled back when the test ends.
// background_tasks is emptied inside it so assertions only see rows the test creates.
func BeginTx(t *testing.T, db *sql.DB) *sql.Tx {
	t.Helper()

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err, "failed to begin transaction")
	t.Cleanup(func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Logf("warning: failed to roll back transaction: %v", err)
		}
	})

	_, err = tx.ExecContext(context.Background(), `DELETE FROM background_tasks`)
	require.NoError(t, err, "failed to clear background_tasks")
	return tx
}
