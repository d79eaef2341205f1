package postgres_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/taskq/internal/platform/postgres"
	"github.com/phrazzld/taskq/internal/store"
	"github.com/stretchr/testify/assert"
)

func newPgError(code string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "error message",
		TableName:      "background_tasks",
		ColumnName:     "status",
		ConstraintName: "background_tasks_status_check",
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, store.ErrTaskNotFound},
		{"check violation", newPgError("23514"), store.ErrInvalidEntity},
		{"not null violation", newPgError("23502"), store.ErrInvalidEntity},
		{"invalid text representation", newPgError("22P02"), store.ErrInvalidEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := postgres.MapError(fmt.Errorf("query: %w", tt.err))
			assert.ErrorIs(t, mapped, tt.want)
		})
	}

	assert.NoError(t, postgres.MapError(nil))

	unmapped := newPgError("23505")
	assert.Equal(t, error(unmapped), postgres.MapError(unmapped), "codes the schema cannot raise pass through")

	plain := errors.New("connection refused")
	assert.Equal(t, plain, postgres.MapError(plain))

	var pgErr *pgconn.PgError
	assert.True(t, errors.As(postgres.MapError(newPgError("23514")), &pgErr), "original error stays in the chain")
}

func TestConstraintHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, postgres.IsCheckConstraintViolation(newPgError("23514")))
	assert.False(t, postgres.IsCheckConstraintViolation(newPgError("23502")))
	assert.True(t, postgres.IsCheckConstraintViolation(fmt.Errorf("wrapped: %w", newPgError("23514"))))
	assert.False(t, postgres.IsCheckConstraintViolation(nil))
	assert.False(t, postgres.IsCheckConstraintViolation(errors.New("generic")))
}
