package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/phrazzld/taskq/internal/platform/logger"
	"github.com/phrazzld/taskq/internal/store"
	"github.com/phrazzld/taskq/internal/task"
)

const taskColumns = `id, task_type, payload, status, attempts, max_attempts, error,
	scheduled_for, created_at, updated_at, started_at, completed_at`

// defaultStuckLimit applies when FindStuck is called without a limit.
const defaultStuckLimit = 100

// anyAttempt skips the attempt check when a guarded update is rejected.
const anyAttempt = -1

// PostgresTaskStore implements task.Storage using PostgreSQL.
type PostgresTaskStore struct {
	db         store.DBTX
	now        task.Clock
	retryDelay task.RetryDelayFunc
}

// Option configures a PostgresTaskStore.
type Option func(*PostgresTaskStore)

// WithClock replaces time.Now as the source of every timestamp the store writes
// or compares against.
func WithClock(c task.Clock) Option {
	return func(s *PostgresTaskStore) {
		if c != nil {
			s.now = c
		}
	}
}

// WithRetryDelay delays retries of failed attempts by fn(attempts).
func WithRetryDelay(fn task.RetryDelayFunc) Option {
	return func(s *PostgresTaskStore) { s.retryDelay = fn }
}

// NewPostgresTaskStore creates a store over db, which may be a *sql.DB or a
// caller-owned *sql.Tx.
func NewPostgresTaskStore(db store.DBTX, opts ...Option) *PostgresTaskStore {
	s := &PostgresTaskStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ task.Storage = (*PostgresTaskStore)(nil)

// WithTx returns a store that runs every statement inside tx.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) *PostgresTaskStore {
	return &PostgresTaskStore{db: tx, now: s.now, retryDelay: s.retryDelay}
}

func (s *PostgresTaskStore) clock() time.Time {
	return s.now().UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Record, error) {
	var (
		rec          task.Record
		id           int64
		payload      []byte
		status       string
		errMsg       sql.NullString
		scheduledFor sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&id,
		&rec.TaskType,
		&payload,
		&status,
		&rec.Attempts,
		&rec.MaxAttempts,
		&errMsg,
		&scheduledFor,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return task.Record{}, err
	}

	rec.ID = strconv.FormatInt(id, 10)
	rec.Payload = json.RawMessage(payload)
	rec.Status = task.TaskStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	rec.ScheduledFor = nullTime(scheduledFor)
	rec.StartedAt = nullTime(startedAt)
	rec.CompletedAt = nullTime(completedAt)
	return rec, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func scanTasks(rows *sql.Rows) ([]task.Record, error) {
	defer func() { _ = rows.Close() }()

	var out []task.Record
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseID converts the public string id into the BIGSERIAL key. Ids that
// cannot belong to this table are reported as not found.
func parseID(op, id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s %s: %w", op, id, store.ErrTaskNotFound)
	}
	return n, nil
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", task.ErrStorage, op, MapError(err))
}

// Enqueue inserts a new pending record.
func (s *PostgresTaskStore) Enqueue(
	ctx context.Context,
	taskType string,
	payload json.RawMessage,
	scheduledFor *time.Time,
	maxAttempts int,
) (task.Record, error) {
	log := logger.FromContext(ctx)

	body := string(payload)
	if strings.TrimSpace(body) == "" {
		body = "null"
	}
	var due sql.NullTime
	if scheduledFor != nil {
		due = sql.NullTime{Time: scheduledFor.UTC(), Valid: true}
	}
	now := s.clock()

	query := `
		INSERT INTO background_tasks
			(task_type, payload, status, attempts, max_attempts, scheduled_for, created_at, updated_at)
		VALUES ($1, $2::jsonb, 'pending', 0, $3, $4, $5, $5)
		RETURNING ` + taskColumns

	rec, err := scanTask(s.db.QueryRowContext(ctx, query, taskType, body, maxAttempts, due, now))
	if err != nil {
		log.Error("failed to enqueue task", "task_type", taskType, "error", err)
		return task.Record{}, storageError("enqueue", err)
	}
	return rec, nil
}

// FindPending selects ready records oldest first.
func (s *PostgresTaskStore) FindPending(ctx context.Context, limit int) ([]task.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT ` + taskColumns + `
		FROM background_tasks
		WHERE status = 'pending'
		  AND (scheduled_for IS NULL OR scheduled_for <= $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, s.clock(), limit)
	if err != nil {
		return nil, storageError("find pending", err)
	}
	recs, err := scanTasks(rows)
	if err != nil {
		return nil, storageError("find pending", err)
	}
	return recs, nil
}

// guardedUpdate runs an UPDATE ... WHERE id = $1 AND status = <from> RETURNING
// statement. When no row comes back it works out whether the id is unknown,
// the record was in the wrong status or it has moved past attempt.
func (s *PostgresTaskStore) guardedUpdate(
	ctx context.Context,
	op string,
	id string,
	from task.TaskStatus,
	attempt int,
	query string,
	args ...any,
) (task.Record, error) {
	key, err := parseID(op, id)
	if err != nil {
		return task.Record{}, err
	}

	rec, err := scanTask(s.db.QueryRowContext(ctx, query, append([]any{key}, args...)...))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		logger.FromContext(ctx).Error("task status update failed", "op", op, "task_id", id, "error", err)
		return task.Record{}, storageError(op, err)
	}
	return task.Record{}, s.rejectTransition(ctx, s.db, op, key, id, from, attempt)
}

func (s *PostgresTaskStore) rejectTransition(
	ctx context.Context,
	q store.DBTX,
	op string,
	key int64,
	id string,
	from task.TaskStatus,
	attempt int,
) error {
	var (
		current  string
		attempts int
	)
	err := q.QueryRowContext(ctx,
		`SELECT status, attempts FROM background_tasks WHERE id = $1`, key,
	).Scan(&current, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, id, store.ErrTaskNotFound)
	}
	if err != nil {
		return storageError(op, err)
	}
	return invalidTransition(op, id, task.TaskStatus(current), from, attempts, attempt)
}

func invalidTransition(op, id string, current, from task.TaskStatus, attempts, attempt int) error {
	msg := fmt.Sprintf("task %s is %s, expected %s", id, current, from)
	if current == from && attempt != anyAttempt && attempts != attempt {
		msg = fmt.Sprintf("task %s attempt %d superseded by attempt %d", id, attempt, attempts)
	}
	return store.NewStoreError("task", op, msg, store.ErrInvalidTransition)
}

// MarkProcessing claims a pending record.
func (s *PostgresTaskStore) MarkProcessing(ctx context.Context, id string) (task.Record, error) {
	query := `
		UPDATE background_tasks
		SET status = 'processing', attempts = attempts + 1, started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + taskColumns
	return s.guardedUpdate(ctx, "mark_processing", id, task.TaskStatusPending, anyAttempt, query, s.clock())
}

// MarkCompleted finishes the claimed attempt of a processing record.
func (s *PostgresTaskStore) MarkCompleted(ctx context.Context, id string, attempt int) (task.Record, error) {
	query := `
		UPDATE background_tasks
		SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing' AND attempts = $3
		RETURNING ` + taskColumns
	return s.guardedUpdate(ctx, "mark_completed", id, task.TaskStatusProcessing, attempt, query, s.clock(), attempt)
}

// MarkFailed locks the record, decides between retry and terminal failure and
// writes the outcome. It opens its own transaction unless the store is
// already bound to one.
func (s *PostgresTaskStore) MarkFailed(ctx context.Context, id string, attempt int, errMsg string) (task.Record, error) {
	const op = "mark_failed"
	key, err := parseID(op, id)
	if err != nil {
		return task.Record{}, err
	}

	beginner, ok := s.db.(store.TxBeginner)
	if !ok {
		return s.markFailed(ctx, s.db, key, id, attempt, errMsg)
	}

	var rec task.Record
	err = store.RunInTransaction(ctx, beginner, func(ctx context.Context, tx *sql.Tx) error {
		var txErr error
		rec, txErr = s.markFailed(ctx, tx, key, id, attempt, errMsg)
		return txErr
	})
	if err != nil {
		if errors.Is(err, store.ErrTransactionFailed) {
			return task.Record{}, fmt.Errorf("%w: %s: %w", task.ErrStorage, op, err)
		}
		return task.Record{}, err
	}
	return rec, nil
}

func (s *PostgresTaskStore) markFailed(ctx context.Context, q store.DBTX, key int64, id string, attempt int, errMsg string) (task.Record, error) {
	const op = "mark_failed"

	var (
		status      string
		attempts    int
		maxAttempts int
	)
	err := q.QueryRowContext(ctx,
		`SELECT status, attempts, max_attempts FROM background_tasks WHERE id = $1 FOR UPDATE`,
		key,
	).Scan(&status, &attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Record{}, fmt.Errorf("%s %s: %w", op, id, store.ErrTaskNotFound)
	}
	if err != nil {
		return task.Record{}, storageError(op, err)
	}
	if task.TaskStatus(status) != task.TaskStatusProcessing || attempts != attempt {
		return task.Record{}, invalidTransition(op, id, task.TaskStatus(status), task.TaskStatusProcessing, attempts, attempt)
	}

	now := s.clock()
	next := task.TaskStatusPending
	var retryAt sql.NullTime
	if attempts >= maxAttempts {
		next = task.TaskStatusFailed
	} else if s.retryDelay != nil {
		if d := s.retryDelay(attempts); d > 0 {
			retryAt = sql.NullTime{Time: now.Add(d), Valid: true}
		}
	}

	query := `
		UPDATE background_tasks
		SET status = $2, error = $3, updated_at = $4,
		    scheduled_for = COALESCE($5::timestamptz, scheduled_for)
		WHERE id = $1
		RETURNING ` + taskColumns

	rec, err := scanTask(q.QueryRowContext(ctx, query, key, string(next), errMsg, now, retryAt))
	if err != nil {
		return task.Record{}, storageError(op, err)
	}
	return rec, nil
}

// GetTask looks up a record by id.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id string) (task.Record, error) {
	key, err := parseID("get", id)
	if err != nil {
		return task.Record{}, err
	}

	query := `SELECT ` + taskColumns + ` FROM background_tasks WHERE id = $1`
	rec, err := scanTask(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Record{}, fmt.Errorf("get %s: %w", id, store.ErrTaskNotFound)
	}
	if err != nil {
		return task.Record{}, storageError("get", err)
	}
	return rec, nil
}

// FindStuck returns processing records whose started_at is older than olderThan.
func (s *PostgresTaskStore) FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]task.Record, error) {
	if limit <= 0 {
		limit = defaultStuckLimit
	}
	query := `
		SELECT ` + taskColumns + `
		FROM background_tasks
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at ASC, id ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, s.clock().Add(-olderThan), limit)
	if err != nil {
		return nil, storageError("find stuck", err)
	}
	recs, err := scanTasks(rows)
	if err != nil {
		return nil, storageError("find stuck", err)
	}
	return recs, nil
}

// escapeLike escapes LIKE metacharacters so the query is matched literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func buildListWhere(f task.ListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.TaskType != "" {
		add("task_type = $%d", f.TaskType)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.From != nil {
		add("created_at >= $%d", f.From.UTC())
	}
	if f.To != nil {
		add("created_at <= $%d", f.To.UTC())
	}
	if f.Query != "" {
		args = append(args, "%"+escapeLike(f.Query)+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(task_type ILIKE $%d OR COALESCE(error, '') ILIKE $%d)", n, n))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListTasks pages through records matching filter, newest first.
func (s *PostgresTaskStore) ListTasks(ctx context.Context, filter task.ListFilter) (task.ListResult, error) {
	filter = filter.Normalize()
	where, args := buildListWhere(filter)

	res := task.ListResult{Tasks: []task.Record{}, Page: filter.Page, PerPage: filter.PerPage}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM background_tasks`+where, args...).Scan(&res.Total); err != nil {
		return task.ListResult{}, storageError("list tasks", err)
	}
	if res.Total == 0 || filter.Offset() >= res.Total {
		return res, nil
	}

	n := len(args)
	query := `SELECT ` + taskColumns + ` FROM background_tasks` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", n+1, n+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, filter.PerPage, filter.Offset())...)
	if err != nil {
		return task.ListResult{}, storageError("list tasks", err)
	}
	recs, err := scanTasks(rows)
	if err != nil {
		return task.ListResult{}, storageError("list tasks", err)
	}
	res.Tasks = append(res.Tasks, recs...)
	return res, nil
}

// PurgeFinished deletes completed and failed records last updated before the cutoff.
func (s *PostgresTaskStore) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM background_tasks WHERE status IN ('completed', 'failed') AND updated_at < $1`,
		before.UTC(),
	)
	if err != nil {
		return 0, storageError("purge finished", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageError("purge finished", err)
	}
	return n, nil
}
