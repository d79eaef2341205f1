// Package postgres implements task.Storage on PostgreSQL through database/sql
// and the pgx stdlib driver. Records live in the background_tasks table,
// whose schema is managed by the embedded goose migrations.
//
// Every status transition is a single UPDATE guarded by the expected prior
// status, so concurrent workers in any number of processes cannot claim the
// same attempt twice.
package postgres
