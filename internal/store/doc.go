// Package store holds the persistence primitives shared by every task storage
// backend: the DBTX abstraction over database/sql, the transaction helper,
// and the sentinel errors callers match with errors.Is.
package store
