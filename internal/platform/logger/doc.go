// Package logger configures the process-wide structured logger and carries
// request or task scoped loggers through a context.Context.
//
// Output is JSON via log/slog so log lines can be shipped without a parser.
package logger
