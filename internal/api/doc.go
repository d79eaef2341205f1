// Package api serves the operational HTTP surface of the worker: health,
// Prometheus metrics and an administrative view of the task table. Handlers
// translate HTTP to task.Queue calls and map storage errors to status codes
// without leaking internal detail.
package api
