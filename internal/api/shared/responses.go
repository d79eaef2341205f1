package shared

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/phrazzld/taskq/internal/platform/logger"
	"github.com/phrazzld/taskq/internal/redact"
)

// ErrorBody is the JSON shape of every error the admin API returns.
type ErrorBody struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// RespondWithJSON writes data as the JSON body with the given status.
func RespondWithJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).Error("failed to encode JSON response", "error", err)
	}
}

// RespondWithError sends message and the request's trace id to the client.
// err is optional and only ever reaches the log, redacted.
func RespondWithError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	traceID := GetTraceID(r.Context())

	attrs := []any{
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
		"trace_id", traceID,
		"message", message,
	}
	if err != nil {
		attrs = append(attrs, "error", redact.Error(err))
	}
	logger.FromContext(r.Context()).Log(r.Context(), errorLevel(status), "api error", attrs...)

	RespondWithJSON(w, r, status, ErrorBody{Error: message, TraceID: traceID})
}

// errorLevel logs server faults as errors and auth or rate rejections as
// warnings. Other client errors stay at debug.
func errorLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}
