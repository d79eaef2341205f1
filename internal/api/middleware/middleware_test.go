package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/taskq/internal/api/shared"
	"github.com/phrazzld/taskq/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newValidator(t *testing.T) *TokenValidator {
	t.Helper()
	v, err := NewTokenValidator(testSecret)
	require.NoError(t, err)
	return v.WithTimeFunc(func() time.Time { return fixedNow })
}

func TestNewTokenValidator_ShortSecret(t *testing.T) {
	t.Parallel()
	_, err := NewTokenValidator("short")
	assert.Error(t, err)
}

func TestTokenValidator(t *testing.T) {
	t.Parallel()
	v := newValidator(t)

	token, err := v.Sign("ops", time.Hour)
	require.NoError(t, err)
	sub, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", sub)

	expired, err := v.Sign("ops", -time.Hour)
	require.NoError(t, err)
	_, err = v.Validate(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other, err := NewTokenValidator(strings.Repeat("z", 40))
	require.NoError(t, err)
	foreign, err := other.WithTimeFunc(func() time.Time { return fixedNow }).Sign("ops", time.Hour)
	require.NoError(t, err)
	_, err = v.Validate(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Validate("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = v.Validate(noExpiry)
	assert.ErrorIs(t, err, ErrInvalidToken)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = v.Validate(hs512)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type stubValidator struct {
	subject string
	err     error
}

func (s stubValidator) Validate(string) (string, error) { return s.subject, s.err }

func TestAuthMiddleware_Authenticate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		header     string
		validator  stubValidator
		wantStatus int
		wantBody   string
	}{
		{"valid token", "Bearer good", stubValidator{subject: "ops"}, http.StatusOK, ""},
		{"missing header", "", stubValidator{}, http.StatusUnauthorized, "Authorization header required"},
		{"wrong scheme", "Basic abc", stubValidator{}, http.StatusUnauthorized, "Invalid authorization format"},
		{"no token", "Bearer", stubValidator{}, http.StatusUnauthorized, "Invalid authorization format"},
		{"expired", "Bearer old", stubValidator{err: ErrExpiredToken}, http.StatusUnauthorized, "Token expired"},
		{"invalid", "Bearer bad", stubValidator{err: ErrInvalidToken}, http.StatusUnauthorized, "Invalid token"},
		{"unexpected", "Bearer x", stubValidator{err: errors.New("boom")}, http.StatusInternalServerError, "Authentication error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var gotSubject string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotSubject, _ = shared.GetSubject(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			NewAuthMiddleware(tt.validator).Authenticate(next).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "ops", gotSubject)
			} else {
				assert.Contains(t, w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestTraceMiddleware(t *testing.T) {
	t.Parallel()
	log, buf := logger.NewTestLogger()

	var traceID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("inside handler")
	})

	w := httptest.NewRecorder()
	NewTraceMiddleware(log)(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.NotEmpty(t, traceID)
	assert.Equal(t, traceID, w.Header().Get("X-Trace-ID"))

	entries, err := buf.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, traceID, e["trace_id"])
	}
}
