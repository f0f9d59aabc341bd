package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealdb/internal/shared/testutil"
)

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, TypeTimeout},
		{"api error", ErrInvalidRequest, http.StatusBadRequest, TypeValidation},
		{"rate limited", ErrRateLimitExceeded, http.StatusTooManyRequests, TypeRateLimit},
		{"invalid password", fmt.Errorf("decrypt: %w", ErrInvalidPassword), http.StatusUnauthorized, TypeInvalidPassword},
		{"key retrieval", NewKeyError("load", errors.New("io")), http.StatusInternalServerError, TypeKeyRetrieval},
		{"transform", fmt.Errorf("%w: attach", ErrTransformFailed), http.StatusInternalServerError, TypeTransform},
		{"migration", NewMigrationError("copy", nil), http.StatusInternalServerError, TypeMigration},
		{"database", NewDatabaseError("init", nil), http.StatusServiceUnavailable, TypeDatabase},
		{"validation app error", NewAppValidationError("path must end in .db"), http.StatusBadRequest, TypeValidation},
		{"unknown", errors.New("boom /secret/path"), http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testutil.NewTestLogger(t)
			h := NewErrorHandler(logger, false)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/database/decrypt", nil)
			req.Header.Set("X-Request-ID", "req-1")
			rec := httptest.NewRecorder()

			h.HandleError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeProblem(t, rec)
			assert.Equal(t, tt.wantType, body["type"])
			assert.Equal(t, "req-1", body["trace_id"])
			assert.NotContains(t, body, "stack")
			assert.NotContains(t, rec.Body.String(), "/secret/path")
			assert.True(t, logs.ContainsMessage("request failed"))
		})
	}

	t.Run("nil error writes nothing", func(t *testing.T) {
		logger, _ := testutil.NewTestLogger(t)
		rec := httptest.NewRecorder()
		NewErrorHandler(logger, false).HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
		assert.Zero(t, rec.Body.Len())
	})

	t.Run("stack in development", func(t *testing.T) {
		logger, _ := testutil.NewTestLogger(t)
		rec := httptest.NewRecorder()
		NewErrorHandler(logger, true).HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("x"))
		assert.Contains(t, decodeProblem(t, rec), "stack")
	})
}

func TestErrorHandler_HandlePanic(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	h := NewErrorHandler(logger, false)

	rec := httptest.NewRecorder()
	h.HandlePanic(rec, httptest.NewRequest(http.MethodGet, "/api/v1/x", nil), "kaboom")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, TypeInternal, body["type"])
	assert.NotContains(t, body, "panic")
	assert.True(t, logs.ContainsMessage("panic recovered"))
}

func TestErrorHandler_NotFoundAndMethod(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	h := NewErrorHandler(logger, false)

	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "/nope", decodeProblem(t, rec)["instance"])

	rec = httptest.NewRecorder()
	h.MethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/api/version", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	body := decodeProblem(t, rec)
	assert.Contains(t, body["detail"], "DELETE")
	assert.Equal(t, TypeMethodNotAllowed, body["type"])
}

func TestProblemDetailsJSON(t *testing.T) {
	p := NewProblemDetails(http.StatusForbidden, "/errors/forbidden", "Forbidden", "", "/api/v1/x").
		WithExtension("verificationRequired", true)

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, float64(403), m["status"])
	assert.Equal(t, true, m["verificationRequired"])
	assert.NotContains(t, m, "detail")

	// extensions never override standard members
	p.WithExtension("status", 200)
	data, _ = json.Marshal(p)
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, float64(403), m["status"])
}

func TestMapDomainError(t *testing.T) {
	assert.Nil(t, MapDomainError(errors.New("plain"), "/x", "t"))

	p := MapDomainError(ErrVerificationExpired, "/x", "t-1")
	require.NotNil(t, p)
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Equal(t, "t-1", p.Extensions["trace_id"])

	p = MapDomainError(ErrVerificationInvalidCode, "/x", "")
	assert.Equal(t, TypeVerificationInvalid, p.Type)
	assert.NotContains(t, p.Extensions, "trace_id")

	assert.Equal(t, http.StatusBadGateway, MapDomainError(NewEmailError("x", nil), "/x", "").Status)
}
