package infrastructure

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealdb/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestInitializeOTelMetrics(t *testing.T) {
	providers, err := InitializeOTel(DefaultOTelConfig(), discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	require.NotNil(t, providers.MeterProvider)
	require.NotNil(t, providers.PrometheusHTTP)
	assert.Nil(t, providers.TracerProvider)
	assert.NotNil(t, providers.Tracer)

	metrics, err := CreateMetrics(providers.Meter)
	require.NoError(t, err)

	ctx := context.Background()
	metrics.KeyRequests.Add(ctx, 1, Outcome("success"))
	metrics.Migrations.Add(ctx, 1, Outcome("failure"))
	metrics.VerificationAttempts.Add(ctx, 2, Outcome("invalid"))
	metrics.Notifications.Add(ctx, 1, Outcome("sent"))
	metrics.HTTPRequestsTotal.Add(ctx, 1, Outcome("200"))

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "sealdb_key_requests_total")
	assert.Contains(t, body, "sealdb_migrations_total")
	assert.Contains(t, body, "sealdb_verification_attempts_total")
	assert.Contains(t, body, "sealdb_notifications_total")
	assert.Contains(t, body, "http_requests_total")
}

func TestInitializeOTelTwice(t *testing.T) {
	for i := 0; i < 2; i++ {
		providers, err := InitializeOTel(nil, discardLogger())
		require.NoError(t, err)
		require.NoError(t, providers.Shutdown(context.Background()))
	}
}

func TestInitializeOTelTracing(t *testing.T) {
	cfg := OTelConfigFrom(config.TelemetryConfig{EnableTracing: true, TraceExporter: "stdout"})
	providers, err := InitializeOTel(cfg, discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	require.NotNil(t, providers.TracerProvider)

	ctx, span := providers.Tracer.Start(context.Background(), "op")
	assert.NotEmpty(t, TraceIDFromContext(ctx))
	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))
	RecordError(ctx, io.ErrUnexpectedEOF)
	span.End()
}

func TestInitializeOTelBadExporter(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.EnableTracing = true
	cfg.TraceExporter = "jaeger"
	_, err := InitializeOTel(cfg, discardLogger())
	assert.Error(t, err)
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	require.NotNil(t, m)
	m.KeyRequests.Add(context.Background(), 1)
	assert.Empty(t, TraceIDFromContext(context.Background()))
}
