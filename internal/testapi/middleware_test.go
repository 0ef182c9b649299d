package testapi

import (
	"bytes"
	nethttp "net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/gaborage/go-bricks-datalayer/logger"
)

func TestRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	s := New(WithPrefix("/api"), WithLogger(logger.NewWithWriter("debug", &buf)))

	rec := do(t, s, nethttp.MethodGet, "/api/health", "")
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Empty(t, buf.String())

	rec = do(t, s, nethttp.MethodGet, "/api/experiments/missing", "")
	require.Equal(t, nethttp.StatusNotFound, rec.Code)
	id := rec.Header().Get(echo.HeaderXRequestID)
	require.NotEmpty(t, id)

	line := buf.String()
	assert.Contains(t, line, `"level":"warn"`)
	assert.Contains(t, line, `"status":404`)
	assert.Contains(t, line, `"route":"/api/experiments/:id"`)
	assert.Contains(t, line, id)
}

func TestCORSPreflight(t *testing.T) {
	s := New(WithPrefix("/api"), WithLogger(logger.Nop()), WithCORSOrigins("http://localhost:3000"))

	rec := do(t, s, nethttp.MethodOptions, "/api/experiments", "",
		echo.HeaderOrigin, "http://localhost:3000",
		echo.HeaderAccessControlRequestMethod, nethttp.MethodPost,
	)
	assert.Equal(t, nethttp.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestNoMiddlewareWithoutLogger(t *testing.T) {
	s := New()
	rec := do(t, s, nethttp.MethodGet, "/health", "")
	assert.Empty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestTracing(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	exporter := tracetest.NewInMemoryExporter()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))

	s := New(WithPrefix("/api"), WithTracing("mockapi"))
	s.Seed(Experiment{ID: "1", Name: "traced"})
	rec := do(t, s, nethttp.MethodGet, "/api/experiments/1", "")
	require.Equal(t, nethttp.StatusOK, rec.Code)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Contains(t, spans[0].Name, "/api/experiments/:id")
}
