package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabledLeavesHandlerUntouched(t *testing.T) {
	p, err := Init(context.Background(), Config{}, nil)
	require.NoError(t, err)
	require.False(t, p.Enabled())

	var called bool
	h := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	wrapped := p.Handler(h, "mdwn.http")
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, called)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestInitRecordsServerSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		ServiceName: "mdwn-test",
		SampleRatio: 1,
		Exporter:    exporter,
	}, nil)
	require.NoError(t, err)
	require.True(t, p.Enabled())

	h := p.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), "mdwn.http")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The in-memory exporter forgets its spans on shutdown, so flush first.
	require.NoError(t, p.tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "mdwn.http", spans[0].Name)
	require.NoError(t, p.Shutdown(context.Background()))
}
