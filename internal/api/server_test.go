package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/githubkpis/analyzer/internal/config"
	"github.com/githubkpis/analyzer/internal/metrics"
)

func testServerHandler(t *testing.T) http.Handler {
	t.Helper()
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	require.NoError(t, err)
	hub := NewHub(nil, m)
	srv := NewServer(config.ServerConfig{
		Host: "127.0.0.1", Port: 0, SocketPath: "/api/socket",
	}, hub, registry, nil)
	return srv.httpServer.Handler
}

// TestHealthEndpoints answer JSON ok without auth.
func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	handler := testServerHandler(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
}

// TestMetricsEndpoint serves the Prometheus registry.
func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	handler := testServerHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "analyzer_jobs_running")
}

// TestSocketPathRejectsPlainGET needs a websocket upgrade.
func TestSocketPathRejectsPlainGET(t *testing.T) {
	t.Parallel()

	handler := testServerHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/socket", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
