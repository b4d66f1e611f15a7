package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/dnsmgmt/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func markHealthy(names ...string) {
	for _, name := range names {
		metrics.UpdateComponent(name, true, "")
	}
}

// TestHealthServerMethods tests that only GET is routed
func TestHealthServerMethods(t *testing.T) {
	markHealthy(metrics.ComponentStore, metrics.ComponentReconciler, metrics.ComponentAPI)
	hs := NewHealthServer()

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{name: "GET health", method: http.MethodGet, path: "/health", expectedStatus: http.StatusOK},
		{name: "POST health", method: http.MethodPost, path: "/health", expectedStatus: http.StatusMethodNotAllowed},
		{name: "PUT ready", method: http.MethodPut, path: "/ready", expectedStatus: http.StatusMethodNotAllowed},
		{name: "DELETE live", method: http.MethodDelete, path: "/live", expectedStatus: http.StatusMethodNotAllowed},
		{name: "GET live", method: http.MethodGet, path: "/live", expectedStatus: http.StatusOK},
		{name: "GET metrics", method: http.MethodGet, path: "/metrics", expectedStatus: http.StatusOK},
		{name: "GET unknown", method: http.MethodGet, path: "/nonexistent", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			hs.GetHandler().ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

// TestHealthHandlerJSONFormat tests the health endpoint JSON response format
func TestHealthHandlerJSONFormat(t *testing.T) {
	markHealthy(metrics.ComponentStore, metrics.ComponentReconciler, metrics.ComponentAPI)
	hs := NewHealthServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response metrics.HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "healthy", response.Status)
	assert.False(t, response.Timestamp.IsZero())
	assert.Equal(t, "healthy", response.Components[metrics.ComponentStore])
}

// TestReadyHandlerWaitsForReconciler tests readiness with a failing component
func TestReadyHandlerWaitsForReconciler(t *testing.T) {
	markHealthy(metrics.ComponentStore, metrics.ComponentAPI)
	metrics.UpdateComponent(metrics.ComponentReconciler, false, "retry failed")
	t.Cleanup(func() { markHealthy(metrics.ComponentReconciler) })

	hs := NewHealthServer()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response metrics.HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "not_ready", response.Status)
	assert.Equal(t, "waiting for reconciler", response.Message)
	assert.Contains(t, response.Components[metrics.ComponentReconciler], "retry failed")
	assert.Equal(t, "ready", response.Components[metrics.ComponentStore])
}

// TestHealthServerConcurrency tests concurrent requests to health endpoints
func TestHealthServerConcurrency(t *testing.T) {
	hs := NewHealthServer()
	done := make(chan int, 20)

	for i := 0; i < 20; i++ {
		path := "/health"
		if i%2 == 1 {
			path = "/ready"
		}
		go func() {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			hs.GetHandler().ServeHTTP(w, req)
			done <- w.Code
		}()
	}

	for i := 0; i < 20; i++ {
		assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, <-done)
	}
}

func TestHealthServerShutdownWithoutStart(t *testing.T) {
	assert.NoError(t, NewHealthServer().Shutdown(t.Context()))
}

// Benchmark tests for performance tracking
func BenchmarkHealthHandler(b *testing.B) {
	hs := NewHealthServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		hs.GetHandler().ServeHTTP(w, req)
	}
}
