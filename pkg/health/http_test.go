package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPChecker_NotFoundCountsAsUp(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	result := NewHTTPChecker(server.URL, nil).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.Contains(t, result.Message, "404")
}

func TestHTTPChecker_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL, nil).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "expected 100-499")
}

func TestHTTPChecker_CustomStatusRangeAndMethod(t *testing.T) {
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL, nil).
		WithMethod(http.MethodGet).
		WithStatusRange(200, 299)
	result := checker.Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Equal(t, http.MethodGet, method)
}

func TestHTTPChecker_Headers(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Probe")
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL, nil).WithHeader("X-Probe", "dnsmgmt").Check(context.Background())
	assert.True(t, result.Healthy)
	assert.Equal(t, "dnsmgmt", got)
}

func TestHTTPChecker_ContextTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := NewHTTPChecker(server.URL, nil).Check(ctx)
	assert.False(t, result.Healthy)
}

func TestHTTPChecker_BadURL(t *testing.T) {
	result := NewHTTPChecker("://nope", nil).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "build request")
	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker("http://x", nil).Type())
}
