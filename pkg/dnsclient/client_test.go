package dnsclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/directory"
	"github.com/cuemby/dnsmgmt/pkg/security"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	endpoints map[string]types.ServiceEndpoint
	err       error
	calls     int
}

func (r *staticResolver) Resolve(_ context.Context, name string) (types.ServiceEndpoint, error) {
	r.calls++
	if r.err != nil {
		return types.ServiceEndpoint{}, r.err
	}
	ep, ok := r.endpoints[name]
	if !ok {
		return types.ServiceEndpoint{}, fmt.Errorf("%w: %q", directory.ErrNotFound, name)
	}
	return ep, nil
}

type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// dnsServer is a DNS-management API fake that requires client certificates
type dnsServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	statuses []int // replied in order, last one repeats
	delay    time.Duration
}

func (s *dnsServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Header: r.Header.Clone(), Body: string(body)})
	n := len(s.requests)
	status := http.StatusOK
	if len(s.statuses) > 0 {
		status = s.statuses[min(n, len(s.statuses))-1]
	}
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status >= 300 {
		_, _ = fmt.Fprintf(w, `{"error":"status %d"}`, status)
	}
}

func (s *dnsServer) Requests() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

// newMutualTLSServer starts a fake server trusting ca and returns client
// TLS paths issued by the same CA
func newMutualTLSServer(t *testing.T, ca *security.CertAuthority, statuses ...int) (*dnsServer, security.Paths) {
	t.Helper()

	serverCert, err := ca.Issue("localhost", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	s := &dnsServer{statuses: statuses}
	s.Server = httptest.NewUnstartedServer(http.HandlerFunc(s.handle))
	s.TLS = &tls.Config{
		Certificates: []tls.Certificate{*serverCert},
		ClientCAs:    ca.CertPool(),
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	s.StartTLS()
	t.Cleanup(s.Close)

	clientCert, err := ca.Issue("system", nil, nil)
	require.NoError(t, err)
	paths := security.PathsInDir(t.TempDir())
	require.NoError(t, ca.WriteBundle(paths, clientCert))

	return s, paths
}

func testConfig(paths security.Paths) Config {
	cfg := DefaultConfig()
	cfg.Production = true
	cfg.TLS = paths
	cfg.RequestTimeout = 2 * time.Second
	cfg.Retry = RetryConfig{MaxRetries: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	cfg.Capabilities = map[string][]string{"1": {"ALL"}}
	return cfg
}

func newTestCA(t *testing.T) *security.CertAuthority {
	t.Helper()
	ca, err := security.NewCertAuthority("test-ca")
	require.NoError(t, err)
	return ca
}

func TestUpdateScenarioAdd(t *testing.T) {
	srv, paths := newMutualTLSServer(t, newTestCA(t))
	resolver := &staticResolver{endpoints: map[string]types.ServiceEndpoint{
		"dns1": {Name: "dns1", URL: srv.URL},
	}}

	client, err := New(resolver, testConfig(paths))
	require.NoError(t, err)

	err = client.Update(context.Background(), "dns1", "example.com", 3, "A", "host1", "10.0.0.5", types.ChangeAdd)
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPatch, reqs[0].Method)
	assert.Equal(t, "/zones/example.com", reqs[0].Path)
	assert.JSONEq(t, `{"tenant_id":3,"changetype":"ADD","name":"host1","content":"10.0.0.5","type":"A"}`, reqs[0].Body)
	assert.Equal(t, `{"tenant_id":3,"changetype":"ADD","name":"host1","content":"10.0.0.5","type":"A"}`, reqs[0].Body)

	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Accept"))
	assert.Equal(t, "system", reqs[0].Header.Get("X-Authenticated-Username"))
	assert.JSONEq(t, `{"1":["ALL"]}`, reqs[0].Header.Get("X-Authenticated-Capability"))
}

func TestUpdateRemove(t *testing.T) {
	srv, paths := newMutualTLSServer(t, newTestCA(t))
	resolver := &staticResolver{endpoints: map[string]types.ServiceEndpoint{
		"dns1": {Name: "dns1", URL: srv.URL + "/"},
	}}

	client, err := New(resolver, testConfig(paths))
	require.NoError(t, err)

	require.NoError(t, client.Update(context.Background(), "dns1", "example.com", 3, "AAAA", "host1", "fd00::5", types.ChangeRemove))

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/zones/example.com", reqs[0].Path)
	assert.JSONEq(t, `{"tenant_id":3,"changetype":"REMOVE","name":"host1","content":"fd00::5","type":"AAAA"}`, reqs[0].Body)
}

func TestUpdateNonProductionNeverCallsNetwork(t *testing.T) {
	srv, paths := newMutualTLSServer(t, newTestCA(t))
	resolver := &staticResolver{endpoints: map[string]types.ServiceEndpoint{
		"dns1": {Name: "dns1", URL: srv.URL},
	}}

	cfg := testConfig(paths)
	cfg.Production = false
	client, err := New(resolver, cfg)
	require.NoError(t, err)
	assert.False(t, client.Production())

	for _, action := range []types.ChangeType{types.ChangeAdd, types.ChangeRemove} {
		require.NoError(t, client.Update(context.Background(), "dns1", "example.com", 3, "A", "host1", "10.0.0.5", action))
	}
	assert.Empty(t, srv.Requests())
}

func TestNewNonProductionSkipsTLSMaterial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLS = security.PathsInDir(t.TempDir())

	_, err := New(&staticResolver{}, cfg)
	require.NoError(t, err)

	cfg.Production = true
	_, err = New(&staticResolver{}, cfg)
	assert.Error(t, err)
}

func TestUpdateNotFound(t *testing.T) {
	srv, paths := newMutualTLSServer(t, newTestCA(t))

	for _, production := range []bool{true, false} {
		t.Run(fmt.Sprintf("production=%v", production), func(t *testing.T) {
			cfg := testConfig(paths)
			cfg.Production = production
			client, err := New(&staticResolver{}, cfg)
			require.NoError(t, err)

			for _, action := range []types.ChangeType{types.ChangeAdd, types.ChangeRemove} {
				err := client.Update(context.Background(), "dns1", "example.com", 3, "A", "host1", "10.0.0.5", action)
				assert.ErrorIs(t, err, ErrNotFound)
				assert.ErrorIs(t, err, directory.ErrNotFound)
			}
		})
	}
	assert.Empty(t, srv.Requests())
}

func TestUpdateResolverFailure(t *testing.T) {
	client, err := New(&staticResolver{err: errors.New("store closed")}, DefaultConfig())
	require.NoError(t, err)

	err = client.Update(context.Background(), "dns1", "example.com", 3, "A", "host1", "10.0.0.5", types.ChangeAdd)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrRemoteUpdate)
}

func TestUpdateRetries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int
		wantErr   bool
		wantCode  int
	}{
		{name: "success first try", statuses: []int{http.StatusNoContent}, wantCalls: 1},
		{name: "5xx then success", statuses: []int{http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK}, wantCalls: 3},
		{name: "429 then success", statuses: []int{http.StatusTooManyRequests, http.StatusOK}, wantCalls: 2},
		{name: "5xx exhausts retries", statuses: []int{http.StatusInternalServerError}, wantCalls: 3, wantErr: true, wantCode: http.StatusInternalServerError},
		{name: "4xx is not retried", statuses: []int{http.StatusBadRequest}, wantCalls: 1, wantErr: true, wantCode: http.StatusBadRequest},
		{name: "403 is not retried", statuses: []int{http.StatusForbidden}, wantCalls: 1, wantErr: true, wantCode: http.StatusForbidden},
	}

	ca := newTestCA(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, paths := newMutualTLSServer(t, ca, tt.statuses...)
			resolver := &staticResolver{endpoints: map[string]types.ServiceEndpoint{"dns1": {Name: "dns1", URL: srv.URL}}}

			client, err := New(resolver, testConfig(paths))
			require.NoError(t, err)

			err = client.Update(context.Background(), "dns1", "example.com", 3, "A", "host1", "10.0.0.5", types.ChangeAdd)
			assert.Len(t, srv.Requests(), tt.wantCalls)

			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			assert.ErrorIs(t, err, ErrRemoteUpdate)
			var rerr *RemoteUpdateError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.wantCode, rerr.StatusCode)
			assert.Equal(t, srv.URL+"/zones/example.com", rerr.URL)
			assert.Contains(t, rerr.Body, "error")
		})
	}
}

func TestUpdateRequestTimeoutIsRetried(t *testing.T) {
	srv, paths := newMutualTLSServer(t, newTestCA(t))
	srv.mu.Lock()
	srv.delay = 500 * time.Millisecond
	srv.mu.Unlock()
	resolver := &staticResolver{endpoints: map[string]types.ServiceEndpoint{"dns1": {Name: "dns1", URL: srv.URL}}}

	cfg := testConfig(paths)
	cfg.RequestTimeout = 50 * time.Millisecond
	cfg.Retry.MaxRetries = 1
	client, err := New(resolver, cfg)
	require.NoError(t, err)

	err = client.Update(context.Background(), "dns1", "example.com", 3, "A", "host1", "10.0.0.5", types.ChangeAdd)
	require.ErrorIs(t, err, ErrRemoteUpdate)

	var rerr *RemoteUpdateError
	require.ErrorAs(t, err, &rerr)
	assert.Zero(t, rerr.StatusCode)
	assert.True(t, rerr.Retryable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return len(srv.Requests()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestUpdateRejectsUntrustedServer(t *testing.T) {
	srv, _ := newMutualTLSServer(t, newTestCA(t))

	// Client material issued by an unrelated CA
	other := newTestCA(t)
	clientCert, err := other.Issue("system", nil, nil)
	require.NoError(t, err)
	paths := security.PathsInDir(t.TempDir())
	require.NoError(t, other.WriteBundle(paths, clientCert))

	resolver := &staticResolver{endpoints: map[string]types.ServiceEndpoint{"dns1": {Name: "dns1", URL: srv.URL}}}
	client, err := New(resolver, testConfig(paths))
	require.NoError(t, err)

	err = client.Update(context.Background(), "dns1", "example.com", 3, "A", "host1", "10.0.0.5", types.ChangeAdd)
	assert.ErrorIs(t, err, ErrRemoteUpdate)

	var rerr *RemoteUpdateError
	require.ErrorAs(t, err, &rerr)
	assert.False(t, rerr.Retryable)
	assert.Empty(t, srv.Requests())
}

func TestUpdateCancelledContext(t *testing.T) {
	srv, paths := newMutualTLSServer(t, newTestCA(t), http.StatusServiceUnavailable)
	resolver := &staticResolver{endpoints: map[string]types.ServiceEndpoint{"dns1": {Name: "dns1", URL: srv.URL}}}

	cfg := testConfig(paths)
	cfg.Retry = RetryConfig{MaxRetries: 100, BaseDelay: time.Hour, MaxDelay: time.Hour}
	client, err := New(resolver, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = client.Update(ctx, "dns1", "example.com", 3, "A", "host1", "10.0.0.5", types.ChangeAdd)
	require.Error(t, err)
	assert.Len(t, srv.Requests(), 1)

	// The 503 that triggered the backoff is kept alongside the deadline
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrRemoteUpdate)
	var rerr *RemoteUpdateError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusServiceUnavailable, rerr.StatusCode)
	assert.True(t, rerr.Retryable)
}

func TestUpdateRateLimitedPerEndpoint(t *testing.T) {
	ca := newTestCA(t)
	srv1, paths := newMutualTLSServer(t, ca)
	srv2, _ := newMutualTLSServer(t, ca)
	resolver := &staticResolver{endpoints: map[string]types.ServiceEndpoint{
		"dns1": {Name: "dns1", URL: srv1.URL},
		"dns2": {Name: "dns2", URL: srv2.URL},
	}}

	cfg := testConfig(paths)
	cfg.RateLimit = RateLimitConfig{RequestsPerSecond: 0.1, Burst: 1}
	client, err := New(resolver, cfg)
	require.NoError(t, err)
	require.NotNil(t, client.HTTPClient())

	require.NoError(t, client.Update(context.Background(), "dns1", "example.com", 3, "A", "host1", "10.0.0.5", types.ChangeAdd))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = client.Update(ctx, "dns1", "example.com", 3, "A", "host2", "10.0.0.6", types.ChangeAdd)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteUpdate)
	assert.Len(t, srv1.Requests(), 1)

	require.NoError(t, client.Update(context.Background(), "dns2", "example.com", 3, "A", "host2", "10.0.0.6", types.ChangeAdd))
	assert.Len(t, srv2.Requests(), 1)
}

func TestZoneURL(t *testing.T) {
	tests := []struct {
		url  string
		zone string
		want string
	}{
		{url: "https://dns.example:9000", zone: "example.com", want: "https://dns.example:9000/zones/example.com"},
		{url: "https://dns.example:9000/", zone: "example.com", want: "https://dns.example:9000/zones/example.com"},
		{url: "https://dns.example/api", zone: "rack 1.example.com", want: "https://dns.example/api/zones/rack%201.example.com"},
		{url: "https://dns.example", zone: "a/b", want: "https://dns.example/zones/a%2Fb"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ZoneURL(types.ServiceEndpoint{URL: tt.url}, tt.zone))
		})
	}
}

func TestRemoteUpdateErrorMessage(t *testing.T) {
	err := &RemoteUpdateError{URL: "https://x/zones/a", StatusCode: 409, Body: "conflict"}
	assert.Equal(t, "remote dns update to https://x/zones/a failed: status 409: conflict", err.Error())
	assert.ErrorIs(t, err, ErrRemoteUpdate)

	err = &RemoteUpdateError{URL: "https://x/zones/a", Err: errors.New("connection refused")}
	assert.Equal(t, "remote dns update to https://x/zones/a failed: connection refused", err.Error())
}
