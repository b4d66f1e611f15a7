package dnsclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/directory"
	"github.com/cuemby/dnsmgmt/pkg/log"
	"github.com/cuemby/dnsmgmt/pkg/metrics"
	"github.com/cuemby/dnsmgmt/pkg/security"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

const (
	// DefaultPrincipal is the identity sent in X-Authenticated-Username
	DefaultPrincipal = "system"

	headerUsername   = "X-Authenticated-Username"
	headerCapability = "X-Authenticated-Capability"

	// Response bodies beyond this are truncated in errors
	maxErrorBody = 4096
)

var (
	// ErrNotFound is returned when no active instance publishes the requested
	// DNS service. Callers should treat it as deferred work.
	ErrNotFound = errors.New("dns management service not found")

	// ErrRemoteUpdate is matched by every *RemoteUpdateError
	ErrRemoteUpdate = errors.New("remote dns update failed")
)

// RemoteUpdateError describes a failed PATCH after retries were exhausted
type RemoteUpdateError struct {
	URL        string
	StatusCode int // 0 for transport errors
	Body       string
	Retryable  bool
	Err        error
}

func (e *RemoteUpdateError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote dns update to %s failed: %v", e.URL, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("remote dns update to %s failed: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("remote dns update to %s failed: status %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *RemoteUpdateError) Unwrap() error { return e.Err }

func (e *RemoteUpdateError) Is(target error) bool { return target == ErrRemoteUpdate }

// Resolver looks up a DNS-management service by logical name
type Resolver interface {
	Resolve(ctx context.Context, name string) (types.ServiceEndpoint, error)
}

// RetryConfig bounds the exponential backoff applied to retryable failures
type RetryConfig struct {
	MaxRetries uint64        `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
}

// RateLimitConfig bounds the PATCH rate per DNS-management endpoint. A zero
// RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// Config configures the remote update client
type Config struct {
	// Production enables remote calls. When false every update is a no-op.
	Production     bool
	TLS            security.Paths
	RequestTimeout time.Duration
	Retry          RetryConfig
	Principal      string
	Capabilities   map[string][]string
	RateLimit      RateLimitConfig

	// HTTPClient overrides the mutual TLS client built from TLS
	HTTPClient *http.Client
}

// DefaultConfig returns the client defaults: remote calls disabled, TLS
// material at the well-known paths, 10s per request and three retries.
func DefaultConfig() Config {
	return Config{
		TLS:            security.DefaultPaths(),
		RequestTimeout: 10 * time.Second,
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		Principal:    DefaultPrincipal,
		Capabilities: map[string][]string{},
	}
}

// Client pushes record changes to the DNS-management service
type Client struct {
	resolver   Resolver
	cfg        Config
	http       *http.Client
	capability string
	logger     zerolog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New creates a client. The TLS material is only loaded when cfg.Production
// is set, so development runs work without /var/run/rebar.
func New(resolver Resolver, cfg Config) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.Principal == "" {
		cfg.Principal = DefaultPrincipal
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = DefaultConfig().Retry
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		cfg.Retry.MaxDelay = cfg.Retry.BaseDelay
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = map[string][]string{}
	}

	capability, err := json.Marshal(cfg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to encode capability map: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil && cfg.Production {
		tlsConfig, err := security.ClientTLSConfig(cfg.TLS, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load dns client TLS material: %w", err)
		}
		httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     tlsConfig,
				TLSHandshakeTimeout: cfg.RequestTimeout,
				ForceAttemptHTTP2:   true,
			},
		}
	}

	return &Client{
		resolver:   resolver,
		cfg:        cfg,
		http:       httpClient,
		capability: string(capability),
		logger:     log.WithComponent("dnsclient"),
		limiters:   make(map[string]*rate.Limiter),
	}, nil
}

// HTTPClient returns the mutual-TLS client used for record updates, or nil
// outside production
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Production reports whether remote calls are enabled
func (c *Client) Production() bool {
	return c.cfg.Production
}

// Update resolves service and sends one record change to it as
// PATCH {url}/zones/{zone}. It returns ErrNotFound without any network call
// when the service is not published, and nil without any network call
// outside production mode.
func (c *Client) Update(ctx context.Context, service, zone string, tenantID int64, rrType, name, address string, action types.ChangeType) error {
	logger := c.logger.With().
		Str("service", service).
		Str("zone", zone).
		Str("name", name).
		Str("type", rrType).
		Str("action", string(action)).
		Logger()

	endpoint, err := c.resolver.Resolve(ctx, service)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			metrics.DNSUpdatesTotal.WithLabelValues(string(action), metrics.ResultNotFound).Inc()
			logger.Warn().Msg("dns management service not available, deferring update")
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return fmt.Errorf("failed to resolve dns service %q: %w", service, err)
	}

	if !c.cfg.Production {
		metrics.DNSUpdatesTotal.WithLabelValues(string(action), metrics.ResultSkipped).Inc()
		logger.Debug().Str("endpoint", endpoint.URL).Msg("not in production mode, skipping remote dns update")
		return nil
	}

	req := types.UpdateRequest{
		Zone:       zone,
		TenantID:   tenantID,
		ChangeType: action,
		Name:       name,
		Content:    address,
		Type:       rrType,
	}

	timer := metrics.NewTimer()
	err = c.send(ctx, endpoint, req)
	timer.ObserveDurationVec(metrics.DNSUpdateDuration, string(action))

	if err != nil {
		metrics.DNSUpdatesTotal.WithLabelValues(string(action), metrics.ResultFailure).Inc()
		logger.Error().Err(err).Str("endpoint", endpoint.URL).Msg("remote dns update failed")
		return err
	}

	metrics.DNSUpdatesTotal.WithLabelValues(string(action), metrics.ResultSuccess).Inc()
	logger.Info().Str("endpoint", endpoint.URL).Str("content", address).Msg("remote dns update applied")
	return nil
}

// ZoneURL returns the PATCH target for zone on endpoint
func ZoneURL(endpoint types.ServiceEndpoint, zone string) string {
	return strings.TrimSuffix(endpoint.URL, "/") + "/zones/" + url.PathEscape(zone)
}

func (c *Client) send(ctx context.Context, endpoint types.ServiceEndpoint, req types.UpdateRequest) error {
	target := ZoneURL(endpoint, req.Zone)
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode update request: %w", err)
	}

	backoff := retry.NewExponential(c.cfg.Retry.BaseDelay)
	backoff = retry.WithCappedDuration(c.cfg.Retry.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(c.cfg.Retry.MaxRetries, backoff)

	var (
		attempt int
		last    *RemoteUpdateError
	)
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.patch(ctx, endpoint.URL, target, body)

		var rerr *RemoteUpdateError
		if errors.As(err, &rerr) && rerr.Retryable {
			last = rerr
			c.logger.Debug().
				Err(err).
				Int("attempt", attempt).
				Str("url", target).
				Msg("retryable dns update failure")
			return retry.RetryableError(err)
		}
		return err
	})

	// Cancelled while backing off: report the failure that caused the retry
	if ctxErr := ctx.Err(); ctxErr != nil && last != nil && errors.Is(err, ctxErr) && !errors.As(err, new(*RemoteUpdateError)) {
		return fmt.Errorf("%w: %w", last, ctxErr)
	}
	return err
}

// limiter returns the shared limiter for an endpoint, or nil when limiting
// is off
func (c *Client) limiter(endpoint string) *rate.Limiter {
	if c.cfg.RateLimit.RequestsPerSecond <= 0 {
		return nil
	}

	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()

	l, ok := c.limiters[endpoint]
	if !ok {
		burst := c.cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(c.cfg.RateLimit.RequestsPerSecond), burst)
		c.limiters[endpoint] = l
	}
	return l
}

func (c *Client) patch(ctx context.Context, endpoint, target string, body []byte) error {
	if l := c.limiter(endpoint); l != nil {
		if err := l.Wait(ctx); err != nil {
			return &RemoteUpdateError{URL: target, Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, target, bytes.NewReader(body))
	if err != nil {
		return &RemoteUpdateError{URL: target, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerUsername, c.cfg.Principal)
	req.Header.Set(headerCapability, c.capability)

	resp, err := c.http.Do(req)
	if err != nil {
		return &RemoteUpdateError{URL: target, Err: err, Retryable: retryableTransportError(err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &RemoteUpdateError{
		URL:        target,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(respBody)),
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}

// retryableTransportError treats timeouts and network failures as transient.
// Caller cancellation and certificate verification failures are final.
func retryableTransportError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return false
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return false
	}
	var hostnameErr x509.HostnameError
	return !errors.As(err, &hostnameErr)
}
