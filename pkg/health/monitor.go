package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/log"
	"github.com/cuemby/dnsmgmt/pkg/metrics"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentProbes bounds one probe round
const maxConcurrentProbes = 8

// EndpointLister returns the currently published DNS-management endpoints
type EndpointLister interface {
	List(ctx context.Context) ([]types.ServiceEndpoint, error)
}

// CheckerFactory builds the probe for one endpoint
type CheckerFactory func(ep types.ServiceEndpoint) (Checker, error)

// NewCheckerFactory probes over HTTP with client when it is set and falls
// back to a TCP dial of the URL's host:port otherwise
func NewCheckerFactory(client *http.Client, timeout time.Duration) CheckerFactory {
	return func(ep types.ServiceEndpoint) (Checker, error) {
		if client != nil {
			return NewHTTPChecker(ep.URL, client), nil
		}
		addr, err := DialAddress(ep.URL)
		if err != nil {
			return nil, err
		}
		return NewTCPChecker(addr).WithTimeout(timeout), nil
	}
}

// DialAddress returns host:port for an endpoint URL, defaulting the port
// from the scheme
func DialAddress(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint url %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("endpoint url %q has no host", raw)
	}
	if port := u.Port(); port != "" {
		return net.JoinHostPort(u.Hostname(), port), nil
	}
	switch u.Scheme {
	case "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	case "http":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	default:
		return "", fmt.Errorf("endpoint url %q has no port and unknown scheme %q", raw, u.Scheme)
	}
}

// Monitor periodically probes every published endpoint and reports the
// directory component healthy while at least one of them answers
type Monitor struct {
	lister  EndpointLister
	factory CheckerFactory
	cfg     Config

	mu       sync.RWMutex
	statuses map[string]*Status

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewMonitor creates a monitor. Zero config fields take DefaultConfig values.
func NewMonitor(lister EndpointLister, factory CheckerFactory, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	return &Monitor{
		lister:   lister,
		factory:  factory,
		cfg:      cfg,
		statuses: make(map[string]*Status),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("endpoint-monitor"),
	}
}

// Start runs probe rounds until ctx is done or Stop is called
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop ends the probe loop
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := m.CheckOnce(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Endpoint probe round failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func statusKey(ep types.ServiceEndpoint) string {
	return ep.Name + " " + ep.URL
}

// CheckOnce probes every listed endpoint once and updates the component
// health and the per-endpoint gauge
func (m *Monitor) CheckOnce(ctx context.Context) error {
	endpoints, err := m.lister.List(ctx)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentDirectory, false, err.Error())
		return err
	}

	results := make([]Result, len(endpoints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, ep := range endpoints {
		g.Go(func() error {
			checker, err := m.factory(ep)
			if err != nil {
				results[i] = failed(time.Now(), "build probe", err)
				return nil
			}
			pctx, cancel := context.WithTimeout(gctx, m.cfg.Timeout)
			defer cancel()
			results[i] = checker.Check(pctx)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	seen := make(map[string]bool, len(endpoints))
	up := 0
	for i, ep := range endpoints {
		key := statusKey(ep)
		seen[key] = true

		st, ok := m.statuses[key]
		if !ok {
			st = NewStatus(ep.Name, ep.URL)
			m.statuses[key] = st
		}
		wasHealthy := st.Healthy
		st.Update(results[i], m.cfg)

		if st.Healthy {
			up++
			metrics.EndpointUp.WithLabelValues(ep.Name, ep.URL).Set(1)
		} else {
			metrics.EndpointUp.WithLabelValues(ep.Name, ep.URL).Set(0)
		}
		if wasHealthy != st.Healthy {
			m.logger.Info().
				Str("endpoint", ep.Name).
				Str("url", ep.URL).
				Bool("healthy", st.Healthy).
				Str("result", results[i].Message).
				Msg("Endpoint state changed")
		}
	}
	for key, st := range m.statuses {
		if !seen[key] {
			metrics.EndpointUp.DeleteLabelValues(st.Endpoint, st.URL)
			delete(m.statuses, key)
		}
	}
	m.mu.Unlock()

	switch {
	case len(endpoints) == 0:
		metrics.UpdateComponent(metrics.ComponentDirectory, false, "no endpoints published")
	case up == 0:
		metrics.UpdateComponent(metrics.ComponentDirectory, false,
			fmt.Sprintf("all %d endpoints down", len(endpoints)))
	default:
		metrics.UpdateComponent(metrics.ComponentDirectory, true,
			fmt.Sprintf("%d/%d endpoints up", up, len(endpoints)))
	}
	return nil
}

// Statuses returns a snapshot of every tracked endpoint, ordered by name
func (m *Monitor) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Endpoint != out[j].Endpoint {
			return out[i].Endpoint < out[j].Endpoint
		}
		return out[i].URL < out[j].URL
	})
	return out
}
