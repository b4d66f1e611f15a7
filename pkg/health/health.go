package health

import (
	"context"
	"time"
)

// CheckType represents the type of endpoint probe
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result is the outcome of a single probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one endpoint
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how often endpoints are probed and when they flip state
type Config struct {
	// Interval is the time between probe rounds
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// Retries is the number of consecutive failures before an endpoint is
	// reported down
	Retries int
}

// DefaultConfig returns the probe defaults used by the daemon
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status tracks the probe history of one endpoint
type Status struct {
	Endpoint             string
	URL                  string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy starts true and only drops after Retries consecutive failures
	Healthy bool
}

// NewStatus creates a Status for an endpoint that has not been probed yet
func NewStatus(endpoint, url string) *Status {
	return &Status{
		Endpoint: endpoint,
		URL:      url,
		Healthy:  true,
	}
}

// Update folds a probe result into the status
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

func failed(start time.Time, format string, err error) Result {
	return Result{
		Healthy:   false,
		Message:   format + ": " + err.Error(),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
