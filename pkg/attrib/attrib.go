// Package attrib reads scoped deployment attributes and waits for them to appear.
package attrib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by a Provider when the attribute is absent
	ErrNotFound = errors.New("attribute not found")

	// ErrNotReady is returned when a wait ends before the attribute appeared
	ErrNotReady = errors.New("attribute not ready")
)

// Provider reads named attributes within a scope
type Provider interface {
	GetAttribute(ctx context.Context, name, scope string) ([]byte, error)
}

// RoleScope is the deployment-wide scope of a role
func RoleScope(role string) string {
	return "role:" + role
}

// InstanceScope is the scope of a single role instance
func InstanceScope(instanceID string) string {
	return "instance:" + instanceID
}

// Present reports whether a raw JSON value counts as available.
// Empty, null, "", [] and {} do not.
func Present(value []byte) bool {
	v := bytes.TrimSpace(value)
	switch string(v) {
	case "", "null", `""`, "[]", "{}":
		return false
	}
	return true
}

// Get returns the value of an attribute and whether it is available.
// Absence is not an error.
func Get(ctx context.Context, p Provider, name, scope string) ([]byte, bool, error) {
	value, err := p.GetAttribute(ctx, name, scope)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get attribute %s: %w", name, err)
	}
	return value, Present(value), nil
}

// WaitConfig bounds WaitFor
type WaitConfig struct {
	Timeout  time.Duration
	Interval time.Duration
}

// DefaultWaitConfig polls every second for up to five minutes
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{Timeout: 5 * time.Minute, Interval: time.Second}
}

// WaitFor polls until the attribute is present, the timeout elapses or ctx
// is cancelled. Expiry and cancellation both return an error wrapping
// ErrNotReady and the context error.
func WaitFor(ctx context.Context, p Provider, name, scope string, cfg WaitConfig) ([]byte, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		value, ok, err := Get(ctx, p, name, scope)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if ok {
			return value, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s in %s (timeout: %v): %w", ErrNotReady, name, scope, cfg.Timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
