// Package directory resolves logical DNS-management service names to the
// endpoints published by active role instances.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/dnsmgmt/pkg/attrib"
	"github.com/cuemby/dnsmgmt/pkg/log"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultRole is the role whose instances run the DNS-management service
	DefaultRole = "dns-mgmt_service"

	// DefaultServersAttribute lists the endpoints an instance publishes
	DefaultServersAttribute = "dns-management-servers"
)

// ErrNotFound is returned when no active instance publishes the requested service
var ErrNotFound = errors.New("dns management service not found")

// RoleRegistry enumerates role instances in a stable order
type RoleRegistry interface {
	ListRoleInstances(ctx context.Context, role string) ([]*types.RoleInstance, error)
}

// Directory resolves service endpoints. Nothing is cached; every call
// reflects the current role state.
type Directory struct {
	roles     RoleRegistry
	attrs     attrib.Provider
	role      string
	attribute string
	logger    zerolog.Logger
}

// New creates a directory over the given registry and attribute provider.
// Empty role or attribute fall back to the defaults.
func New(roles RoleRegistry, attrs attrib.Provider, role, attribute string) *Directory {
	if role == "" {
		role = DefaultRole
	}
	if attribute == "" {
		attribute = DefaultServersAttribute
	}
	return &Directory{
		roles:     roles,
		attrs:     attrs,
		role:      role,
		attribute: attribute,
		logger:    log.WithComponent("directory"),
	}
}

// Role returns the DNS-management role name
func (d *Directory) Role() string {
	return d.role
}

// Attribute returns the servers attribute name
func (d *Directory) Attribute() string {
	return d.attribute
}

// Resolve returns the first endpoint named name published by an active
// instance. Instances are scanned in registry order, endpoints in list order.
func (d *Directory) Resolve(ctx context.Context, name string) (types.ServiceEndpoint, error) {
	instances, err := d.roles.ListRoleInstances(ctx, d.role)
	if err != nil {
		return types.ServiceEndpoint{}, fmt.Errorf("list %s instances: %w", d.role, err)
	}

	for _, ri := range instances {
		if !ri.Active() {
			continue
		}

		endpoints, err := d.endpoints(ctx, ri)
		if err != nil {
			return types.ServiceEndpoint{}, err
		}
		for _, ep := range endpoints {
			if ep.Name == name {
				return ep, nil
			}
		}
	}

	return types.ServiceEndpoint{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// List returns every endpoint published by active instances, in resolve order
func (d *Directory) List(ctx context.Context) ([]types.ServiceEndpoint, error) {
	instances, err := d.roles.ListRoleInstances(ctx, d.role)
	if err != nil {
		return nil, fmt.Errorf("list %s instances: %w", d.role, err)
	}

	var all []types.ServiceEndpoint
	for _, ri := range instances {
		if !ri.Active() {
			continue
		}
		endpoints, err := d.endpoints(ctx, ri)
		if err != nil {
			return nil, err
		}
		all = append(all, endpoints...)
	}
	return all, nil
}

// endpoints decodes one instance's published list. A malformed payload is
// logged and treated as empty so one bad instance cannot hide the others.
func (d *Directory) endpoints(ctx context.Context, ri *types.RoleInstance) ([]types.ServiceEndpoint, error) {
	raw, ok, err := attrib.Get(ctx, d.attrs, d.attribute, attrib.InstanceScope(ri.ID))
	if err != nil {
		return nil, fmt.Errorf("read %s for instance %s: %w", d.attribute, ri.ID, err)
	}
	if !ok {
		return nil, nil
	}

	var endpoints []types.ServiceEndpoint
	if err := json.Unmarshal(raw, &endpoints); err != nil {
		d.logger.Warn().
			Err(err).
			Str("instance_id", ri.ID).
			Str("attribute", d.attribute).
			Msg("ignoring malformed service endpoint list")
		return nil, nil
	}
	return endpoints, nil
}
