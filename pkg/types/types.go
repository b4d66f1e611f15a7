package types

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Node represents a provisioned machine that owns network allocations
type Node struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"` // Fully qualified host name, e.g. host1.example.com
	Roles     []string  `json:"roles,omitempty"`
	TenantID  int64     `json:"tenant_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShortName returns the first label of the node name
func (n *Node) ShortName() string {
	short, _, _ := strings.Cut(n.Name, ".")
	return short
}

// NetworkAllocation is a node's assigned address on a network.
// Owned by the provisioning system; this module only marks it while deleting.
type NetworkAllocation struct {
	ID              string    `json:"id"`
	NodeID          string    `json:"node_id"`
	Network         string    `json:"network"`
	NetworkCategory string    `json:"network_category,omitempty"`
	Address         string    `json:"address"` // CIDR (10.0.0.5/24) or bare IP
	TenantID        int64     `json:"tenant_id"`
	Deleting        bool      `json:"deleting,omitempty"` // Set while a delete is in progress; no records are added for it
	CreatedAt       time.Time `json:"created_at"`
}

// Addr parses the allocation address, dropping any prefix length
func (a *NetworkAllocation) Addr() (netip.Addr, error) {
	if strings.Contains(a.Address, "/") {
		prefix, err := netip.ParsePrefix(a.Address)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("invalid allocation address %q: %w", a.Address, err)
		}
		return prefix.Addr(), nil
	}

	addr, err := netip.ParseAddr(a.Address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid allocation address %q: %w", a.Address, err)
	}
	return addr, nil
}

// IP returns the textual address without prefix length, or "" if unparsable
func (a *NetworkAllocation) IP() string {
	addr, err := a.Addr()
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// Family returns 4 or 6 for the allocation address, 0 if unparsable
func (a *NetworkAllocation) Family() int {
	addr, err := a.Addr()
	if err != nil {
		return 0
	}
	if addr.Unmap().Is4() {
		return 4
	}
	return 6
}

// Selector decides which allocations a DNS name filter claims.
// Empty fields match everything.
type Selector struct {
	Networks   []string `json:"networks,omitempty" yaml:"networks,omitempty"`     // glob patterns on network name
	Categories []string `json:"categories,omitempty" yaml:"categories,omitempty"` // glob patterns on network category
	Roles      []string `json:"roles,omitempty" yaml:"roles,omitempty"`           // node must carry a role matching one of these
	Tenants    []int64  `json:"tenants,omitempty" yaml:"tenants,omitempty"`
	Family     int      `json:"family,omitempty" yaml:"family,omitempty"` // 4, 6 or 0 for both
}

// DNSNameFilter maps allocations matching a selector to a DNS service and naming template
type DNSNameFilter struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Priority int      `json:"priority" yaml:"priority"`
	Service  string   `json:"service" yaml:"service"`   // Logical DNS-management service name
	Template string   `json:"template" yaml:"template"` // e.g. {{node.short_name}}.example.com
	RRType   string   `json:"rr_type,omitempty" yaml:"rr_type,omitempty"`
	Selector Selector `json:"selector" yaml:"selector"`
}

// DNSNameEntry is a DNS record materialized for one (allocation, filter) pair
type DNSNameEntry struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"` // host.domain
	RRType              string    `json:"rr_type"`
	TenantID            int64     `json:"tenant_id"`
	NetworkAllocationID string    `json:"network_allocation_id"`
	FilterID            string    `json:"filter_id"`
	Service             string    `json:"service"`
	Address             string    `json:"address"`                  // Published content, kept so REMOVE works after the allocation is gone
	Synced              bool      `json:"synced"`                   // False while the remote ADD is deferred
	PendingRemove       bool      `json:"pending_remove,omitempty"` // Allocation or filter gone, REMOVE deferred; deleted once it applies
	Stale               []Record  `json:"stale,omitempty"`          // Replaced records still waiting for their REMOVE
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Record returns the record the entry publishes
func (e *DNSNameEntry) Record() Record {
	return Record{
		Name:     e.Name,
		RRType:   e.RRType,
		TenantID: e.TenantID,
		Service:  e.Service,
		Address:  e.Address,
	}
}

// NeedsRetry reports whether a remote change for the entry is outstanding
func (e *DNSNameEntry) NeedsRetry() bool {
	return !e.Synced || e.PendingRemove || len(e.Stale) > 0
}

// Record is one remote DNS record
type Record struct {
	Name     string `json:"name"`
	RRType   string `json:"rr_type"`
	TenantID int64  `json:"tenant_id"`
	Service  string `json:"service"`
	Address  string `json:"address"`
}

// RoleInstanceState is the lifecycle state of a role instance
type RoleInstanceState string

const (
	RoleInstanceProposed RoleInstanceState = "proposed"
	RoleInstanceBlocked  RoleInstanceState = "blocked"
	RoleInstanceTodo     RoleInstanceState = "todo"
	RoleInstanceActive   RoleInstanceState = "active"
	RoleInstanceError    RoleInstanceState = "error"
)

// RoleInstance is one deployed instance of a role on a node
type RoleInstance struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	NodeID    string            `json:"node_id,omitempty"`
	State     RoleInstanceState `json:"state"`
	Seq       uint64            `json:"seq"` // Creation order, assigned by the store
	UpdatedAt time.Time         `json:"updated_at"`
}

// Active reports whether the instance is in the active lifecycle state
func (ri *RoleInstance) Active() bool {
	return ri.State == RoleInstanceActive
}

// ServiceEndpoint is a DNS-management service published by a role instance
type ServiceEndpoint struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ChangeType is the remote record operation
type ChangeType string

const (
	ChangeAdd    ChangeType = "ADD"
	ChangeRemove ChangeType = "REMOVE"
)

// UpdateRequest is the wire intent sent to the DNS-management service.
// Zone travels in the URL path, not the body.
type UpdateRequest struct {
	Zone       string     `json:"-"`
	TenantID   int64      `json:"tenant_id"`
	ChangeType ChangeType `json:"changetype"`
	Name       string     `json:"name"`
	Content    string     `json:"content"`
	Type       string     `json:"type"`
}
