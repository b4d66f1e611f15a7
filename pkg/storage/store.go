package storage

import (
	"context"
	"errors"

	"github.com/cuemby/dnsmgmt/pkg/types"
)

var (
	// ErrNotFound is returned when a keyed object does not exist
	ErrNotFound = errors.New("not found")

	// ErrEntryExists is returned when an entry already exists for an (allocation, filter) pair
	ErrEntryExists = errors.New("dns name entry already exists for allocation and filter")
)

// Store defines the interface for dnsmgmt state storage.
// Implemented by BoltStore.
type Store interface {
	// Nodes
	PutNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	// Network allocations
	PutAllocation(alloc *types.NetworkAllocation) error
	GetAllocation(id string) (*types.NetworkAllocation, error)
	ListAllocations() ([]*types.NetworkAllocation, error)
	ListAllocationsByNode(nodeID string) ([]*types.NetworkAllocation, error)
	DeleteAllocation(id string) error

	// DNS name filters
	PutFilter(filter *types.DNSNameFilter) error
	GetFilter(id string) (*types.DNSNameFilter, error)
	ListFilters() ([]*types.DNSNameFilter, error)
	DeleteFilter(id string) error

	// DNS name entries, unique on (allocation, filter)
	CreateEntry(entry *types.DNSNameEntry) error
	GetEntry(id string) (*types.DNSNameEntry, error)
	GetEntryFor(allocationID, filterID string) (*types.DNSNameEntry, error)
	ListEntries() ([]*types.DNSNameEntry, error)
	ListEntriesByAllocation(allocationID string) ([]*types.DNSNameEntry, error)
	UpdateEntry(entry *types.DNSNameEntry) error
	DeleteEntry(id string) error

	// Role instances, listed in creation order
	PutRoleInstance(ri *types.RoleInstance) error
	GetRoleInstance(id string) (*types.RoleInstance, error)
	ListRoleInstances(ctx context.Context, role string) ([]*types.RoleInstance, error)
	DeleteRoleInstance(id string) error

	// Scoped attributes
	SetAttribute(name, scope string, value []byte) error
	GetAttribute(ctx context.Context, name, scope string) ([]byte, error)

	// Utility
	Close() error
}
