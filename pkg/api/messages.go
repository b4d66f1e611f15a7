package api

import (
	"encoding/json"

	"github.com/cuemby/dnsmgmt/pkg/events"
	"github.com/cuemby/dnsmgmt/pkg/types"
)

// Ack is returned by mutations that carry no result
type Ack struct {
	Status string `json:"status"`
}

type PutNodeRequest struct {
	Node *types.Node `json:"node"`
}

type PutAllocationRequest struct {
	Allocation *types.NetworkAllocation `json:"allocation"`
}

type DeleteAllocationRequest struct {
	ID string `json:"id"`
}

type PutRoleInstanceRequest struct {
	Instance *types.RoleInstance `json:"instance"`
}

// SetAttributeRequest stores a raw JSON attribute value under name and scope
type SetAttributeRequest struct {
	Name  string          `json:"name"`
	Scope string          `json:"scope"`
	Value json.RawMessage `json:"value"`
}

// ApplyFiltersRequest upserts filters. With Prune, stored filters not in
// the request are deleted.
type ApplyFiltersRequest struct {
	Filters []*types.DNSNameFilter `json:"filters"`
	Prune   bool                   `json:"prune,omitempty"`
}

type ApplyFiltersResponse struct {
	Applied []string `json:"applied"`
	Removed []string `json:"removed,omitempty"`
}

type DeleteFilterRequest struct {
	ID string `json:"id"`
}

// ActivateServiceRequest waits for the role to publish its servers, then
// runs a full resync. An empty role selects the configured one.
type ActivateServiceRequest struct {
	Role string `json:"role,omitempty"`
}

type ResyncRequest struct{}

type ListNodesRequest struct{}

type ListNodesResponse struct {
	Nodes []*types.Node `json:"nodes"`
}

type ListAllocationsRequest struct {
	NodeID string `json:"node_id,omitempty"`
}

type ListAllocationsResponse struct {
	Allocations []*types.NetworkAllocation `json:"allocations"`
}

type ListFiltersRequest struct{}

type ListFiltersResponse struct {
	Filters []*types.DNSNameFilter `json:"filters"`
}

type ListEntriesRequest struct {
	AllocationID string `json:"allocation_id,omitempty"`
	PendingOnly  bool   `json:"pending_only,omitempty"`
}

type ListEntriesResponse struct {
	Entries []*types.DNSNameEntry `json:"entries"`
}

type GetEntryRequest struct {
	ID string `json:"id"`
}

// WatchEventsRequest subscribes to reconciler events. Empty Types means all.
type WatchEventsRequest struct {
	Types []events.EventType `json:"types,omitempty"`
}
