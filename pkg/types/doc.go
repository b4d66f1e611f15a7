/*
Package types defines the data structures shared by every dnsmgmt package.

The types mirror the provisioning system's view of the world: nodes own
network allocations, DNS name filters decide which allocations deserve a DNS
record, and DNS name entries are the records this module materializes and
pushes to a remote DNS-management service.

# Core Types

Provisioning (read-only to dnsmgmt):
  - Node: a provisioned machine with roles and a tenant
  - NetworkAllocation: an address (CIDR or bare IP) assigned to a node on a network
  - RoleInstance: a deployed role on a node, with lifecycle state

Configuration:
  - DNSNameFilter: selector + naming template + target service + RR type
  - Selector: network/category/role globs, tenant list, address family

Managed state:
  - DNSNameEntry: one record per (allocation, filter) pair

Wire:
  - ServiceEndpoint: {name, url} published by a DNS-management role instance
  - UpdateRequest: PATCH body sent to {url}/zones/{zone}
  - ChangeType: ADD or REMOVE

# Relationships

	Node 1 ──── * NetworkAllocation 1 ──── * DNSNameEntry * ──── 1 DNSNameFilter

The entry → allocation link is weak. An allocation can disappear before its
entries are cleaned up, so an entry keeps the address it published and can
still issue a REMOVE on its own.

# Usage

	alloc := &types.NetworkAllocation{
		ID:       "na-1",
		NodeID:   "node-1",
		Network:  "admin",
		Address:  "10.0.0.5/24",
		TenantID: 3,
	}
	alloc.IP()     // "10.0.0.5"
	alloc.Family() // 4

All types are JSON-serializable; bbolt stores them as JSON and the lifecycle
API carries them as JSON over gRPC.
*/
package types
