/*
Package filter decides which network allocations get a DNS name and renders it.

A DNS name filter pairs a selector (network and category globs, node roles,
tenants, address family) with a naming template and the DNS-management
service that owns the zone. Engine.Claim evaluates filters against one
allocation in the order given (the store lists them by priority) and returns
an Intent for each match:

	intents := filter.NewEngine().Claim(alloc, node, filters)
	for _, in := range intents {
		host, zone := filter.SplitName(in.Name)
		...
	}

Rendered names are normalized: lower case, no trailing dot, and at least a
host and a domain label. A template that cannot produce a valid name for an
allocation skips that filter for that allocation only.
*/
package filter
