/*
Package reconciler keeps DNS name entries and the records published on the
DNS-management service consistent with network allocations.

The provisioning system drives it through four lifecycle triggers:

	OnActive                   full resync of every allocation
	OnNodeChange               re-claim the node's allocations
	OnNetworkAllocationCreate  claim one allocation
	OnNetworkAllocationDelete  destroy the allocation's entries

Claiming evaluates every DNS name filter against the allocation. A claiming
filter with no entry gets one, a changed record is removed and re-added,
and an entry whose filter stopped claiming is destroyed.

Entries are stored before their remote ADD and carry a Synced flag that is
only set once the DNS service accepted the record. Destroying an entry
issues the remote REMOVE first; the local entry is deleted only when the
REMOVE succeeded or the record was never published. A REMOVE failure keeps
the entry and is returned to the caller. A REMOVE deferred because the
service is not published keeps the entry as a pending remove, and a renamed
record whose REMOVE was deferred is kept on the entry as a stale record.
Both are removed by the next RetryPending or OnActive that reaches the
service.

An allocation marked deleting is never claimed; every trigger that reaches
it destroys its entries instead.

All triggers hold one lock, so events are applied one at a time. Start runs
a background loop that retries entries with an outstanding remote change.
*/
package reconciler
