// Package events provides an in-process publish/subscribe broker for DNS
// reconciliation activity. The reconciler publishes one event per entry
// outcome and the API streams them to "dnsmgmt events" watchers. Events are
// an audit trail only: delivery is best effort and nothing reconciles from
// them.
package events
