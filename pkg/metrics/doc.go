/*
Package metrics exposes Prometheus collectors and component health for the
dnsmgmt daemon.

All collectors are registered with the default registry in init() and
served by Handler(). The main families are:

	dnsmgmt_dns_updates_total{action,result}       remote PATCH outcomes
	dnsmgmt_dns_update_duration_seconds{action}    remote PATCH latency, retries included
	dnsmgmt_reconcile_duration_seconds{trigger}    lifecycle trigger handling time
	dnsmgmt_entries_total{synced}                  DNS name entries by sync state
	dnsmgmt_api_requests_total{method,status}      lifecycle API calls
	dnsmgmt_service_endpoint_up{name,url}          published endpoint probe state

Inventory gauges are sampled from the store by Collector every 15 seconds.

Timer wraps the usual start/observe pattern:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconcileDuration, "on_active")

The health registry backs the /health, /ready and /live endpoints. Readiness
waits for the store, reconciler and api components; other components only
affect /health.
*/
package metrics
