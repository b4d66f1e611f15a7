/*
Package api serves the dnsmgmt management API over gRPC.

The provisioning system drives DNS reconciliation through this API: it
reports nodes, network allocations, role instances and attributes, and the
server forwards each change to the reconciler. Operators apply DNS name
filters, trigger a resync and inspect the resulting entries.

# Wire format

Messages are plain Go structs carried by a JSON codec registered under the
"json" content subtype. ServiceDesc is declared by hand, so there is no
protobuf code generation step. The standard grpc.health.v1 service is
registered next to it.

# Listeners

	api_addr      all methods, mTLS when api_tls is set
	local_socket  List*, Get*, Watch* and health checks only

ReadOnlyInterceptor and ReadOnlyStreamInterceptor enforce the local socket
restriction. MetricsInterceptor records dnsmgmt_api_requests_total and
dnsmgmt_api_request_duration_seconds for every unary call.

# Errors

Domain errors are mapped to status codes: storage.ErrNotFound becomes
NotFound, invalid filters and addresses InvalidArgument, and an expired
service transition wait Unavailable.

# Health

HealthServer serves /health, /ready, /live and /metrics over plain HTTP
from the state kept in pkg/metrics.
*/
package api
