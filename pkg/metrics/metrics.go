package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dnsmgmt_nodes_total",
			Help: "Total number of known nodes",
		},
	)

	AllocationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dnsmgmt_network_allocations_total",
			Help: "Total number of network allocations by address family",
		},
		[]string{"family"},
	)

	FiltersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dnsmgmt_dns_name_filters_total",
			Help: "Total number of DNS name filters",
		},
	)

	EntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dnsmgmt_entries_total",
			Help: "Total number of DNS name entries by sync state",
		},
		[]string{"synced"},
	)

	PendingRemovesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dnsmgmt_pending_removes",
			Help: "Published records whose remote REMOVE is still deferred",
		},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dnsmgmt_reconcile_duration_seconds",
			Help:    "Time taken to handle a lifecycle trigger in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)

	EntryOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsmgmt_entry_operations_total",
			Help: "Total number of entry level reconcile outcomes",
		},
		[]string{"outcome"},
	)

	// Remote DNS update metrics
	DNSUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsmgmt_dns_updates_total",
			Help: "Total number of remote DNS updates by action and result",
		},
		[]string{"action", "result"},
	)

	DNSUpdateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dnsmgmt_dns_update_duration_seconds",
			Help:    "Remote DNS update duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsmgmt_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dnsmgmt_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Directory endpoint probes
	EndpointUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dnsmgmt_service_endpoint_up",
			Help: "Whether a published DNS-management endpoint answered its last probes (1) or not (0)",
		},
		[]string{"name", "url"},
	)
)

// Remote update results
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultSkipped  = "skipped"
	ResultNotFound = "not_found"
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(FiltersTotal)
	prometheus.MustRegister(EntriesTotal)
	prometheus.MustRegister(PendingRemovesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(EntryOperationsTotal)
	prometheus.MustRegister(DNSUpdatesTotal)
	prometheus.MustRegister(DNSUpdateDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(EndpointUp)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
