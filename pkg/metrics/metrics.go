// Package metrics provides the centralized Prometheus metrics registry for the
// FHIR client. All metrics are defined in their respective packages (client,
// auth, ratelimit, cache, pagination, graph) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the FHIR client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - fhir_requests_total{resource_type, status} (Counter): Total requests by resource type and HTTP status
//   - fhir_request_duration_seconds{resource_type} (Histogram): Request duration by resource type
//   - fhir_request_errors_total{error_class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - fhir_request_retries_total{error_class} (Counter): Retry attempts by error class
//   - fhir_retry_backoff_seconds{error_class} (Histogram): Backoff duration between attempts
//   - fhir_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Token Metrics (pkg/auth):
//   - fhir_token_refreshes_total (Counter): Upstream token refresh calls
//   - fhir_token_refresh_errors_total (Counter): Failed token refresh calls
//
// Rate Limit Metrics (pkg/ratelimit):
//   - fhir_ratelimit_waits_total (Counter): Requests delayed by the token bucket
//   - fhir_ratelimit_penalties_total (Counter): Server-directed penalty windows applied
//   - fhir_ratelimit_penalty_seconds (Gauge): Length of the most recent penalty window
//
// Cache Metrics (pkg/cache):
//   - fhir_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - fhir_cache_misses_total{layer="redis"} (Counter): Cache misses by layer
//   - fhir_cache_revalidations_total (Counter): 304 Not Modified responses serving cached bodies
//   - fhir_cache_errors_total{operation} (Counter): Cache operation errors
//
// Pagination Metrics (pkg/pagination):
//   - fhir_pagination_pages_scanned_total (Counter): Id-projection pages fetched during paged walks
//   - fhir_pagination_batches_delivered_total (Counter): Hydrated batches delivered in page order
//   - fhir_pagination_fetch_duration_seconds (Histogram): Duration of complete paged walks
//
// Graph Metrics (pkg/graph):
//   - fhir_graph_resolves_total (Counter): Graph resolve operations started
//   - fhir_graph_resolve_duration_seconds (Histogram): Duration of complete resolve operations
//   - fhir_graph_branch_errors_total (Counter): Branches folded into inline error records
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(fhir_cache_hits_total[5m])) /
//   (sum(rate(fhir_cache_hits_total[5m])) + sum(rate(fhir_cache_misses_total[5m])))
//
//   # Request Error Rate
//   rate(fhir_request_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(fhir_request_duration_seconds_bucket[5m]))
//
//   # Revalidation Rate
//   rate(fhir_cache_revalidations_total[5m]) / rate(fhir_requests_total[5m])
//
//   # Graph Branch Error Ratio
//   rate(fhir_graph_branch_errors_total[5m]) / rate(fhir_graph_resolves_total[5m])
//
//   # Penalty Window Status
//   fhir_ratelimit_penalty_seconds > 0
