// Package metrics provides the centralized Prometheus metrics registry for
// the fetch engine. All metrics are defined in their respective packages
// (client, archive, ratelimit) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the fetch engine.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler exposes the registry for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - trawl_rate_remaining (Gauge): Remaining request budget on the active token
//   - trawl_rate_sleeps_total (Counter): Times the governor slept until a reset
//   - trawl_rate_exhausted_total (Counter): Requests refused with all tokens exhausted
//   - trawl_rate_token_rotations_total (Counter): Token pool rotations
//
// Archive Metrics (pkg/archive):
//   - trawl_archive_appends_total (Counter): Responses captured during live fetch
//   - trawl_archive_replays_total (Counter): Responses served from the archive
//   - trawl_archive_errors_total{kind} (Counter): Replay failures (drift, exhausted)
//
// Request Metrics (pkg/client):
//   - trawl_requests_total{mode, status} (Counter): Requests by transport mode and outcome
//   - trawl_request_duration_seconds{mode} (Histogram): Request duration
//   - trawl_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - trawl_retries_total{error_class} (Counter): Retry attempts by error class
//   - trawl_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - trawl_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Replay ratio
//   rate(trawl_archive_replays_total[5m]) / rate(trawl_requests_total[5m])
//
//   # Budget pressure
//   trawl_rate_remaining < 20
//
//   # Request error rate
//   rate(trawl_errors_total[5m])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(trawl_request_duration_seconds_bucket[5m]))
