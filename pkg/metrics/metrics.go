// Package metrics provides the Prometheus registry used by the relay and a
// Pushgateway helper for short-lived runs.
// All metrics are defined in their respective packages (client, ratelimit,
// pagination, sink, checkpoint, relay) to keep those packages self-contained.
package metrics

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry is the default Prometheus registry used by the relay.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source pushed by Push.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Push sends every registered metric to the Pushgateway at url under the
// given job name. A scheduled run exits before any scraper could reach it,
// so this is the only way its counters leave the process.
func Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}

	pusher := push.New(url, job).Gatherer(Gatherer)
	if host, err := os.Hostname(); err == nil {
		pusher = pusher.Grouping("instance", host)
	}

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

// Metrics Documentation
//
// Upstream Metrics (pkg/client):
//   - okta_requests_total{status} (Counter): System Log requests by HTTP status
//   - okta_request_duration_seconds (Histogram): request latency
//   - okta_errors_total{class} (Counter): classified errors (rate_limit, upstream, pagination, decode, network)
//
// Rate Limit Metrics (pkg/ratelimit):
//   - okta_rate_limit_remaining (Gauge): X-Rate-Limit-Remaining of the last response
//   - okta_rate_limit_blocks_total (Counter): fetches skipped because the window was exhausted
//
// Pagination Metrics (pkg/pagination):
//   - okta_pages_total{status} (Counter): pages by outcome (ok, end, rate_limited, error)
//   - okta_page_events (Histogram): events per page
//
// Sink Metrics (pkg/sink):
//   - relay_events_forwarded_total{sink} (Counter)
//   - relay_sink_delivery_seconds{sink} (Histogram)
//   - relay_sink_failures_total{sink, reason} (Counter)
//
// Checkpoint Metrics (pkg/checkpoint):
//   - relay_checkpoint_writes_total{backend, result} (Counter)
//   - relay_checkpoint_last_success_timestamp_seconds{backend} (Gauge)
//
// Run Metrics (pkg/relay):
//   - relay_runs_total{state, reason} (Counter)
//   - relay_batches_total (Counter)
//   - relay_run_duration_seconds (Histogram)
//
// Example Prometheus Queries:
//
//   # Runs that ended in failure
//   sum(increase(relay_runs_total{state="failed"}[1d])) by (reason)
//
//   # Checkpoint staleness
//   time() - relay_checkpoint_last_success_timestamp_seconds
