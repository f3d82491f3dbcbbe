// Package checkpoint persists the relay cursor: the continuation URL of the
// next System Log page. A cursor is saved only after the batch before it has
// been forwarded, so a stored cursor never points past undelivered events.
//
// Two stores are provided:
//   - FileStore keeps the cursor in the JSON config file under
//     "continuation-url", rewriting the file atomically.
//   - TableStore keeps one record per Okta org in a key-value table
//     (Redis hash or DynamoDB item) with a "last_query_url" attribute.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for checkpoint persistence.
var (
	checkpointWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_checkpoint_writes_total",
		Help: "Total checkpoint writes by backend and result",
	}, []string{"backend", "result"})

	checkpointLastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_checkpoint_last_success_timestamp_seconds",
		Help: "Unix time of the last successful checkpoint write by backend",
	}, []string{"backend"})
)

var (
	// ErrEmptyCursor is returned when saving an empty cursor.
	ErrEmptyCursor = errors.New("cursor cannot be empty")

	// ErrProbeMismatch is returned when a probe record reads back differently.
	ErrProbeMismatch = errors.New("probe record read back a different value")
)

// Store is a durable key to cursor mapping. Save either replaces the stored
// cursor or leaves the previous one intact.
type Store interface {
	// Load returns the stored cursor; ok is false when none exists.
	Load(ctx context.Context, key string) (cursor string, ok bool, err error)

	// Save stores cursor under key.
	Save(ctx context.Context, key, cursor string) error
}

// Prober is implemented by stores that can verify read and write access
// before a run starts.
type Prober interface {
	Probe(ctx context.Context) error
}

func recordWrite(backend string, err error) {
	if err != nil {
		checkpointWritesTotal.WithLabelValues(backend, "error").Inc()
		return
	}
	checkpointWritesTotal.WithLabelValues(backend, "success").Inc()
	checkpointLastSuccess.WithLabelValues(backend).Set(float64(time.Now().Unix()))
}
