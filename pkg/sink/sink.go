// Package sink delivers System Log batches downstream: as NDJSON lines on a
// stream, or as one structured ingest call to Humio per batch.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for sink deliveries.
var (
	eventsForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_forwarded_total",
		Help: "Total events delivered by sink",
	}, []string{"sink"})

	sinkDeliverySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_sink_delivery_seconds",
		Help:    "Batch delivery duration in seconds by sink",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"sink"})

	sinkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sink_failures_total",
		Help: "Total failed batch deliveries by sink and reason",
	}, []string{"sink", "reason"})
)

// Sink is the destination of forwarded batches. Forward is called once per
// batch and either delivers the whole batch or returns an error.
type Sink interface {
	Forward(ctx context.Context, events []json.RawMessage) error
	Name() string
}

// ErrSinkTimeout is returned when a delivery exceeds its timeout.
var ErrSinkTimeout = errors.New("sink delivery timed out")

// DeliveryError represents a failed delivery.
type DeliveryError struct {
	Sink string

	// StatusCode is the HTTP status of a rejected ingest call, 0 otherwise.
	StatusCode int

	// Body is a bounded copy of the rejection body.
	Body string

	Err error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("%s delivery failed", e.Sink)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func failureReason(err error) string {
	var de *DeliveryError
	switch {
	case errors.Is(err, ErrSinkTimeout):
		return "timeout"
	case errors.As(err, &de) && de.StatusCode != 0:
		return "status"
	case errors.As(err, &de) && errors.Is(de.Err, errMissingTimestamp):
		return "invalid_event"
	default:
		return "error"
	}
}
