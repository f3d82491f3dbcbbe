package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// StreamSink writes every event as one compact JSON line.
type StreamSink struct {
	w io.Writer
}

// NewStreamSink creates a sink writing to w (normally stdout).
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: w}
}

// Name implements Sink.
func (s *StreamSink) Name() string {
	return "stream"
}

// Forward implements Sink. Events are written in order; any write error
// fails the batch.
func (s *StreamSink) Forward(_ context.Context, events []json.RawMessage) error {
	start := time.Now()

	bw := bufio.NewWriter(s.w)
	var line bytes.Buffer
	for i, event := range events {
		line.Reset()
		if err := json.Compact(&line, event); err != nil {
			err = &DeliveryError{Sink: s.Name(), Err: fmt.Errorf("event %d: %w", i, err)}
			sinkFailuresTotal.WithLabelValues(s.Name(), failureReason(err)).Inc()
			return err
		}
		line.WriteByte('\n')
		if _, err := bw.Write(line.Bytes()); err != nil {
			return s.fail(err)
		}
	}
	if err := bw.Flush(); err != nil {
		return s.fail(err)
	}

	sinkDeliverySeconds.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	eventsForwardedTotal.WithLabelValues(s.Name()).Add(float64(len(events)))
	return nil
}

func (s *StreamSink) fail(err error) error {
	err = &DeliveryError{Sink: s.Name(), Err: fmt.Errorf("write: %w", err)}
	sinkFailuresTotal.WithLabelValues(s.Name(), failureReason(err)).Inc()
	return err
}
