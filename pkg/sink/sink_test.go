package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jmountifield/okta-to-humio/internal/testutil"
)

func rawEvents(events []string) []json.RawMessage {
	out := make([]json.RawMessage, len(events))
	for i, e := range events {
		out[i] = json.RawMessage(e)
	}
	return out
}

func TestStreamSink_Forward(t *testing.T) {
	var buf bytes.Buffer
	s := NewStreamSink(&buf)

	events := []json.RawMessage{
		json.RawMessage(`{"uuid": "a",
			"published": "2024-05-01T12:00:00.000Z"}`),
		json.RawMessage(`{"uuid":"b","nested":{"k":[1, 2]}}`),
	}

	if err := s.Forward(context.Background(), events); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	expected := `{"uuid":"a","published":"2024-05-01T12:00:00.000Z"}` + "\n" +
		`{"uuid":"b","nested":{"k":[1,2]}}` + "\n"
	if buf.String() != expected {
		t.Errorf("output = %q, want %q", buf.String(), expected)
	}
}

func TestStreamSink_EmptyBatch(t *testing.T) {
	var buf bytes.Buffer
	if err := NewStreamSink(&buf).Forward(context.Background(), nil); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("output = %q, want empty", buf.String())
	}
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestStreamSink_BrokenStream(t *testing.T) {
	s := NewStreamSink(brokenWriter{})

	err := s.Forward(context.Background(), rawEvents(testutil.Events("a", 2)))

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Forward() error = %v, want *DeliveryError", err)
	}
	if de.Sink != "stream" {
		t.Errorf("Sink = %q, want stream", de.Sink)
	}
}

func TestStreamSink_InvalidEvent(t *testing.T) {
	var buf bytes.Buffer
	err := NewStreamSink(&buf).Forward(context.Background(), []json.RawMessage{json.RawMessage(`{"a":`)})

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Forward() error = %v, want *DeliveryError", err)
	}
}

func TestNewHumioSink_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      HumioConfig
		expectError bool
		expectURL   string
	}{
		{
			name:      "valid",
			config:    DefaultHumioConfig("https://cloud.humio.com", "token"),
			expectURL: "https://cloud.humio.com/api/v1/ingest/humio-structured",
		},
		{
			name:      "server with path",
			config:    DefaultHumioConfig("https://logs.example.com/humio/", "token"),
			expectURL: "https://logs.example.com/api/v1/ingest/humio-structured",
		},
		{
			name:        "missing server",
			config:      DefaultHumioConfig("", "token"),
			expectError: true,
		},
		{
			name:        "bad scheme",
			config:      DefaultHumioConfig("cloud.humio.com", "token"),
			expectError: true,
		},
		{
			name:        "missing token",
			config:      DefaultHumioConfig("https://cloud.humio.com", ""),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewHumioSink(tt.config)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if s.IngestURL() != tt.expectURL {
				t.Errorf("IngestURL() = %q, want %q", s.IngestURL(), tt.expectURL)
			}
		})
	}
}

func TestHumioSink_Forward(t *testing.T) {
	mock := testutil.NewMockHumio()
	defer mock.Close()

	s, err := NewHumioSink(DefaultHumioConfig(mock.URL(), "ingest-token"))
	if err != nil {
		t.Fatalf("NewHumioSink() error = %v", err)
	}

	events := rawEvents(testutil.Events("a", 3))
	if err := s.Forward(context.Background(), events); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	requests := mock.GetRequests()
	if len(requests) != 1 {
		t.Fatalf("len(requests) = %d, want 1", len(requests))
	}
	req := requests[0]
	if req.Path != testutil.HumioIngestPath {
		t.Errorf("Path = %q, want %q", req.Path, testutil.HumioIngestPath)
	}
	if req.Authorization != "Bearer ingest-token" {
		t.Errorf("Authorization = %q, want Bearer ingest-token", req.Authorization)
	}
	if req.ContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", req.ContentType)
	}

	batches, err := mock.Batches()
	if err != nil {
		t.Fatalf("Batches() error = %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("len(batches) = %d, want 1", len(batches))
	}
	if batches[0].Tags["source"] != "okta-audit" {
		t.Errorf("source tag = %q, want okta-audit", batches[0].Tags["source"])
	}
	if len(batches[0].Events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(batches[0].Events))
	}
	first := batches[0].Events[0]
	if string(first.Timestamp) != `"2024-05-01T12:00:00.000Z"` {
		t.Errorf("timestamp = %s, want the event's published value", first.Timestamp)
	}
	if !strings.Contains(string(first.Attributes), `"uuid":"a-0"`) {
		t.Errorf("attributes = %s, want the original event", first.Attributes)
	}
}

func TestHumioSink_Rejected(t *testing.T) {
	mock := testutil.NewMockHumio()
	defer mock.Close()
	mock.SetStatus(http.StatusUnauthorized)

	s, err := NewHumioSink(DefaultHumioConfig(mock.URL(), "bad-token"))
	if err != nil {
		t.Fatalf("NewHumioSink() error = %v", err)
	}

	err = s.Forward(context.Background(), rawEvents(testutil.Events("a", 1)))

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Forward() error = %v, want *DeliveryError", err)
	}
	if de.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", de.StatusCode)
	}
	if errors.Is(err, ErrSinkTimeout) {
		t.Error("A rejection should not be a timeout")
	}
}

func TestHumioSink_Timeout(t *testing.T) {
	mock := testutil.NewMockHumio()
	defer mock.Close()
	mock.SetDelay(500 * time.Millisecond)

	cfg := DefaultHumioConfig(mock.URL(), "token")
	cfg.Timeout = 50 * time.Millisecond
	s, err := NewHumioSink(cfg)
	if err != nil {
		t.Fatalf("NewHumioSink() error = %v", err)
	}

	err = s.Forward(context.Background(), rawEvents(testutil.Events("a", 1)))
	if !errors.Is(err, ErrSinkTimeout) {
		t.Fatalf("Forward() error = %v, want ErrSinkTimeout", err)
	}

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Errorf("Forward() error = %T, want *DeliveryError", err)
	}
}

func TestHumioSink_MissingPublished(t *testing.T) {
	mock := testutil.NewMockHumio()
	defer mock.Close()

	s, err := NewHumioSink(DefaultHumioConfig(mock.URL(), "token"))
	if err != nil {
		t.Fatalf("NewHumioSink() error = %v", err)
	}

	events := []json.RawMessage{
		json.RawMessage(`{"uuid":"a","published":"2024-05-01T12:00:00.000Z"}`),
		json.RawMessage(`{"uuid":"b"}`),
	}

	err = s.Forward(context.Background(), events)
	if !errors.Is(err, errMissingTimestamp) {
		t.Fatalf("Forward() error = %v, want missing timestamp", err)
	}
	if n := len(mock.GetRequests()); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestHumioSink_EmptyBatch(t *testing.T) {
	mock := testutil.NewMockHumio()
	defer mock.Close()

	s, err := NewHumioSink(DefaultHumioConfig(mock.URL(), "token"))
	if err != nil {
		t.Fatalf("NewHumioSink() error = %v", err)
	}

	if err := s.Forward(context.Background(), nil); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if n := len(mock.GetRequests()); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestDeliveryError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *DeliveryError
		expected string
	}{
		{
			name:     "status",
			err:      &DeliveryError{Sink: "humio", StatusCode: 503, Body: "unavailable"},
			expected: "humio delivery failed (status 503): unavailable",
		},
		{
			name:     "wrapped",
			err:      &DeliveryError{Sink: "stream", Err: errors.New("write: broken pipe")},
			expected: "stream delivery failed: write: broken pipe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}
