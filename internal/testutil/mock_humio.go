package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// HumioIngestPath is the structured ingest path served by MockHumio.
const HumioIngestPath = "/api/v1/ingest/humio-structured"

// HumioRequest is one recorded ingest call.
type HumioRequest struct {
	Path          string
	Authorization string
	ContentType   string
	Body          []byte
}

// HumioBatch mirrors one element of the structured ingest payload.
type HumioBatch struct {
	Tags   map[string]string `json:"tags"`
	Events []struct {
		Timestamp  json.RawMessage `json:"timestamp"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"events"`
}

// MockHumio is a configurable mock Humio ingest endpoint.
type MockHumio struct {
	server *httptest.Server
	mu     sync.RWMutex

	statusCode int
	delay      time.Duration
	requests   []HumioRequest
}

// NewMockHumio creates a new mock Humio server answering 200 OK.
func NewMockHumio() *MockHumio {
	mock := &MockHumio{statusCode: http.StatusOK}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mock.mu.Lock()
		mock.requests = append(mock.requests, HumioRequest{
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
			Body:          body,
		})
		status, delay := mock.statusCode, mock.delay
		mock.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if r.URL.Path != HumioIngestPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.WriteHeader(status)
		if status >= 300 {
			w.Write([]byte(`{"error":"ingest rejected"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockHumio) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockHumio) Close() {
	m.server.Close()
}

// SetStatus sets the status code answered for ingest calls.
func (m *MockHumio) SetStatus(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCode = code
}

// SetDelay delays every answer by d.
func (m *MockHumio) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// GetRequests returns the recorded ingest calls.
func (m *MockHumio) GetRequests() []HumioRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]HumioRequest(nil), m.requests...)
}

// Batches decodes every recorded request body.
func (m *MockHumio) Batches() ([]HumioBatch, error) {
	var all []HumioBatch
	for _, req := range m.GetRequests() {
		var batches []HumioBatch
		if err := json.Unmarshal(req.Body, &batches); err != nil {
			return nil, err
		}
		all = append(all, batches...)
	}
	return all, nil
}

// EventCount returns the number of events received across all requests.
func (m *MockHumio) EventCount() (int, error) {
	batches, err := m.Batches()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range batches {
		n += len(b.Events)
	}
	return n, nil
}
