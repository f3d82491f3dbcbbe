// Package testutil provides testing utilities for the Okta relay.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogsPath is the System Log path served by MockOkta.
const LogsPath = "/api/v1/logs"

// MockOktaResponse defines a canned response for one cursor.
type MockOktaResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockOkta is a configurable mock of the Okta System Log endpoint. Page i is
// served for after=c<i>; the initial request (no after parameter) gets page 0.
// Requests past the last page get an empty array with a next link pointing
// back at the same cursor, as Okta does at the tail of the log.
type MockOkta struct {
	server    *httptest.Server
	mu        sync.RWMutex
	pages     [][]string
	overrides map[string]MockOktaResponse

	// Tracking
	RequestCount      int
	Requests          []string
	LastRequestHeader http.Header
}

// NewMockOkta creates a new mock Okta server.
func NewMockOkta() *MockOkta {
	mock := &MockOkta{
		overrides: make(map[string]MockOktaResponse),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.Requests = append(mock.Requests, r.URL.RequestURI())
		mock.LastRequestHeader = r.Header.Clone()
		mock.mu.Unlock()

		if r.URL.Path != LogsPath {
			writeResponse(w, MockOktaResponse{
				StatusCode: http.StatusNotFound,
				Body:       `{"errorCode":"E0000022","errorSummary":"The endpoint does not support the provided HTTP method","errorId":"oaeMock404","errorCauses":[]}`,
			})
			return
		}

		after := r.URL.Query().Get("after")

		mock.mu.RLock()
		override, exists := mock.overrides[after]
		mock.mu.RUnlock()

		if exists {
			writeResponse(w, override)
			return
		}

		mock.pageHandler(w, r, after)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockOkta) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockOkta) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockOkta) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.Requests = nil
	m.LastRequestHeader = nil
}

// SetPages replaces the served log. Each page is a list of JSON event objects.
func (m *MockOkta) SetPages(pages ...[]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = pages
}

// SetResponse overrides the response for the cursor token after
// ("" for the initial request).
func (m *MockOkta) SetResponse(after string, resp MockOktaResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[after] = resp
}

// ClearResponse removes the override for the cursor token after.
func (m *MockOkta) ClearResponse(after string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides, after)
}

// CursorURL returns the continuation URL that fetches page i.
func (m *MockOkta) CursorURL(i int, limit int) string {
	return fmt.Sprintf("%s%s?after=%s&limit=%d", m.server.URL, LogsPath, CursorToken(i), limit)
}

// CursorToken returns the after value of page i.
func CursorToken(i int) string {
	return "c" + strconv.Itoa(i)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockOkta) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetRequests returns the request URIs in arrival order.
func (m *MockOkta) GetRequests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.Requests...)
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockOkta) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader
}

func (m *MockOkta) pageHandler(w http.ResponseWriter, r *http.Request, after string) {
	index := 0
	if after != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(after, "c"))
		if err != nil || !strings.HasPrefix(after, "c") {
			writeResponse(w, MockOktaResponse{
				StatusCode: http.StatusBadRequest,
				Body:       `{"errorCode":"E0000001","errorSummary":"Api validation failed: after","errorId":"oaeMock400","errorCauses":[]}`,
			})
			return
		}
		index = n
	}

	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	m.mu.RLock()
	var events []string
	next := index
	if index < len(m.pages) {
		events = m.pages[index]
		next = index + 1
	}
	m.mu.RUnlock()

	self := r.URL.RequestURI()
	w.Header().Add("Link", fmt.Sprintf(`<%s%s>; rel="self"`, m.server.URL, self))
	w.Header().Add("Link", fmt.Sprintf(`<%s>; rel="next"`, m.CursorURL(next, limit)))
	setRateLimitHeaders(w.Header(), 600, 599)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("[" + strings.Join(events, ",") + "]"))
}

func writeResponse(w http.ResponseWriter, resp MockOktaResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func setRateLimitHeaders(h http.Header, limit, remaining int) {
	h.Set("X-Rate-Limit-Limit", strconv.Itoa(limit))
	h.Set("X-Rate-Limit-Remaining", strconv.Itoa(remaining))
	h.Set("X-Rate-Limit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
}

// Events returns n System Log events with distinct uuids and published times.
func Events(prefix string, n int) []string {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events := make([]string, n)
	for i := range events {
		published := base.Add(time.Duration(i) * time.Millisecond).Format("2006-01-02T15:04:05.000Z")
		events[i] = fmt.Sprintf(`{"uuid":"%s-%d","published":"%s","eventType":"user.session.start","severity":"INFO"}`, prefix, i, published)
	}
	return events
}

// NewRateLimitResponse creates the 429 Okta sends when the rate limit is hit.
func NewRateLimitResponse() MockOktaResponse {
	return MockOktaResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errorCode":"E0000047","errorSummary":"API call exceeded rate limit due to too many requests.","errorLink":"E0000047","errorId":"oaeMock429","errorCauses":[]}`,
		Headers: map[string]string{
			"X-Rate-Limit-Limit":     "600",
			"X-Rate-Limit-Remaining": "0",
			"X-Rate-Limit-Reset":     strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10),
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockOktaResponse {
	return MockOktaResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errorCode":"E0000009","errorSummary":"Internal Server Error","errorId":"oaeMock500","errorCauses":[]}`,
	}
}

// NewInvalidTokenResponse creates the 401 Okta sends for a bad API token.
func NewInvalidTokenResponse() MockOktaResponse {
	return MockOktaResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"errorCode":"E0000011","errorSummary":"Invalid token provided","errorId":"oaeMock401","errorCauses":[]}`,
	}
}

// NewMissingLinkResponse creates a 200 response carrying body and no Link header.
func NewMissingLinkResponse(body string) MockOktaResponse {
	return MockOktaResponse{
		StatusCode: http.StatusOK,
		Body:       body,
	}
}
