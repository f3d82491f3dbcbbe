// Package client provides the Okta System Log HTTP client with SSWS
// authentication, rate limit tracking, and error classification.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmountifield/okta-to-humio/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Okta client operations.
var (
	oktaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "okta_requests_total",
		Help: "Total Okta System Log requests by status",
	}, []string{"status"})

	oktaRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "okta_request_duration_seconds",
		Help:    "Okta System Log request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	oktaErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "okta_errors_total",
		Help: "Total Okta errors by class",
	}, []string{"class"})
)

// DefaultUserAgent identifies the relay to Okta.
const DefaultUserAgent = "okta-relay/1.0"

// Client is an Okta API client owned by one run.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	orgURL      *url.URL
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// OrgURL is the Okta org base URL, e.g. "https://example.okta.com".
	OrgURL string

	// APIKey is sent as "Authorization: SSWS <APIKey>".
	APIKey string

	// UserAgent header.
	UserAgent string

	// Timeout bounds a single request.
	Timeout time.Duration

	// RateLimiter records X-Rate-Limit-* headers. Optional.
	RateLimiter *ratelimit.Tracker

	// HTTPClient overrides the transport. Optional; a fresh client is
	// constructed per Client otherwise.
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(orgURL, apiKey string) Config {
	return Config{
		OrgURL:    orgURL,
		APIKey:    apiKey,
		UserAgent: DefaultUserAgent,
		Timeout:   30 * time.Second,
	}
}

// New creates a new Okta client.
func New(cfg Config) (*Client, error) {
	if cfg.OrgURL == "" {
		return nil, fmt.Errorf("org url is required")
	}

	orgURL, err := url.Parse(cfg.OrgURL)
	if err != nil {
		return nil, fmt.Errorf("parse org url: %w", err)
	}
	if orgURL.Scheme != "https" && orgURL.Scheme != "http" {
		return nil, fmt.Errorf("org url must be http(s) (got %q)", cfg.OrgURL)
	}
	if orgURL.Host == "" {
		return nil, fmt.Errorf("org url must include a host (got %q)", cfg.OrgURL)
	}
	if !strings.HasSuffix(orgURL.Path, "/") {
		orgURL.Path += "/"
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	logger := log.With().Str("component", "okta-client").Str("org", orgURL.Host).Logger()

	return &Client{
		httpClient:  httpClient,
		rateLimiter: cfg.RateLimiter,
		orgURL:      orgURL,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Do performs an authenticated request and records rate limit headers.
// The caller owns the response body and interprets its status.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	startTime := time.Now()
	defer func() {
		oktaRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	req.Header.Set("Authorization", "SSWS "+c.config.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Msg("Executing Okta request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("path", req.URL.Path).Msg("HTTP request failed")
		oktaErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		oktaRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, &UpstreamError{ErrorClass: ErrorClassNetwork, Err: err}
	}

	oktaRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if resp.StatusCode >= 400 {
		class := ErrorClassUpstream
		if resp.StatusCode == http.StatusTooManyRequests {
			class = ErrorClassRateLimit
		}
		oktaErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Okta request error")
	}

	return resp, nil
}

// Get performs a GET request to an absolute URL.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	return c.Do(req)
}

// OrgURL returns a copy of the org base URL, always ending in "/".
func (c *Client) OrgURL() *url.URL {
	u := *c.orgURL
	return &u
}

// Close releases idle connections held by the client's transport.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
