package pagination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jmountifield/okta-to-humio/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxPageLimit is the largest limit the System Log accepts, and the one used.
const MaxPageLimit = 1000

// LogsPath is the System Log endpoint relative to the org URL.
const LogsPath = "api/v1/logs"

// DefaultMaxBodyBytes bounds the size of one page body.
const DefaultMaxBodyBytes = 64 << 20

// ErrForeignCursor is returned for a cursor that does not point at the org,
// so the API key is never sent to another host.
var ErrForeignCursor = errors.New("cursor does not belong to the configured org")

// Prometheus metrics for pagination.
var (
	oktaPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "okta_pages_total",
		Help: "Total System Log pages fetched by outcome",
	}, []string{"status"})

	oktaPageEvents = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "okta_page_events",
		Help:    "Number of events per fetched page",
		Buckets: []float64{0, 1, 10, 100, 250, 500, 750, 1000},
	})
)

// Status is the outcome of one fetch.
type Status string

const (
	// StatusOK is a non-empty page with a next cursor.
	StatusOK Status = "ok"

	// StatusEnd is an empty page: no new events yet.
	StatusEnd Status = "end"

	// StatusRateLimited means Okta refused the request for rate limiting.
	StatusRateLimited Status = "rate_limited"

	// StatusError is any other failure.
	StatusError Status = "error"
)

// StatusOf maps the result of Fetch to a Status.
func StatusOf(page *Page, err error) Status {
	switch {
	case errors.Is(err, client.ErrRateLimited):
		return StatusRateLimited
	case err != nil:
		return StatusError
	case page == nil || len(page.Events) == 0:
		return StatusEnd
	default:
		return StatusOK
	}
}

// Fetcher is the interface the Okta client implements for single requests.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
}

// Config holds pager configuration.
type Config struct {
	// OrgURL is the base every initial URL is resolved against.
	OrgURL *url.URL

	// Limit is the page size requested on a cold start.
	Limit int

	// MaxBodyBytes bounds one response body.
	MaxBodyBytes int64
}

// DefaultConfig returns the configuration used by the relay.
func DefaultConfig(orgURL *url.URL) Config {
	return Config{
		OrgURL:       orgURL,
		Limit:        MaxPageLimit,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Page is one batch of events and the cursor that follows it.
type Page struct {
	// URL is the URL this page was fetched from.
	URL string

	// Events are the raw event objects in upstream order.
	Events []json.RawMessage

	// Next is the absolute rel="next" URL.
	Next string
}

// Pager fetches System Log pages.
type Pager struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// NewPager creates a pager.
func NewPager(fetcher Fetcher, cfg Config) (*Pager, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.OrgURL == nil || cfg.OrgURL.Host == "" {
		return nil, fmt.Errorf("org url is required")
	}
	if cfg.Limit == 0 {
		cfg.Limit = MaxPageLimit
	}
	if cfg.Limit < 0 || cfg.Limit > MaxPageLimit {
		return nil, fmt.Errorf("limit must be between 1 and %d (got %d)", MaxPageLimit, cfg.Limit)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return &Pager{
		fetcher: fetcher,
		config:  cfg,
		logger:  log.With().Str("component", "pager").Logger(),
	}, nil
}

// Limit returns the page size. A page shorter than this is treated as the
// tail of the log.
func (p *Pager) Limit() int {
	return p.config.Limit
}

// InitialURL returns the URL fetched when no cursor is stored.
func (p *Pager) InitialURL() string {
	ref := &url.URL{
		Path:     LogsPath,
		RawQuery: url.Values{"limit": {strconv.Itoa(p.config.Limit)}}.Encode(),
	}
	return p.config.OrgURL.ResolveReference(ref).String()
}

// Fetch retrieves the page at cursor, or the initial page when cursor is
// empty. Errors are *client.RateLimitError or *client.UpstreamError, or
// wrap ErrForeignCursor.
func (p *Pager) Fetch(ctx context.Context, cursor string) (*Page, error) {
	target := cursor
	if target == "" {
		target = p.InitialURL()
	} else if err := p.checkCursor(cursor); err != nil {
		oktaPagesTotal.WithLabelValues(string(StatusError)).Inc()
		return nil, err
	}

	page, err := p.fetch(ctx, target)
	status := StatusOf(page, err)
	oktaPagesTotal.WithLabelValues(string(status)).Inc()

	if err != nil {
		return nil, err
	}

	oktaPageEvents.Observe(float64(len(page.Events)))
	p.logger.Debug().
		Int("events", len(page.Events)).
		Str("status", string(status)).
		Msg("Fetched page")

	return page, nil
}

func (p *Pager) fetch(ctx context.Context, target string) (*Page, error) {
	resp, err := p.fetcher.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxBodyBytes+1))
	if err != nil {
		return nil, &client.UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: client.ErrorClassNetwork,
			Err:        fmt.Errorf("read body: %w", err),
		}
	}
	if int64(len(body)) > p.config.MaxBodyBytes {
		return nil, &client.UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: client.ErrorClassDecode,
			Err:        fmt.Errorf("body exceeds %d bytes", p.config.MaxBodyBytes),
		}
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	links, linkErr := ParseLinkHeader(resp.Header.Values("Link"))
	next, hasNext := links.Next()

	if success && linkErr != nil {
		return nil, &client.UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: client.ErrorClassPagination,
			Err:        fmt.Errorf("%w: %w", client.ErrMissingPagination, linkErr),
		}
	}
	if !success || !hasNext {
		return nil, client.Classify(resp.StatusCode, resp.Header, body)
	}

	events, err := p.decode(body)
	if err != nil {
		return nil, &client.UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: client.ErrorClassDecode,
			Err:        err,
		}
	}

	nextURL, err := resolve(target, next)
	if err != nil {
		return nil, &client.UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: client.ErrorClassPagination,
			Err:        fmt.Errorf("%w: %w", client.ErrMissingPagination, err),
		}
	}

	return &Page{URL: target, Events: events, Next: nextURL}, nil
}

func (p *Pager) decode(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("body is not a JSON array")
	}

	var events []json.RawMessage
	if err := json.Unmarshal(trimmed, &events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	for i, event := range events {
		if len(event) == 0 || event[0] != '{' {
			return nil, fmt.Errorf("event %d is not a JSON object", i)
		}
	}
	if len(events) > p.config.Limit {
		return nil, fmt.Errorf("page holds %d events, limit is %d", len(events), p.config.Limit)
	}
	return events, nil
}

func (p *Pager) checkCursor(cursor string) error {
	u, err := url.Parse(cursor)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForeignCursor, err)
	}
	if !u.IsAbs() || u.Host != p.config.OrgURL.Host {
		return fmt.Errorf("%w: host %q, want %q", ErrForeignCursor, u.Host, p.config.OrgURL.Host)
	}
	return nil
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
