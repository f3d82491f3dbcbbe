package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HumioIngestPath is the structured ingest endpoint.
const HumioIngestPath = "/api/v1/ingest/humio-structured"

// DefaultHumioTimeout bounds one ingest call.
const DefaultHumioTimeout = 5 * time.Second

// DefaultSourceTag is the "source" tag attached to every batch.
const DefaultSourceTag = "okta-audit"

// maxErrorBody bounds the rejection body kept on a DeliveryError.
const maxErrorBody = 1024

var errMissingTimestamp = errors.New(`event has no "published" field`)

// HumioConfig holds the Humio sink configuration.
type HumioConfig struct {
	// ServerURL is the Humio base URL.
	ServerURL string

	// Token is an ingest token, sent as "Authorization: Bearer <Token>".
	Token string

	// SourceTag is the value of the "source" tag.
	SourceTag string

	// Timeout bounds one ingest call, independent of the run budget.
	Timeout time.Duration

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// DefaultHumioConfig returns a safe default configuration.
func DefaultHumioConfig(serverURL, token string) HumioConfig {
	return HumioConfig{
		ServerURL: serverURL,
		Token:     token,
		SourceTag: DefaultSourceTag,
		Timeout:   DefaultHumioTimeout,
	}
}

type humioEvent struct {
	Timestamp  json.RawMessage `json:"timestamp"`
	Attributes json.RawMessage `json:"attributes"`
}

type humioBatch struct {
	Tags   map[string]string `json:"tags"`
	Events []humioEvent      `json:"events"`
}

// HumioSink posts each batch to the Humio structured ingest API.
type HumioSink struct {
	httpClient *http.Client
	ingestURL  string
	config     HumioConfig
	logger     zerolog.Logger
}

// NewHumioSink creates a Humio sink.
func NewHumioSink(cfg HumioConfig) (*HumioSink, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("humio server url is required")
	}
	base, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse humio server url: %w", err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return nil, fmt.Errorf("humio server url must be http(s) (got %q)", cfg.ServerURL)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("humio token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHumioTimeout
	}
	if cfg.SourceTag == "" {
		cfg.SourceTag = DefaultSourceTag
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	ingestURL := base.ResolveReference(&url.URL{Path: HumioIngestPath}).String()

	return &HumioSink{
		httpClient: httpClient,
		ingestURL:  ingestURL,
		config:     cfg,
		logger:     log.With().Str("component", "humio-sink").Logger(),
	}, nil
}

// Name implements Sink.
func (h *HumioSink) Name() string {
	return "humio"
}

// IngestURL returns the URL batches are posted to.
func (h *HumioSink) IngestURL() string {
	return h.ingestURL
}

// Forward implements Sink. The whole batch travels in one request.
func (h *HumioSink) Forward(ctx context.Context, events []json.RawMessage) error {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	err := h.post(ctx, events)
	if err != nil {
		reason := failureReason(err)
		sinkFailuresTotal.WithLabelValues(h.Name(), reason).Inc()
		h.logger.Warn().
			Err(err).
			Str("reason", reason).
			Int("events", len(events)).
			Msg("Humio delivery failed")
		return err
	}

	duration := time.Since(start)
	sinkDeliverySeconds.WithLabelValues(h.Name()).Observe(duration.Seconds())
	eventsForwardedTotal.WithLabelValues(h.Name()).Add(float64(len(events)))

	h.logger.Debug().
		Int("events", len(events)).
		Dur("duration", duration).
		Msg("Batch delivered to Humio")

	return nil
}

func (h *HumioSink) post(ctx context.Context, events []json.RawMessage) error {
	body, err := h.encode(events)
	if err != nil {
		return &DeliveryError{Sink: h.Name(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.ingestURL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Sink: h.Name(), Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+h.config.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return &DeliveryError{Sink: h.Name(), Err: fmt.Errorf("%w after %s: %w", ErrSinkTimeout, h.config.Timeout, err)}
		}
		return &DeliveryError{Sink: h.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &DeliveryError{
			Sink:       h.Name(),
			StatusCode: resp.StatusCode,
			Body:       string(excerpt),
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *HumioSink) encode(events []json.RawMessage) ([]byte, error) {
	batch := humioBatch{
		Tags:   map[string]string{"source": h.config.SourceTag},
		Events: make([]humioEvent, 0, len(events)),
	}

	for i, event := range events {
		var probe struct {
			Published json.RawMessage `json:"published"`
		}
		if err := json.Unmarshal(event, &probe); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if len(probe.Published) == 0 || string(probe.Published) == "null" {
			return nil, fmt.Errorf("event %d: %w", i, errMissingTimestamp)
		}
		batch.Events = append(batch.Events, humioEvent{
			Timestamp:  probe.Published,
			Attributes: event,
		})
	}

	body, err := json.Marshal([]humioBatch{batch})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return body, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
