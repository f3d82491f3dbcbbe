// Package config builds the single validated configuration of one relay run,
// either from a JSON config file (which also holds the cursor) or from the
// environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SinkKind selects the batch forwarder.
type SinkKind string

const (
	// SinkStream writes NDJSON to stdout.
	SinkStream SinkKind = "stream"

	// SinkHumio posts to the Humio structured ingest API.
	SinkHumio SinkKind = "humio"
)

// CheckpointKind selects the checkpoint backend.
type CheckpointKind string

const (
	// CheckpointFile stores the cursor in the config file.
	CheckpointFile CheckpointKind = "file"

	// CheckpointDynamoDB stores the cursor in a DynamoDB table.
	CheckpointDynamoDB CheckpointKind = "dynamodb"

	// CheckpointRedis stores the cursor in a Redis hash.
	CheckpointRedis CheckpointKind = "redis"
)

// BudgetMode selects how the run budget is derived.
type BudgetMode string

const (
	// BudgetTimeout runs for a fixed wall-clock timeout from start.
	BudgetTimeout BudgetMode = "timeout"

	// BudgetRemaining runs until a safety margin before the context deadline.
	BudgetRemaining BudgetMode = "remaining"
)

// Defaults.
const (
	DefaultEnvTimeout   = 15 * time.Minute
	DefaultHumioTimeout = 5 * time.Second
	DefaultLogLevel     = "info"
)

// Environment variables read by FromEnv.
const (
	EnvOrgURL            = "OKTA_ORG_URL"
	EnvAPIKey            = "OKTA_API_KEY"
	EnvHumioServer       = "HUMIO_SERVER"
	EnvHumioToken        = "HUMIO_TOKEN"
	EnvHumioTimeout      = "HUMIO_TIMEOUT"
	EnvDynamoTable       = "DDB_TABLE"
	EnvRedisURL          = "REDIS_URL"
	EnvCheckpointBackend = "CHECKPOINT_BACKEND"
	EnvCheckpointKey     = "CHECKPOINT_KEY"
	EnvTimeout           = "TIMEOUT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogPretty         = "LOG_PRETTY"
	EnvPushgatewayURL    = "PUSHGATEWAY_URL"
	EnvAWSRegion         = "AWS_REGION"
)

// Config is the configuration of one run.
type Config struct {
	// OrgHost is the Okta org base URL.
	OrgHost string

	// APIKey is the Okta API token.
	APIKey string

	// Timeout is the run budget: wall clock in BudgetTimeout mode, the
	// overall deadline in BudgetRemaining mode.
	Timeout    time.Duration
	BudgetMode BudgetMode

	// CheckpointKey identifies the source in a table store.
	CheckpointKey string

	Sink         SinkKind
	HumioServer  string
	HumioToken   string
	HumioTimeout time.Duration

	Checkpoint  CheckpointKind
	ConfigPath  string
	DynamoTable string
	AWSRegion   string

	// RedisURL backs the redis checkpoint and shares rate limit state.
	RedisURL string

	LogLevel       string
	LogPretty      bool
	PushgatewayURL string
}

// fileConfig is the on-disk shape of the JSON config file.
type fileConfig struct {
	OrgHost        string   `json:"okta-org-host"`
	APIKey         string   `json:"okta-api-key"`
	Timeout        *float64 `json:"timeout"`
	HumioServer    string   `json:"humio-server"`
	HumioToken     string   `json:"humio-token"`
	LogLevel       string   `json:"log-level"`
	PushgatewayURL string   `json:"pushgateway-url"`
	RedisURL       string   `json:"redis-url"`
}

// LoadFile reads and validates a JSON config file. The cursor is kept in the
// same file, so the checkpoint backend is always CheckpointFile.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if fc.Timeout == nil {
		return nil, fmt.Errorf("invalid config: timeout is required")
	}
	if *fc.Timeout <= 0 || *fc.Timeout > math.MaxInt32 {
		return nil, fmt.Errorf("invalid config: timeout must be a positive number of seconds (got %v)", *fc.Timeout)
	}

	cfg := &Config{
		OrgHost:        fc.OrgHost,
		APIKey:         fc.APIKey,
		Timeout:        time.Duration(*fc.Timeout * float64(time.Second)),
		BudgetMode:     BudgetTimeout,
		CheckpointKey:  fc.OrgHost,
		HumioServer:    fc.HumioServer,
		HumioToken:     fc.HumioToken,
		HumioTimeout:   DefaultHumioTimeout,
		Checkpoint:     CheckpointFile,
		ConfigPath:     path,
		RedisURL:       fc.RedisURL,
		LogLevel:       fc.LogLevel,
		PushgatewayURL: fc.PushgatewayURL,
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an environment lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	env := envReader{lookup: lookup}

	cfg := &Config{
		OrgHost:        env.String(EnvOrgURL, ""),
		APIKey:         env.String(EnvAPIKey, ""),
		Timeout:        env.Duration(EnvTimeout, DefaultEnvTimeout),
		BudgetMode:     BudgetRemaining,
		CheckpointKey:  env.String(EnvCheckpointKey, ""),
		HumioServer:    env.String(EnvHumioServer, ""),
		HumioToken:     env.String(EnvHumioToken, ""),
		HumioTimeout:   env.Duration(EnvHumioTimeout, DefaultHumioTimeout),
		Checkpoint:     CheckpointKind(strings.ToLower(env.String(EnvCheckpointBackend, ""))),
		DynamoTable:    env.String(EnvDynamoTable, ""),
		AWSRegion:      env.String(EnvAWSRegion, ""),
		RedisURL:       env.String(EnvRedisURL, ""),
		LogLevel:       env.String(EnvLogLevel, ""),
		LogPretty:      env.Bool(EnvLogPretty, false),
		PushgatewayURL: env.String(EnvPushgatewayURL, ""),
	}
	if cfg.CheckpointKey == "" {
		cfg.CheckpointKey = cfg.OrgHost
	}
	if cfg.Checkpoint == "" {
		switch {
		case cfg.DynamoTable != "":
			cfg.Checkpoint = CheckpointDynamoDB
		case cfg.RedisURL != "":
			cfg.Checkpoint = CheckpointRedis
		}
	}
	cfg.applyDefaults()

	if err := errors.Join(env.errs...); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sink == "" {
		c.Sink = SinkStream
		if c.HumioServer != "" {
			c.Sink = SinkHumio
		}
	}
	if c.HumioTimeout <= 0 {
		c.HumioTimeout = DefaultHumioTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks the configuration once, before anything runs.
func (c *Config) Validate() error {
	var errs []error

	if c.OrgHost == "" {
		errs = append(errs, fmt.Errorf("okta org url is required"))
	} else if u, err := url.Parse(c.OrgHost); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		errs = append(errs, fmt.Errorf("okta org url must be an absolute http(s) url (got %q)", c.OrgHost))
	}
	if c.APIKey == "" {
		errs = append(errs, fmt.Errorf("okta api key is required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be > 0 (got %s)", c.Timeout))
	}
	if c.BudgetMode != BudgetTimeout && c.BudgetMode != BudgetRemaining {
		errs = append(errs, fmt.Errorf("unknown budget mode %q", c.BudgetMode))
	}

	switch c.Sink {
	case SinkStream:
	case SinkHumio:
		if c.HumioServer == "" {
			errs = append(errs, fmt.Errorf("humio server is required for the humio sink"))
		}
		if c.HumioToken == "" {
			errs = append(errs, fmt.Errorf("humio token is required for the humio sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink %q", c.Sink))
	}

	switch c.Checkpoint {
	case CheckpointFile:
		if c.ConfigPath == "" {
			errs = append(errs, fmt.Errorf("config path is required for the file checkpoint"))
		}
	case CheckpointDynamoDB:
		if c.DynamoTable == "" {
			errs = append(errs, fmt.Errorf("%s is required for the dynamodb checkpoint", EnvDynamoTable))
		}
	case CheckpointRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("%s is required for the redis checkpoint", EnvRedisURL))
		}
	case "":
		errs = append(errs, fmt.Errorf("no checkpoint backend configured: set %s or %s", EnvDynamoTable, EnvRedisURL))
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint))
	}

	if c.Checkpoint != CheckpointFile && c.CheckpointKey == "" {
		errs = append(errs, fmt.Errorf("checkpoint key is required"))
	}

	return errors.Join(errs...)
}

// MarshalZerologObject logs the configuration with credentials redacted.
func (c *Config) MarshalZerologObject(e *zerolog.Event) {
	e.Str("okta_org_url", c.OrgHost).
		Str("okta_api_key", redact(c.APIKey)).
		Dur("timeout", c.Timeout).
		Str("budget_mode", string(c.BudgetMode)).
		Str("checkpoint", string(c.Checkpoint)).
		Str("checkpoint_key", c.CheckpointKey).
		Str("sink", string(c.Sink))

	if c.Sink == SinkHumio {
		e.Str("humio_server", c.HumioServer).
			Str("humio_token", redact(c.HumioToken)).
			Dur("humio_timeout", c.HumioTimeout)
	}
	switch c.Checkpoint {
	case CheckpointFile:
		e.Str("config_path", c.ConfigPath)
	case CheckpointDynamoDB:
		e.Str("ddb_table", c.DynamoTable).Str("aws_region", c.AWSRegion)
	}
	if c.RedisURL != "" {
		e.Str("redis_url", redactURL(c.RedisURL))
	}
	if c.PushgatewayURL != "" {
		e.Str("pushgateway_url", c.PushgatewayURL)
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[redacted]"
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable]"
	}
	return u.Redacted()
}

// envReader reads typed values and collects parse errors.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) String(key, defaultVal string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return defaultVal
}

func (r *envReader) Bool(key string, defaultVal bool) bool {
	v := r.String(key, "")
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return b
}

// Duration accepts Go durations ("90s") and bare seconds ("90").
func (r *envReader) Duration(key string, defaultVal time.Duration) time.Duration {
	v := r.String(key, "")
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return d
}
