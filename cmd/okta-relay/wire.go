package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jmountifield/okta-to-humio/pkg/checkpoint"
	"github.com/jmountifield/okta-to-humio/pkg/client"
	"github.com/jmountifield/okta-to-humio/pkg/config"
	"github.com/jmountifield/okta-to-humio/pkg/logging"
	"github.com/jmountifield/okta-to-humio/pkg/pagination"
	"github.com/jmountifield/okta-to-humio/pkg/ratelimit"
	"github.com/jmountifield/okta-to-humio/pkg/relay"
	"github.com/jmountifield/okta-to-humio/pkg/sink"
	"github.com/redis/go-redis/v9"
)

// errCheckpointSetup marks setup failures of the checkpoint backend.
var errCheckpointSetup = errors.New("checkpoint backend unavailable")

// deps holds everything one invocation owns.
type deps struct {
	runner  *relay.Runner
	closers []func() error
}

func (d *deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

// wire builds the runner for cfg. Data goes to stdout; nothing else does.
func wire(ctx context.Context, cfg *config.Config, stdout io.Writer) (_ *deps, err error) {
	d := &deps{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		d.closers = append(d.closers, redisClient.Close)

		if err := redisClient.Ping(ctx).Err(); err != nil {
			err = fmt.Errorf("connect to redis: %w", err)
			if cfg.Checkpoint == config.CheckpointRedis {
				err = fmt.Errorf("%w: %w", errCheckpointSetup, err)
			}
			return nil, err
		}
	}

	var rateStore ratelimit.StateStore = ratelimit.NewMemoryStore()
	if redisClient != nil {
		rateStore = ratelimit.NewRedisStore(redisClient)
	}
	tracker := ratelimit.NewTracker(rateStore, cfg.OrgHost, logging.NewLogger("ratelimit"))

	clientCfg := client.DefaultConfig(cfg.OrgHost, cfg.APIKey)
	clientCfg.RateLimiter = tracker
	oktaClient, err := client.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create okta client: %w", err)
	}
	d.closers = append(d.closers, oktaClient.Close)

	pager, err := pagination.NewPager(oktaClient, pagination.DefaultConfig(oktaClient.OrgURL()))
	if err != nil {
		return nil, fmt.Errorf("create pager: %w", err)
	}

	out, err := newSink(cfg, stdout)
	if err != nil {
		return nil, err
	}

	store, err := newStore(ctx, cfg, redisClient)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCheckpointSetup, err)
	}
	if prober, ok := store.(checkpoint.Prober); ok {
		if err := prober.Probe(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", errCheckpointSetup, err)
		}
	}

	budget := relay.Timeout(cfg.Timeout)
	if cfg.BudgetMode == config.BudgetRemaining {
		budget = relay.RemainingTime(relay.DefaultSafetyMargin, relay.MinRemainingTime)
	}

	d.runner, err = relay.NewRunner(relay.Config{
		Pager:  pager,
		Sink:   out,
		Store:  store,
		Key:    cfg.CheckpointKey,
		Budget: budget,
		Gate:   tracker,
	})
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}
	return d, nil
}

func newSink(cfg *config.Config, stdout io.Writer) (sink.Sink, error) {
	switch cfg.Sink {
	case config.SinkHumio:
		hc := sink.DefaultHumioConfig(cfg.HumioServer, cfg.HumioToken)
		hc.Timeout = cfg.HumioTimeout
		h, err := sink.NewHumioSink(hc)
		if err != nil {
			return nil, fmt.Errorf("create humio sink: %w", err)
		}
		return h, nil
	case config.SinkStream:
		return sink.NewStreamSink(stdout), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}

func newStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (checkpoint.Store, error) {
	switch cfg.Checkpoint {
	case config.CheckpointFile:
		return checkpoint.NewFileStore(cfg.ConfigPath), nil
	case config.CheckpointRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis checkpoint needs %s", config.EnvRedisURL)
		}
		return checkpoint.NewTableStore(checkpoint.NewRedisTable(redisClient)), nil
	case config.CheckpointDynamoDB:
		table, err := checkpoint.ConnectDynamoTable(ctx, cfg.DynamoTable, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewTableStore(table), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint)
	}
}
