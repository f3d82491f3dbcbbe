// Command okta-relay copies new Okta System Log events to stdout or Humio and
// records where it stopped, so the next scheduled run picks up from there.
//
// Usage:
//
//	okta-relay [flags] <config-file>   cursor kept in the config file
//	okta-relay -env [flags]            configuration from the environment
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmountifield/okta-to-humio/internal/lock"
	"github.com/jmountifield/okta-to-humio/pkg/config"
	"github.com/jmountifield/okta-to-humio/pkg/logging"
	"github.com/jmountifield/okta-to-humio/pkg/metrics"
	"github.com/jmountifield/okta-to-humio/pkg/relay"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Exit codes.
const (
	exitOK         = 0
	exitFetch      = 1
	exitForward    = 2
	exitCheckpoint = 3
	exitConfig     = 4
	exitLocked     = 99
)

const (
	metricsJob         = "okta-relay"
	metricsPushTimeout = 10 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("okta-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fromEnv := fs.Bool("env", false, "read the configuration from the environment instead of a config file")
	pidFile := fs.String("pid-file", "", "PID file guarding against concurrent runs (default ~/"+lock.DefaultFileName+" in file mode)")
	metricsAddr := fs.String("metrics-addr", "", "serve /metrics and /health on this address while running")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: okta-relay [flags] <config-file>\n       okta-relay -env [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}

	logger := logging.Setup(logging.Config{Level: logging.LevelInfo, Output: stderr})

	cfg, err := loadConfig(*fromEnv, fs.Args())
	if err != nil {
		logger.Error().Err(err).Msg("Configuration error")
		return exitConfig
	}

	logger = logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: stderr,
	})
	logger.Info().Object("config", cfg).Msg("Effective configuration")

	// The file mode owns a cursor on the local disk and always locks; the
	// environment mode locks only when asked to.
	lockPath := *pidFile
	if lockPath == "" && !*fromEnv {
		if lockPath, err = lock.DefaultPath(); err != nil {
			logger.Error().Err(err).Msg("Cannot place PID file")
			return exitConfig
		}
	}
	if lockPath != "" {
		held, err := lock.Acquire(lockPath)
		if errors.Is(err, lock.ErrLocked) {
			logger.Error().Err(err).Msg("Another instance is running")
			return exitLocked
		}
		if err != nil {
			logger.Error().Err(err).Msg("Cannot create PID file")
			return exitConfig
		}
		defer func() {
			if err := held.Release(); err != nil {
				logger.Warn().Err(err).Msg("Failed to remove PID file")
			}
		}()
		logger.Debug().Str("pid_file", held.Path()).Int("pid", os.Getpid()).Msg("PID file created")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.BudgetMode == config.BudgetRemaining {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	if *metricsAddr != "" {
		srv := serveMetrics(*metricsAddr, logger)
		defer srv.Shutdown(context.Background())
	}

	d, err := wire(ctx, cfg, stdout)
	if err != nil {
		logger.Error().Err(err).Msg("Setup failed")
		if errors.Is(err, errCheckpointSetup) {
			return exitCheckpoint
		}
		return exitConfig
	}
	defer d.Close()

	result, runErr := d.runner.Run(ctx)

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsPushTimeout)
	defer cancel()
	if err := metrics.Push(pushCtx, cfg.PushgatewayURL, metricsJob); err != nil {
		logger.Warn().Err(err).Msg("Failed to push metrics")
	}

	logger.Debug().
		Str("run_id", result.RunID).
		Str("state", string(result.State)).
		Str("reason", string(result.Reason)).
		Msg("Exiting")

	return exitCode(runErr)
}

func loadConfig(fromEnv bool, args []string) (*config.Config, error) {
	if fromEnv {
		if len(args) != 0 {
			return nil, fmt.Errorf("no config file is accepted with -env (got %q)", args)
		}
		return config.FromEnv()
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("exactly one config file is required (got %d arguments)", len(args))
	}
	return config.LoadFile(args[0])
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, relay.ErrFetch):
		return exitFetch
	case errors.Is(err, relay.ErrForward):
		return exitForward
	case errors.Is(err, relay.ErrCheckpoint), errors.Is(err, relay.ErrCheckpointLoad):
		return exitCheckpoint
	case errors.Is(err, relay.ErrBudget):
		return exitConfig
	default:
		return exitFetch
	}
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("Serving metrics")
	return srv
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}
