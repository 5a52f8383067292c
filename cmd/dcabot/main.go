// Command dcabot runs the dollar-cost averaging strategy against the exchange.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/app/strategy"
	"github.com/coachpo/dcabot/internal/infra/adapters/exchanger"
	"github.com/coachpo/dcabot/internal/infra/bus/eventbus"
	"github.com/coachpo/dcabot/internal/infra/config"
	"github.com/coachpo/dcabot/internal/infra/logging"
	httpserver "github.com/coachpo/dcabot/internal/infra/server/http"
	"github.com/coachpo/dcabot/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 15 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	dataBusShutdownTimeout   = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type options struct {
	configPath string
	dryRun     bool
}

func main() {
	opts := parseFlags(os.Args[1:])
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "dcabot: %v\n", err)
		if errs.Is(err, errs.CodeConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func parseFlags(args []string) options {
	fs := flag.NewFlagSet("dcabot", flag.ExitOnError)
	cfgPath := fs.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	dryRun := fs.Bool("dry-run", false, "Log orders instead of sending them")
	_ = fs.Parse(args)
	return options{configPath: resolveConfigPath(*cfgPath), dryRun: *dryRun}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

// run returns configuration errors before starting, and the strategy's error
// when it stops on its own. Other failures are logged and the strategy keeps
// running until ctx is cancelled.
func run(ctx context.Context, opts options, out io.Writer) error {
	appCfg, err := config.Load(ctx, opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.dryRun {
		appCfg.Executor.DryRun = true
	}

	logger := logging.New(appCfg.LogLevel, out)
	logger.Info().
		Str("env", string(appCfg.Environment)).
		Str("symbol", appCfg.Strategy.Symbol).
		Uint64("buy_interval_ticks", appCfg.Strategy.Interval()).
		Str("buy_amount", appCfg.Strategy.Amount().String()).
		Bool("dry_run", appCfg.Executor.DryRun).
		Msg("configuration initialised")

	telemetry.SetEnvironment(string(appCfg.Environment))
	_, shutdownTelemetry, err := telemetry.Init(ctx, appCfg.Telemetry)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
		shutdownTelemetry = nil
	}

	bus, err := newEventBus(appCfg.Eventbus, logger)
	if err != nil {
		return err
	}

	client, err := exchanger.NewClient(exchanger.Credentials{
		APIKey:    appCfg.Exchange.APIKey,
		SecretKey: appCfg.Exchange.SecretKey,
		BaseURL:   appCfg.Exchange.BaseURL,
	},
		exchanger.WithConnectTimeout(appCfg.Exchange.ConnectTimeout),
		exchanger.WithOrderTimeout(appCfg.Exchange.OrderTimeout),
		exchanger.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("exchange connectivity check failed; continuing")
	}

	dca, err := strategy.NewDCA(appCfg, strategy.Deps{Bus: bus, Placer: client, Logger: logger})
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var lifecycle conc.WaitGroup
	strategyErr := make(chan error, 1)
	lifecycle.Go(func() {
		if err := dca.Run(runCtx); err != nil {
			logger.Error().Err(err).Msg("strategy stopped with error")
			strategyErr <- err
		}
	})
	apiServer := httpserver.NewServer(appCfg.APIServer, appCfg.Environment, dca)
	if apiServer != nil {
		startAPIServer(&lifecycle, logger, apiServer)
		logger.Info().Str("addr", apiServer.Addr).Msg("status API listening")
	}
	logger.Info().Str("strategy", dca.Name()).Msg("dcabot started; awaiting shutdown signal")

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, initiating graceful shutdown")
	case exitErr = <-strategyErr:
		logger.Error().Err(exitErr).Msg("strategy failed, initiating graceful shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:    apiServer,
		runCancel: cancelRun,
		lifecycle: &lifecycle,
		dataBus:   bus,
		telemetry: shutdownTelemetry,
	})
	logger.Info().Dur("elapsed", time.Since(shutdownStart)).Msg("shutdown completed")
	if exitErr != nil {
		return fmt.Errorf("strategy: %w", exitErr)
	}
	return nil
}

func newEventBus(cfg config.EventbusConfig, logger zerolog.Logger) (eventbus.Bus, error) {
	policy, err := eventbus.ParseOverflowPolicy(cfg.Overflow)
	if err != nil {
		return nil, err
	}
	busLogger := logging.Component(logger, "eventbus")
	return eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.BufferSize,
		FanoutWorkers: cfg.FanoutWorkers,
		Overflow:      policy,
		BlockTimeout:  cfg.BlockTimeout,
		Logger:        &busLogger,
	}), nil
}

func startAPIServer(lifecycle *conc.WaitGroup, logger zerolog.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status API stopped")
		}
	})
}

type gracefulShutdownConfig struct {
	server    *http.Server
	runCancel context.CancelFunc
	lifecycle *conc.WaitGroup
	dataBus   eventbus.Bus
	telemetry func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger zerolog.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info().Str("step", name).Msg("shutdown step started")
		if err := fn(stepCtx); err != nil {
			logger.Warn().Err(err).Str("step", name).Msg("shutdown step failed")
		} else {
			logger.Info().Str("step", name).Msg("shutdown step completed")
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping status API", apiServerShutdownTimeout, cfg.server.Shutdown)
	}

	if cfg.runCancel != nil {
		cfg.runCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for strategy goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.dataBus != nil {
		shutdownStep("closing data bus", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, cfg.dataBus.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}

func waitOrTimeout(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}
