package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360/termstream/bridge"
	"github.com/c360/termstream/config"
	"github.com/c360/termstream/driver"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/natsclient"
	"github.com/c360/termstream/pkg/tlsutil"
)

const natsConnectTimeout = 10 * time.Second

// daemon holds everything run starts, so shutdown can stop it in reverse order.
type daemon struct {
	logger  *slog.Logger
	driver  *driver.Driver
	metrics *metric.Server
	nats    *natsclient.Client
	bridge  *bridge.Bridge
}

func runDriver(ctx context.Context, cli *CLIConfig) error {
	cfg, err := loadConfig(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogOverrides(cfg, cli)

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("Starting termstreamd",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cli.ConfigPath)

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	d, err := start(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("termstreamd started")

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-d.wait():
		logger.Error("Driver agents stopped", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer shutdownCancel()
	if err := d.shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("graceful shutdown failed: %w", err))
	}

	logger.Info("termstreamd shutdown complete")
	return runErr
}

func applyLogOverrides(cfg *config.Config, cli *CLIConfig) {
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
}

// start brings up the metrics registry, NATS, the driver and the bridge. On error
// whatever already started is stopped again.
func start(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	registry := metric.NewMetricsRegistry()
	d := &daemon{logger: logger}

	drv, err := driver.New(cfg, driver.Deps{
		Logger:          logger.With("component", "driver"),
		MetricsRegistry: registry,
	})
	if err != nil {
		return nil, fmt.Errorf("create driver: %w", err)
	}
	d.driver = drv

	if cfg.Metrics.Enabled {
		d.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, drv.Healthy)
		go func() {
			if err := d.metrics.Start(); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		logger.Info("Metrics server listening", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	if err := drv.Start(ctx); err != nil {
		_ = d.shutdown(context.Background())
		return nil, fmt.Errorf("start driver: %w", err)
	}

	if cfg.Bridge.Enabled {
		if err := d.startBridge(ctx, cfg, registry); err != nil {
			_ = d.shutdown(context.Background())
			return nil, err
		}
	}
	return d, nil
}

func (d *daemon) startBridge(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry) error {
	if len(cfg.NATS.URLs) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: bridge enabled without nats.urls", errors.ErrMissingConfig),
			"termstreamd", "startBridge", "check NATS config")
	}

	opts := append(natsclient.FromConfig(cfg.NATS),
		natsclient.WithName(appName),
		natsclient.WithLogger(natsclient.NewSlogLogger(d.logger.With("component", "nats"))),
		natsclient.WithMetrics(registry),
	)
	tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.NATS.TLS)
	if err != nil {
		return fmt.Errorf("load NATS TLS config: %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}
	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	d.nats = client

	d.logger.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	b, err := bridge.New(cfg.Bridge, cfg.NATS.JetStream, bridge.Deps{
		Driver:          d.driver,
		Client:          client,
		Logger:          d.logger.With("component", "bridge"),
		MetricsRegistry: registry,
	})
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	d.bridge = b
	return nil
}

// wait reports the driver's agent error once every agent has stopped.
func (d *daemon) wait() <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- d.driver.Wait() }()
	return ch
}

// shutdown stops the bridge before the driver so no command races the close, then
// drains NATS and stops the metrics server.
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error
	if d.bridge != nil {
		if err := d.bridge.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop bridge: %w", err))
		}
	}
	if d.driver != nil {
		if err := d.driver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close driver: %w", err))
		}
	}
	if d.nats != nil {
		if err := d.nats.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close NATS: %w", err))
		}
	}
	if d.metrics != nil {
		if err := d.metrics.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}
