// Package main implements the entry point for the fieldgate IoT gateway.
// Fieldgate terminates device connections over a length-prefixed binary
// framing protocol, validates and batches telemetry into a downstream sink,
// and routes acknowledged commands back to devices.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/c360/fieldgate/command"
	"github.com/c360/fieldgate/config"
	"github.com/c360/fieldgate/gateway"
	"github.com/c360/fieldgate/ingest"
	"github.com/c360/fieldgate/metric"
	"github.com/c360/fieldgate/registry"
	"github.com/c360/fieldgate/registry/redistore"
	"github.com/c360/fieldgate/sink/memsink"
	"github.com/c360/fieldgate/sink/natssink"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "fieldgate"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Gateway failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	metricsRegistry := metric.NewRegistry()

	sink, closeSink, err := buildSink(ctx, cfg, cliCfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	store, cmdStore, closeStore, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	gw, err := gateway.New(gateway.Deps{
		Config:          cfg,
		Sink:            sink,
		Store:           store,
		CommandStore:    cmdStore,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	if err := gw.Initialize(); err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}

	return runWithSignalHandling(ctx, gw, cliCfg.ShutdownTimeout)
}

// buildSink selects the telemetry sink: JetStream when a NATS URL is
// configured, in-memory otherwise (local runs only).
func buildSink(ctx context.Context, cfg *config.Config, cliCfg *CLIConfig, logger *slog.Logger) (ingest.Sink, func(), error) {
	if cliCfg.MemorySink || cfg.NATS.URL == "" {
		slog.Warn("Using in-memory sink, telemetry is not persisted")
		return memsink.New(), func() {}, nil
	}

	ns := natssink.New(cfg.NATS, logger)
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := ns.Connect(connectCtx); err != nil {
		return nil, nil, fmt.Errorf("connect sink: %w", err)
	}
	return ns, func() { _ = ns.Close() }, nil
}

// buildStores selects registry and command persistence: redis when
// configured, in-memory otherwise.
func buildStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (registry.Store, command.Store, func(), error) {
	if cfg.Redis.URL == "" {
		return registry.NewMemoryStore(), command.NewMemoryStore(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("Using redis persistence", "addr", opts.Addr)
	return redistore.New(client), command.NewRedisStore(client), func() { _ = client.Close() }, nil
}

// runWithSignalHandling starts the gateway and blocks until a shutdown
// signal arrives.
func runWithSignalHandling(ctx context.Context, gw *gateway.Gateway, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := gw.Start(signalCtx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	slog.Info("Fieldgate started", "listen_address", gw.Addr().String())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := gw.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Fieldgate shutdown complete")
	return nil
}

// loadConfig loads configuration from the specified file path.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
