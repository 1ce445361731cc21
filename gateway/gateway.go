// Package gateway composes the frame codec, device registry, session
// manager, ingestion pipeline, and command dispatcher into one runnable
// service: a TCP accept loop for devices plus an optional HTTP endpoint for
// metrics and health.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/fieldgate/command"
	"github.com/c360/fieldgate/config"
	"github.com/c360/fieldgate/errors"
	"github.com/c360/fieldgate/frame"
	"github.com/c360/fieldgate/health"
	"github.com/c360/fieldgate/ingest"
	"github.com/c360/fieldgate/metric"
	"github.com/c360/fieldgate/registry"
	"github.com/c360/fieldgate/session"
)

// Deps carries everything the gateway composes. Sink and Store are the two
// pluggable edges; nil MetricsRegistry disables metrics, nil Logger uses the
// default.
type Deps struct {
	Config          *config.Config
	Sink            ingest.Sink
	Store           registry.Store
	CommandStore    command.Store
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Gateway is the composed core. Lifecycle: Initialize, Start, Stop.
type Gateway struct {
	cfg     *config.SafeConfig
	logger  *slog.Logger
	metrics *metric.Registry
	monitor *health.Monitor

	codec      *frame.Codec
	registry   *registry.Registry
	pipeline   *ingest.Pipeline
	dispatcher *command.Dispatcher
	sessions   *session.Manager

	mu           sync.Mutex
	listener     net.Listener
	metricServer *http.Server
	group        *errgroup.Group
	cancel       context.CancelFunc
	started      bool
}

// New wires the gateway's components together. Initialize must run before
// Start.
func New(deps Deps) (*Gateway, error) {
	if deps.Config == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "gateway", "New", "config is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	store := deps.Store
	if store == nil {
		store = registry.NewMemoryStore()
	}

	g := &Gateway{
		cfg:     config.NewSafeConfig(deps.Config),
		logger:  logger,
		metrics: deps.MetricsRegistry,
		monitor: health.NewMonitor(),
		codec:   frame.NewCodec(deps.Config.Gateway.MaxPayloadSize),
	}

	g.registry = registry.New(registry.Deps{
		Store:           store,
		MetricsRegistry: deps.MetricsRegistry,
		Logger:          deps.Logger,
	})

	var schemas *ingest.SchemaSet
	if path := deps.Config.Ingest.SchemaPath; path != "" {
		var err error
		schemas, err = ingest.LoadSchemas(path)
		if err != nil {
			return nil, err
		}
	}

	g.pipeline = ingest.New(ingest.Deps{
		Config:          deps.Config.Ingest,
		Sink:            deps.Sink,
		Schemas:         schemas,
		MetricsRegistry: deps.MetricsRegistry,
		Logger:          deps.Logger,
	})

	g.dispatcher = command.NewDispatcher(command.Deps{
		Config:          deps.Config.Command,
		Resolver:        g.registry,
		Store:           deps.CommandStore,
		MetricsRegistry: deps.MetricsRegistry,
		Logger:          deps.Logger,
	})

	g.sessions = session.NewManager(session.ManagerDeps{
		Config:          deps.Config.Gateway,
		Codec:           g.codec,
		Registry:        g.registry,
		Telemetry:       g.pipeline,
		Acks:            g.dispatcher,
		MetricsRegistry: deps.MetricsRegistry,
		Logger:          deps.Logger,
	})

	// A device coming online flushes any commands held for it.
	g.registry.OnRegister(g.dispatcher.DeviceOnline)

	return g, nil
}

// Initialize validates configuration and prepares every component.
func (g *Gateway) Initialize() error {
	if err := g.cfg.Get().Validate(); err != nil {
		return err
	}
	if err := g.pipeline.Initialize(); err != nil {
		return err
	}
	if err := g.dispatcher.Initialize(); err != nil {
		return err
	}
	return nil
}

// Start binds the listener and brings every component up. A bind failure is
// the only fatal startup error; it is returned for the process to exit
// non-zero.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "gateway", "Start", "gateway already running")
	}

	cfg := g.cfg.Get()
	listener, err := net.Listen("tcp", cfg.Gateway.ListenAddress)
	if err != nil {
		return errors.WrapFatal(err, "gateway", "Start",
			fmt.Sprintf("bind %s", cfg.Gateway.ListenAddress))
	}
	g.listener = listener

	if err := g.registry.Load(ctx); err != nil {
		g.logger.Warn("device rehydration failed, starting with empty registry", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel

	if err := g.pipeline.Start(runCtx); err != nil {
		cancel()
		_ = listener.Close()
		return err
	}
	if err := g.dispatcher.Start(runCtx); err != nil {
		cancel()
		_ = listener.Close()
		_ = g.pipeline.Stop(time.Second)
		return err
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	g.group = group

	group.Go(func() error {
		return g.acceptLoop(groupCtx)
	})
	if addr := cfg.Metrics.ListenAddress; addr != "" {
		g.startMetricsServer(group, addr)
	}

	g.monitor.UpdateHealthy("listener", fmt.Sprintf("listening on %s", listener.Addr()))
	g.started = true
	g.logger.Info("gateway started", "listen_address", listener.Addr().String())
	return nil
}

// Addr returns the bound device listener address.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// acceptLoop hands each connection to the session manager. Transient accept
// failures back off briefly; a closed listener ends the loop cleanly.
func (g *Gateway) acceptLoop(ctx context.Context) error {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			// Listener closed during shutdown.
			return nil
		}
		g.sessions.Serve(ctx, conn)
	}
}

// startMetricsServer serves /metrics and /healthz on its own listener.
func (g *Gateway) startMetricsServer(group *errgroup.Group, addr string) {
	mux := http.NewServeMux()
	if g.metrics != nil {
		mux.Handle("/metrics", g.metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := g.Health()
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	g.metricServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := g.metricServer
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("metrics server failed", "error", err)
		}
		return nil
	})
}

// Health aggregates component health. Session and registry counts ride along
// as sub-statuses.
func (g *Gateway) Health() health.Status {
	g.monitor.Update("session", g.sessions.Health())

	known, online := g.registry.Counts()
	g.monitor.UpdateHealthy("registry", fmt.Sprintf("%d known, %d online", known, online))
	g.monitor.UpdateHealthy("ingest", fmt.Sprintf("%d buffered", g.pipeline.Buffered()))
	g.monitor.UpdateHealthy("command", fmt.Sprintf("%d in flight", g.dispatcher.Pending()))

	return g.monitor.AggregateHealth("gateway")
}

// Stop shuts the gateway down in dependency order: stop accepting, drain
// sessions, flush the pipeline, persist commands, close the registry.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = false
	listener := g.listener
	cancel := g.cancel
	group := g.group
	metricServer := g.metricServer
	g.mu.Unlock()

	g.logger.Info("gateway stopping")
	deadline := time.Now().Add(timeout)

	_ = listener.Close()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(g.sessions.Shutdown(time.Until(deadline)))
	record(g.dispatcher.Stop(time.Until(deadline)))
	record(g.pipeline.Stop(time.Until(deadline)))
	g.registry.Close()

	cancel()
	if metricServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricServer.Shutdown(shutdownCtx)
		cancelShutdown()
	}
	if group != nil {
		_ = group.Wait()
	}

	g.logger.Info("gateway stopped")
	return firstErr
}
