package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fieldgate/config"
	"github.com/c360/fieldgate/errors"
	"github.com/c360/fieldgate/frame"
	"github.com/c360/fieldgate/health"
	"github.com/c360/fieldgate/metric"
	"github.com/c360/fieldgate/registry"
)

// ManagerDeps carries the manager's dependencies.
type ManagerDeps struct {
	Config          config.GatewayConfig
	Codec           *frame.Codec
	Registry        *registry.Registry
	Telemetry       TelemetryHandler
	Acks            AckHandler
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Manager supervises every live session. One goroutine runs per session;
// the manager only tracks them for counting, health, and shutdown.
type Manager struct {
	cfg       config.GatewayConfig
	codec     *frame.Codec
	reg       *registry.Registry
	telemetry TelemetryHandler
	acks      AckHandler
	logger    *slog.Logger
	metrics   *managerMetrics

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

type managerMetrics struct {
	active    prometheus.Gauge
	opened    prometheus.Counter
	closed    *prometheus.CounterVec
	handshake prometheus.Counter
}

func newManagerMetrics(registry *metric.Registry) *managerMetrics {
	if registry == nil {
		return nil
	}
	m := &managerMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldgate", Subsystem: "session",
			Name: "active", Help: "Sessions currently live",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldgate", Subsystem: "session",
			Name: "opened_total", Help: "Connections accepted into a session",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate", Subsystem: "session",
			Name: "closed_total", Help: "Sessions closed, by reason",
		}, []string{"reason"}),
		handshake: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldgate", Subsystem: "session",
			Name: "handshake_failures_total", Help: "Connections rejected during handshake",
		}),
	}
	_ = registry.RegisterGauge("session", "active", m.active)
	_ = registry.RegisterCounter("session", "opened", m.opened)
	_ = registry.RegisterCounterVec("session", "closed", m.closed)
	_ = registry.RegisterCounter("session", "handshake_failures", m.handshake)
	return m
}

// NewManager creates a session manager.
func NewManager(deps ManagerDeps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       deps.Config,
		codec:     deps.Codec,
		reg:       deps.Registry,
		telemetry: deps.Telemetry,
		acks:      deps.Acks,
		logger:    logger.With("component", "session"),
		metrics:   newManagerMetrics(deps.MetricsRegistry),
		sessions:  make(map[*Session]struct{}),
	}
}

// Serve runs a session for one accepted connection until it closes. Errors
// terminate only that session, never the caller.
func (m *Manager) Serve(ctx context.Context, conn net.Conn) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}

	sess, err := newSession(sessionParams{
		conn:             conn,
		codec:            m.codec,
		reg:              m.reg,
		telemetry:        m.telemetry,
		acks:             m.acks,
		logger:           m.logger.With("remote", conn.RemoteAddr().String()),
		handshakeTimeout: m.cfg.HandshakeTimeout.Std(),
		livenessWindow:   m.cfg.LivenessWindow.Std(),
		drainDeadline:    m.cfg.DrainDeadline.Std(),
		queueCapacity:    m.cfg.CommandQueueCapacity,
		rateLimit:        m.cfg.SessionRateLimit,
		onClose:          m.forget,
	})
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("session setup failed", "error", err)
		_ = conn.Close()
		return
	}

	m.sessions[sess] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.opened.Inc()
		m.metrics.active.Inc()
	}

	go func() {
		defer m.wg.Done()
		if err := sess.Run(ctx); err != nil {
			if errors.Is(err, errors.ErrHandshakeFailed) && m.metrics != nil {
				m.metrics.handshake.Inc()
			}
			m.logger.Debug("session ended with error", "error", err)
		}
		if m.metrics != nil {
			m.metrics.active.Dec()
			m.metrics.closed.WithLabelValues(string(sess.CloseReason())).Inc()
		}
	}()
}

// forget drops a closed session from tracking.
func (m *Manager) forget(sess *Session) {
	m.mu.Lock()
	delete(m.sessions, sess)
	m.mu.Unlock()
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Health reports the manager's health with the live session count.
func (m *Manager) Health() health.Status {
	return health.NewHealthy("session", fmt.Sprintf("%d sessions", m.ActiveCount()))
}

// Shutdown drains every session and waits for them to close, bounded by
// timeout. New connections are refused once called.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	m.closing = true
	live := make([]*Session, 0, len(m.sessions))
	for sess := range m.sessions {
		live = append(live, sess)
	}
	m.mu.Unlock()

	for _, sess := range live {
		sess.Drain()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all sessions closed")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "session", "Shutdown",
			fmt.Sprintf("%d sessions still open at deadline", m.ActiveCount()))
	}
}
