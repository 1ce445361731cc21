// Package registry is the authoritative mapping from device identity to live
// session state and metadata. It answers "is this device known/online" for
// every other gateway component.
//
// Mutations for a single device are linearizable: the registry is sharded by
// DeviceID and each shard serializes its keys, so unrelated devices never
// contend on one lock. Unregister is token-checked so a stale teardown racing
// a newer registration can never oust the newer session.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fieldgate/errors"
	"github.com/c360/fieldgate/frame"
	"github.com/c360/fieldgate/metric"
	"github.com/c360/fieldgate/pkg/retry"
)

// DeviceID uniquely identifies a device. Opaque and immutable once assigned.
type DeviceID string

// Metadata holds what the gateway knows about a device independent of any
// live connection.
type Metadata struct {
	Capabilities    []string  `json:"capabilities,omitempty"`
	ProtocolVersion int       `json:"protocol_version"`
	LastSeen        time.Time `json:"last_seen"`
}

// Session is the registry's non-owning view of a live connection. The session
// manager owns the connection; the registry only resolves and signals it.
type Session interface {
	// Token returns the unique token minted for this session at handshake.
	Token() string

	// Supersede signals the session to tear down because a newer session
	// registered for the same device. Must be safe to call more than once.
	Supersede()

	// PushCommand appends a command to the session's outbound queue.
	PushCommand(cmd frame.Command) error
}

// Registration reports the outcome of a Register call. Superseded is
// informational, never an error: the prior session was signalled for teardown
// before the new one was installed.
type Registration struct {
	Superseded      bool
	SupersededToken string
}

type entry struct {
	meta    Metadata
	session Session // nil when offline
	token   string
}

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[DeviceID]*entry
}

// Registry tracks all known devices and their live sessions.
type Registry struct {
	shards [shardCount]*shard
	store  Store
	logger *slog.Logger

	onRegister atomic.Value // func(DeviceID), set once at wiring time

	closedMu sync.RWMutex
	closed   bool

	metrics *registryMetrics
}

// OnRegister installs a hook invoked after every successful Register, outside
// the shard lock. The command dispatcher uses it to flush commands held for a
// device that just came online. Set during wiring, before any session runs.
func (r *Registry) OnRegister(fn func(DeviceID)) {
	r.onRegister.Store(fn)
}

type registryMetrics struct {
	devicesKnown  prometheus.Gauge
	devicesOnline prometheus.Gauge
	registrations prometheus.Counter
	supersedes    prometheus.Counter
	staleTeardown prometheus.Counter
}

func newRegistryMetrics(reg *metric.Registry) *registryMetrics {
	if reg == nil {
		return nil
	}

	m := &registryMetrics{
		devicesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldgate",
			Subsystem: "registry",
			Name:      "devices_known",
			Help:      "Devices with a registry entry, online or offline",
		}),
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldgate",
			Subsystem: "registry",
			Name:      "devices_online",
			Help:      "Devices with a live session",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Session registrations accepted",
		}),
		supersedes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "registry",
			Name:      "supersedes_total",
			Help:      "Registrations that tore down a prior live session",
		}),
		staleTeardown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "registry",
			Name:      "stale_teardowns_total",
			Help:      "Unregister calls rejected because the session token no longer matched",
		}),
	}

	_ = reg.RegisterGauge("registry", "devices_known", m.devicesKnown)
	_ = reg.RegisterGauge("registry", "devices_online", m.devicesOnline)
	_ = reg.RegisterCounter("registry", "registrations", m.registrations)
	_ = reg.RegisterCounter("registry", "supersedes", m.supersedes)
	_ = reg.RegisterCounter("registry", "stale_teardowns", m.staleTeardown)
	return m
}

// Deps holds runtime dependencies for the registry.
type Deps struct {
	Store           Store
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// New creates a registry backed by the given persistence store.
func New(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "registry")
	}

	r := &Registry{
		store:   deps.Store,
		logger:  logger,
		metrics: newRegistryMetrics(deps.MetricsRegistry),
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[DeviceID]*entry)}
	}
	return r
}

func (r *Registry) shardFor(id DeviceID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Load rehydrates known devices from the store, all marked offline. Called
// once at startup before any session registers.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	records, err := retry.DoWithResult(ctx, retry.Quick(), func() ([]DeviceRecord, error) {
		return r.store.LoadKnownDevices(ctx)
	})
	if err != nil {
		return errors.WrapTransient(err, "Registry", "Load", "known device load")
	}

	for _, rec := range records {
		s := r.shardFor(rec.DeviceID)
		s.mu.Lock()
		if _, exists := s.entries[rec.DeviceID]; !exists {
			s.entries[rec.DeviceID] = &entry{meta: rec.Metadata}
		}
		s.mu.Unlock()
	}

	r.updateGauges()
	r.logger.Info("registry rehydrated", "devices", len(records))
	return nil
}

// Register atomically installs sess as the sole live session for id. If a
// prior session is live it is signalled for teardown first; the returned
// Registration reports the supersede as information, not an error.
func (r *Registry) Register(id DeviceID, sess Session, meta Metadata) (Registration, error) {
	if id == "" {
		return Registration{}, errors.WrapInvalid(fmt.Errorf("empty device id"), "Registry", "Register", "device id validation")
	}
	if sess == nil || sess.Token() == "" {
		return Registration{}, errors.WrapInvalid(fmt.Errorf("nil session or empty token"), "Registry", "Register", "session validation")
	}
	if r.isClosed() {
		return Registration{}, errors.WrapInvalid(errors.ErrRegistryClosed, "Registry", "Register", "registry state check")
	}

	var reg Registration
	var old Session

	s := r.shardFor(id)
	s.mu.Lock()
	e, exists := s.entries[id]
	if !exists {
		e = &entry{}
		s.entries[id] = e
	}
	if e.session != nil {
		old = e.session
		reg.Superseded = true
		reg.SupersededToken = e.token
	}
	meta.LastSeen = time.Now()
	e.meta = meta
	e.session = sess
	e.token = sess.Token()
	s.mu.Unlock()

	// Signal the old session outside the shard lock; its own unregister
	// will be a token-checked no-op.
	if old != nil {
		old.Supersede()
		if r.metrics != nil {
			r.metrics.supersedes.Inc()
		}
		r.logger.Info("session superseded",
			"device_id", string(id),
			"old_token", reg.SupersededToken,
			"new_token", sess.Token())
	}

	if r.metrics != nil {
		r.metrics.registrations.Inc()
	}
	r.updateGauges()
	r.persistAsync(id, meta)

	if fn, ok := r.onRegister.Load().(func(DeviceID)); ok && fn != nil {
		fn(id)
	}

	return reg, nil
}

// Lookup returns the live session for id, if any. The reference is only
// valid until the next mutation of the entry; callers must re-resolve after
// any suspension point.
func (r *Registry) Lookup(id DeviceID) (Session, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[id]
	if !exists || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Meta returns the stored metadata for id.
func (r *Registry) Meta(id DeviceID) (Metadata, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[id]
	if !exists {
		return Metadata{}, false
	}
	return e.meta, true
}

// Unregister transitions the entry to offline, but only while token still
// identifies the current session. A stale token (the session was superseded)
// returns ErrStaleSession and leaves the newer session untouched.
func (r *Registry) Unregister(id DeviceID, token string) error {
	s := r.shardFor(id)
	s.mu.Lock()
	e, exists := s.entries[id]
	if !exists || e.session == nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrDeviceNotFound, "Registry", "Unregister", "entry lookup")
	}
	if e.token != token {
		s.mu.Unlock()
		if r.metrics != nil {
			r.metrics.staleTeardown.Inc()
		}
		return errors.WrapInvalid(errors.ErrStaleSession, "Registry", "Unregister", "session token check")
	}

	e.session = nil
	e.token = ""
	e.meta.LastSeen = time.Now()
	meta := e.meta
	s.mu.Unlock()

	r.updateGauges()
	r.persistAsync(id, meta)
	return nil
}

// Online reports whether id currently has a live session.
func (r *Registry) Online(id DeviceID) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Devices returns a snapshot of all known device IDs.
func (r *Registry) Devices() []DeviceID {
	var out []DeviceID
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.entries {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	return out
}

// Counts returns (known, online) device totals.
func (r *Registry) Counts() (known, online int) {
	for _, s := range r.shards {
		s.mu.RLock()
		known += len(s.entries)
		for _, e := range s.entries {
			if e.session != nil {
				online++
			}
		}
		s.mu.RUnlock()
	}
	return known, online
}

// Close stops accepting registrations. Existing lookups keep working so
// draining sessions can still resolve their entries.
func (r *Registry) Close() {
	r.closedMu.Lock()
	r.closed = true
	r.closedMu.Unlock()
}

func (r *Registry) isClosed() bool {
	r.closedMu.RLock()
	defer r.closedMu.RUnlock()
	return r.closed
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	known, online := r.Counts()
	r.metrics.devicesKnown.Set(float64(known))
	r.metrics.devicesOnline.Set(float64(online))
}

// persistAsync writes metadata to the store off the caller's goroutine so no
// shard lock or session task ever waits on storage I/O.
func (r *Registry) persistAsync(id DeviceID, meta Metadata) {
	if r.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			return r.store.Persist(ctx, id, meta)
		})
		if err != nil {
			r.logger.Warn("device metadata persist failed", "device_id", string(id), "error", err)
		}
	}()
}
