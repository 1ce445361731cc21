package command

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fieldgate/config"
	"github.com/c360/fieldgate/errors"
	"github.com/c360/fieldgate/frame"
	"github.com/c360/fieldgate/metric"
	"github.com/c360/fieldgate/registry"
)

// SessionResolver resolves a device to its live session. Satisfied by the
// device registry.
type SessionResolver interface {
	Lookup(id registry.DeviceID) (registry.Session, bool)
}

// Deps carries the dispatcher's dependencies.
type Deps struct {
	Config          config.CommandConfig
	Resolver        SessionResolver
	Store           Store
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// tracked is one in-flight command with its expiry timer. seq preserves
// submission order for per-device flushes.
type tracked struct {
	cmd      Command
	state    DeliveryState
	seq      uint64
	attempts int
	timer    *time.Timer
	handle   *Handle
}

// Dispatcher owns every command from Submit until a terminal state. Offline
// targets hold the command in Pending up to its expiry; online targets get
// it pushed to the session queue in submission order. An unacked Sent
// command is re-sent exactly once, then Failed.
type Dispatcher struct {
	cfg      config.CommandConfig
	resolver SessionResolver
	store    Store
	logger   *slog.Logger
	metrics  *dispatcherMetrics

	mu      sync.Mutex
	cmds    map[string]*tracked
	nextSeq uint64
	started bool
}

type dispatcherMetrics struct {
	submitted prometheus.Counter
	outcomes  *prometheus.CounterVec
	retries   prometheus.Counter
	inflight  prometheus.Gauge
}

func newDispatcherMetrics(registry *metric.Registry) *dispatcherMetrics {
	if registry == nil {
		return nil
	}
	m := &dispatcherMetrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldgate", Subsystem: "command",
			Name: "submitted_total", Help: "Commands accepted by Submit",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate", Subsystem: "command",
			Name: "outcomes_total", Help: "Commands reaching a terminal state, by state",
		}, []string{"state"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldgate", Subsystem: "command",
			Name: "retries_total", Help: "Re-send attempts after an unacked expiry",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldgate", Subsystem: "command",
			Name: "inflight", Help: "Commands in Pending or Sent",
		}),
	}
	_ = registry.RegisterCounter("command", "submitted", m.submitted)
	_ = registry.RegisterCounterVec("command", "outcomes", m.outcomes)
	_ = registry.RegisterCounter("command", "retries", m.retries)
	_ = registry.RegisterGauge("command", "inflight", m.inflight)
	return m
}

// NewDispatcher creates a command dispatcher. Call Initialize before Start.
func NewDispatcher(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      deps.Config,
		resolver: deps.Resolver,
		store:    deps.Store,
		logger:   logger.With("component", "command"),
		metrics:  newDispatcherMetrics(deps.MetricsRegistry),
		cmds:     make(map[string]*tracked),
	}
}

// Initialize validates configuration and dependencies.
func (d *Dispatcher) Initialize() error {
	if d.resolver == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "command", "Initialize", "session resolver is required")
	}
	if d.cfg.ExpiryDefault.Std() <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "command", "Initialize", "expiry default must be positive")
	}
	if d.cfg.PersistPendingCommands && d.store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "command", "Initialize",
			"persist_pending_commands requires a store")
	}
	return nil
}

// Start begins accepting submissions, reloading a pending snapshot if
// persistence is enabled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.Wrap(errors.ErrAlreadyStarted, "command", "Start", "dispatcher already running")
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.PersistPendingCommands {
		if err := d.reload(ctx); err != nil {
			return err
		}
	}

	d.logger.Info("command dispatcher started",
		"expiry_default", d.cfg.ExpiryDefault.Std(),
		"persist_pending", d.cfg.PersistPendingCommands)
	return nil
}

// reload restores persisted Pending commands, expiring any whose deadline
// already passed.
func (d *Dispatcher) reload(ctx context.Context) error {
	cmds, err := d.store.LoadPending(ctx)
	if err != nil {
		return errors.Wrap(err, "command", "reload", "pending snapshot load")
	}

	now := time.Now()
	restored := 0
	for _, cmd := range cmds {
		if !cmd.ExpiresAt.After(now) {
			d.report(&tracked{cmd: cmd, state: StatePending, handle: newHandle(cmd.ID)}, StateExpired,
				errors.ErrCommandExpired)
			continue
		}
		d.mu.Lock()
		d.nextSeq++
		tr := &tracked{cmd: cmd, state: StatePending, seq: d.nextSeq, handle: newHandle(cmd.ID)}
		d.cmds[cmd.ID] = tr
		tr.timer = time.AfterFunc(time.Until(cmd.ExpiresAt), func() { d.expire(cmd.ID) })
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.inflight.Inc()
		}
		restored++
	}
	if restored > 0 {
		d.logger.Info("restored pending commands", "count", restored)
	}
	return nil
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan Result, 1)}
}

// Submit accepts a command for delivery. A zero ID gets a generated one; a
// zero expiry gets the configured default. The returned handle reports the
// terminal state exactly once.
func (d *Dispatcher) Submit(cmd Command) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil, errors.Wrap(errors.ErrNotStarted, "command", "Submit", "dispatcher not running")
	}
	if cmd.DeviceID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "command", "Submit", "target device id required")
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if _, exists := d.cmds[cmd.ID]; exists {
		return nil, errors.WrapInvalid(errors.ErrCommandFailed, "command", "Submit",
			fmt.Sprintf("duplicate command id %s", cmd.ID))
	}
	now := time.Now()
	cmd.CreatedAt = now
	if cmd.ExpiresAt.IsZero() {
		cmd.ExpiresAt = now.Add(d.cfg.ExpiryDefault.Std())
	}

	d.nextSeq++
	tr := &tracked{cmd: cmd, state: StatePending, seq: d.nextSeq, handle: newHandle(cmd.ID)}
	d.cmds[cmd.ID] = tr
	tr.timer = time.AfterFunc(time.Until(cmd.ExpiresAt), func() { d.expire(cmd.ID) })

	if d.metrics != nil {
		d.metrics.submitted.Inc()
		d.metrics.inflight.Inc()
	}

	d.trySendLocked(tr)
	return tr.handle, nil
}

// trySendLocked pushes the command to its device's session if one is live.
// Offline or queue-full targets stay Pending; the expiry timer decides their
// fate. Caller holds d.mu.
func (d *Dispatcher) trySendLocked(tr *tracked) {
	sess, online := d.resolver.Lookup(tr.cmd.DeviceID)
	if !online {
		return
	}

	err := sess.PushCommand(frame.Command{
		ID:          tr.cmd.ID,
		Name:        tr.cmd.Name,
		Params:      tr.cmd.Params,
		ExpiresAtMs: tr.cmd.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		d.logger.Warn("command push failed, holding in pending",
			"command_id", tr.cmd.ID, "device_id", tr.cmd.DeviceID, "error", err)
		return
	}
	tr.state = StateSent
}

// expire handles a command's deadline. Pending commands expire outright;
// Sent commands get exactly one re-send with a fresh window, then fail.
func (d *Dispatcher) expire(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tr, ok := d.cmds[id]
	if !ok || tr.state.Terminal() {
		return
	}

	switch tr.state {
	case StatePending:
		d.finishLocked(tr, StateExpired, errors.ErrCommandExpired)

	case StateSent:
		if tr.attempts >= d.cfg.MaxRetries {
			d.finishLocked(tr, StateFailed, errors.ErrCommandFailed)
			return
		}
		tr.attempts++
		if d.metrics != nil {
			d.metrics.retries.Inc()
		}
		d.logger.Info("re-sending unacked command", "command_id", id, "attempt", tr.attempts+1)

		// Re-send with a fresh window the same length as the original. The
		// command stays Sent; a device that dropped in the meantime simply
		// never acks and the next expiry fails it.
		window := tr.cmd.ExpiresAt.Sub(tr.cmd.CreatedAt)
		tr.cmd.ExpiresAt = time.Now().Add(window)
		d.trySendLocked(tr)
		tr.timer = time.AfterFunc(window, func() { d.expire(id) })
	}
}

// DeviceOnline flushes commands held Pending for a device that just
// registered a session, in submission order. Wired to the registry's
// on-register hook so a reconnect before expiry delivers instead of letting
// the commands age out.
func (d *Dispatcher) DeviceOnline(id registry.DeviceID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return
	}

	var held []*tracked
	for _, tr := range d.cmds {
		if tr.state == StatePending && tr.cmd.DeviceID == id {
			held = append(held, tr)
		}
	}
	sort.Slice(held, func(i, j int) bool {
		return held[i].seq < held[j].seq
	})

	for _, tr := range held {
		d.trySendLocked(tr)
	}
	if len(held) > 0 {
		d.logger.Info("flushed held commands to reconnected device",
			"device_id", id, "count", len(held))
	}
}

// Ack records a device acknowledgment. Unknown or already-terminal ids are
// ignored so duplicate acks are harmless. Implements the session manager's
// ack callback.
func (d *Dispatcher) Ack(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tr, ok := d.cmds[id]
	if !ok || tr.state.Terminal() {
		return
	}
	d.finishLocked(tr, StateAcked, nil)
}

// Cancel aborts a live command. Like Ack, unknown or already-terminal ids
// are a no-op so a cancel racing the command's own completion is harmless.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tr, ok := d.cmds[id]
	if !ok || tr.state.Terminal() {
		return nil
	}
	d.finishLocked(tr, StateCancelled, errors.ErrCommandCancelled)
	return nil
}

// finishLocked moves a command to a terminal state and reports it. Caller
// holds d.mu.
func (d *Dispatcher) finishLocked(tr *tracked, state DeliveryState, cause error) {
	if tr.timer != nil {
		tr.timer.Stop()
	}
	tr.state = state
	delete(d.cmds, tr.cmd.ID)

	if d.metrics != nil {
		d.metrics.outcomes.WithLabelValues(string(state)).Inc()
		d.metrics.inflight.Dec()
	}
	d.report(tr, state, cause)
}

// report delivers the terminal result to the submitter without blocking.
func (d *Dispatcher) report(tr *tracked, state DeliveryState, cause error) {
	var err error
	if cause != nil {
		err = errors.Wrap(cause, "command", "dispatch",
			fmt.Sprintf("command %s for device %s", tr.cmd.ID, tr.cmd.DeviceID))
	}
	select {
	case tr.handle.done <- Result{ID: tr.cmd.ID, State: state, Err: err}:
	default:
	}
	if state != StateAcked {
		d.logger.Info("command terminal", "command_id", tr.cmd.ID, "state", string(state))
	}
}

// State reports a live command's delivery state. Terminal commands are no
// longer tracked.
func (d *Dispatcher) State(id string) (DeliveryState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr, ok := d.cmds[id]
	if !ok {
		return "", false
	}
	return tr.state, true
}

// Pending returns the number of live (Pending or Sent) commands.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cmds)
}

// Stop halts the dispatcher. With persistence enabled, Pending commands are
// snapshotted; Sent commands are failed since their session is going away.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false

	var pending []Command
	for _, tr := range d.cmds {
		if tr.timer != nil {
			tr.timer.Stop()
		}
		if tr.state == StatePending && d.cfg.PersistPendingCommands {
			pending = append(pending, tr.cmd)
			if d.metrics != nil {
				d.metrics.inflight.Dec()
			}
			continue
		}
		d.finishLocked(tr, StateFailed, errors.ErrShuttingDown)
	}
	d.cmds = make(map[string]*tracked)
	d.mu.Unlock()

	if d.cfg.PersistPendingCommands {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := d.store.SavePending(ctx, pending); err != nil {
			return errors.Wrap(err, "command", "Stop", "pending snapshot save")
		}
		d.logger.Info("persisted pending commands", "count", len(pending))
	}

	d.logger.Info("command dispatcher stopped")
	return nil
}
