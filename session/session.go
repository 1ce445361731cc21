// Package session owns the lifecycle of one device connection: handshake,
// inbound frame dispatch, liveness, outbound command delivery, and teardown.
// One Session runs per live connection; the Manager supervises them all.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/fieldgate/errors"
	"github.com/c360/fieldgate/frame"
	"github.com/c360/fieldgate/pkg/buffer"
	"github.com/c360/fieldgate/registry"
)

// ProtocolVersion is the single wire protocol version this gateway speaks.
const ProtocolVersion = 1

// rateBurst allows short inbound bursts above the sustained per-session rate.
const rateBurst = 16

// drainReadGrace is how long a draining session keeps reading after the last
// inbound frame, so telemetry already in flight is consumed rather than
// dropped with the connection. Always capped by the drain deadline.
const drainReadGrace = 100 * time.Millisecond

// TelemetryHandler accepts validated-frame telemetry from sessions.
type TelemetryHandler interface {
	Ingest(ctx context.Context, deviceID registry.DeviceID, t frame.Telemetry) error
}

// AckHandler receives command acknowledgments from devices. Acks for unknown
// or already-terminal commands must be ignored.
type AckHandler interface {
	Ack(commandID string)
}

// Session is one device connection. Created by the Manager on accept,
// destroyed on disconnect, timeout, supersede, or shutdown. Never reused.
type Session struct {
	conn      net.Conn
	codec     *frame.Codec
	reg       *registry.Registry
	telemetry TelemetryHandler
	acks      AckHandler
	logger    *slog.Logger

	handshakeTimeout time.Duration
	livenessWindow   time.Duration
	drainDeadline    time.Duration
	limiter          *rate.Limiter

	deviceID registry.DeviceID
	token    string

	state      atomic.Int32
	reason     atomic.Value // CloseReason, set once by beginDrain/close
	drainUntil atomic.Value // time.Time, set by beginDrain before draining closes
	outbound   buffer.Buffer[frame.Command]
	notify     chan struct{}
	draining   chan struct{} // closed by beginDrain
	readDone   chan struct{} // closed when the read loop exits
	done       chan struct{} // closed when teardown completes

	cancel context.CancelFunc // set in Run, fired by close

	writeMu   sync.Mutex
	drainOnce sync.Once
	closeOnce sync.Once

	onClose func(*Session)
}

type sessionParams struct {
	conn      net.Conn
	codec     *frame.Codec
	reg       *registry.Registry
	telemetry TelemetryHandler
	acks      AckHandler
	logger    *slog.Logger

	handshakeTimeout time.Duration
	livenessWindow   time.Duration
	drainDeadline    time.Duration
	queueCapacity    int
	rateLimit        float64

	onClose func(*Session)
}

func newSession(p sessionParams) (*Session, error) {
	outbound, err := buffer.NewRing[frame.Command](p.queueCapacity,
		buffer.WithOverflowPolicy[frame.Command](buffer.Reject))
	if err != nil {
		return nil, errors.Wrap(err, "session", "newSession", "outbound queue")
	}

	s := &Session{
		conn:             p.conn,
		codec:            p.codec,
		reg:              p.reg,
		telemetry:        p.telemetry,
		acks:             p.acks,
		logger:           p.logger,
		handshakeTimeout: p.handshakeTimeout,
		livenessWindow:   p.livenessWindow,
		drainDeadline:    p.drainDeadline,
		outbound:         outbound,
		notify:           make(chan struct{}, 1),
		draining:         make(chan struct{}),
		readDone:         make(chan struct{}),
		done:             make(chan struct{}),
		onClose:          p.onClose,
	}
	if p.rateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(p.rateLimit), rateBurst)
	}
	s.state.Store(int32(StateConnecting))
	return s, nil
}

// Token returns the session token minted at handshake.
func (s *Session) Token() string { return s.token }

// DeviceID returns the device this session authenticated as. Empty until
// the handshake completes.
func (s *Session) DeviceID() registry.DeviceID { return s.deviceID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// CloseReason returns why the session closed, or empty if still live.
func (s *Session) CloseReason() CloseReason {
	if r, ok := s.reason.Load().(CloseReason); ok {
		return r
	}
	return ""
}

// Done returns a channel closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Supersede signals teardown because a newer session registered for the same
// device. Safe to call more than once. Implements registry.Session.
func (s *Session) Supersede() {
	s.beginDrain(ReasonSuperseded)
}

// Drain requests a graceful teardown: queued commands are flushed within the
// drain deadline, then the connection closes.
func (s *Session) Drain() {
	s.beginDrain(ReasonShutdown)
}

// PushCommand appends a command to the outbound queue. The error reports why
// a push could not be accepted: ErrSessionNotReady before the handshake
// completes, ErrSessionClosing once teardown began, ErrQueueFull at capacity.
// Implements registry.Session.
func (s *Session) PushCommand(cmd frame.Command) error {
	switch s.State() {
	case StateActive:
	case StateConnecting:
		return errors.WrapTransient(errors.ErrSessionNotReady, "session", "PushCommand",
			fmt.Sprintf("device %s handshake in progress", s.deviceID))
	default:
		return errors.Wrap(errors.ErrSessionClosing, "session", "PushCommand",
			fmt.Sprintf("device %s state %s", s.deviceID, s.State()))
	}
	if err := s.outbound.Write(cmd); err != nil {
		if errors.Is(err, errors.ErrShuttingDown) {
			return errors.Wrap(errors.ErrSessionClosing, "session", "PushCommand",
				fmt.Sprintf("device %s outbound queue closed", s.deviceID))
		}
		return errors.WrapTransient(errors.ErrQueueFull, "session", "PushCommand",
			fmt.Sprintf("device %s queue at capacity", s.deviceID))
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the session to completion: handshake, then concurrent read and
// write loops until teardown. Returns nil on a clean close; errors are
// informational and never propagate beyond this session.
func (s *Session) Run(ctx context.Context) error {
	// Every suspension point below runs under the session's own context so
	// close can release a handler blocked on backpressure.
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	defer s.teardown()
	defer close(s.readDone)

	if err := s.handshake(); err != nil {
		s.close(ReasonHandshakeFailed)
		return err
	}

	go s.writeLoop()
	return s.readLoop(ctx)
}

// handshake performs the Connecting phase: the first frame must be a valid
// Handshake within the handshake timeout. On acceptance the session is
// registered and an affirmative HandshakeAck carries the minted token.
func (s *Session) handshake() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))

	f, err := s.codec.ReadFrame(s.conn)
	if err != nil {
		return errors.Wrap(errors.ErrHandshakeFailed, "session", "handshake", "first frame read")
	}

	hs, ok := f.(frame.Handshake)
	if !ok {
		s.rejectHandshake("expected handshake frame")
		return errors.WrapInvalid(errors.ErrHandshakeFailed, "session", "handshake",
			fmt.Sprintf("first frame was %T", f))
	}
	if hs.DeviceID == "" {
		s.rejectHandshake("device id required")
		return errors.WrapInvalid(errors.ErrHandshakeFailed, "session", "handshake", "empty device id")
	}
	if hs.ProtocolVersion != ProtocolVersion {
		s.rejectHandshake(fmt.Sprintf("unsupported protocol version %d", hs.ProtocolVersion))
		return errors.WrapInvalid(errors.ErrHandshakeFailed, "session", "handshake",
			fmt.Sprintf("protocol version %d", hs.ProtocolVersion))
	}

	s.deviceID = registry.DeviceID(hs.DeviceID)
	s.token = uuid.NewString()
	s.logger = s.logger.With("device_id", hs.DeviceID, "session", s.token[:8])

	// Active before the registry install: the instant a Lookup can resolve
	// this session it must accept pushes, or commands racing the handshake
	// get stranded.
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))

	reg, err := s.reg.Register(s.deviceID, s, registry.Metadata{
		Capabilities:    hs.Capabilities,
		ProtocolVersion: hs.ProtocolVersion,
	})
	if err != nil {
		s.rejectHandshake("registration refused")
		return errors.Wrap(err, "session", "handshake", "registry install")
	}
	if reg.Superseded {
		s.logger.Info("superseded prior session", "prior", reg.SupersededToken[:8])
	}

	if err := s.write(frame.HandshakeAck{
		Accepted:        true,
		SessionToken:    s.token,
		ProtocolVersion: ProtocolVersion,
	}); err != nil {
		return errors.Wrap(err, "session", "handshake", "ack write")
	}

	s.logger.Info("session active")
	return nil
}

func (s *Session) rejectHandshake(why string) {
	_ = s.write(frame.HandshakeAck{
		Accepted:        false,
		ProtocolVersion: ProtocolVersion,
		Reason:          why,
	})
}

// readLoop processes inbound frames in arrival order until the connection
// fails, the liveness window expires, or teardown begins. Per-frame decode
// faults leave the stream aligned, so the session skips them and carries on.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		_ = s.conn.SetReadDeadline(s.readDeadline())

		f, err := s.codec.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, errors.ErrChecksumMismatch) || errors.Is(err, errors.ErrUnknownFrameType) ||
				errors.Is(err, errors.ErrPayloadDecode) {
				s.logger.Warn("discarding malformed frame", "error", err)
				continue
			}
			return s.readError(err)
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				s.close(ReasonShutdown)
				return nil
			}
		}

		s.dispatch(ctx, f)
		if s.State() == StateClosed {
			return nil
		}
	}
}

// readDeadline bounds the next blocking read. Live sessions use the liveness
// window. A draining session keeps reading briefly so inbound frames already
// in flight are consumed, never past the drain deadline.
func (s *Session) readDeadline() time.Time {
	deadline := time.Now().Add(s.livenessWindow)
	select {
	case <-s.draining:
		if grace := time.Now().Add(drainReadGrace); grace.Before(deadline) {
			deadline = grace
		}
		if until, ok := s.drainUntil.Load().(time.Time); ok && until.Before(deadline) {
			deadline = until
		}
	default:
	}
	return deadline
}

// readError classifies a fatal ReadFrame failure and closes the session.
func (s *Session) readError(err error) error {
	select {
	case <-s.draining:
		// Teardown already in progress; the read failed because the
		// connection was closed under us.
		return nil
	default:
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.logger.Info("liveness window expired")
		s.close(ReasonTimeout)
		return errors.WrapTransient(errors.ErrSessionTimeout, "session", "readLoop", "no inbound activity")
	}

	if errors.Is(err, io.EOF) {
		s.logger.Info("peer closed connection")
		s.close(ReasonGraceful)
		return nil
	}

	s.logger.Warn("connection read failed", "error", err)
	s.close(ReasonProtocol)
	return nil
}

// dispatch routes one inbound frame. Exhaustive over the frame union;
// unknown types never reach here, the codec rejects them.
func (s *Session) dispatch(ctx context.Context, f frame.Frame) {
	switch fr := f.(type) {
	case frame.Telemetry:
		if err := s.telemetry.Ingest(ctx, s.deviceID, fr); err != nil {
			// Rejections are per-event, not per-session. Backpressure and
			// schema violations are logged and the session carries on.
			s.logger.Warn("telemetry rejected", "seq", fr.Seq, "error", err)
		}
	case frame.CommandAck:
		if s.acks != nil {
			s.acks.Ack(fr.ID)
		}
	case frame.Ping:
		if err := s.write(frame.Pong{Nonce: fr.Nonce}); err != nil {
			s.close(ReasonProtocol)
		}
	case frame.Pong:
		// Liveness credit was already granted by the read itself.
	case frame.Disconnect:
		s.logger.Info("device requested disconnect", "reason", fr.Reason)
		s.beginDrain(ReasonGraceful)
	case frame.Handshake, frame.HandshakeAck, frame.Command:
		s.logger.Warn("unexpected frame direction", "type", fmt.Sprintf("0x%02x", byte(f.FrameType())))
		s.close(ReasonProtocol)
	}
}

// writeLoop delivers queued commands in submission order and handles the
// drain sequence.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.notify:
			if !s.flushCommands() {
				return
			}
		case <-s.draining:
			s.finishDrain()
			return
		}
	}
}

// flushCommands writes everything currently queued. Returns false when the
// connection is no longer writable.
func (s *Session) flushCommands() bool {
	for {
		cmd, ok := s.outbound.Read()
		if !ok {
			return true
		}
		if err := s.write(cmd); err != nil {
			s.logger.Warn("command write failed", "command_id", cmd.ID, "error", err)
			s.close(ReasonProtocol)
			return false
		}
	}
}

// finishDrain flushes the remaining queue within the drain deadline, sends a
// Disconnect notice, lets the read loop consume in-flight inbound frames,
// and closes the connection.
func (s *Session) finishDrain() {
	deadline, _ := s.drainUntil.Load().(time.Time)
	_ = s.conn.SetWriteDeadline(deadline)

	s.flushCommands()
	_ = s.write(frame.Disconnect{Reason: string(s.CloseReason())})

	select {
	case <-s.readDone:
	case <-time.After(time.Until(deadline)):
	}
	s.close(s.CloseReason())
}

// beginDrain moves the session to Draining exactly once. Re-entry is a
// no-op.
func (s *Session) beginDrain(reason CloseReason) {
	s.drainOnce.Do(func() {
		if reason != "" {
			s.reason.CompareAndSwap(nil, reason)
		}
		s.drainUntil.Store(time.Now().Add(s.drainDeadline))
		s.state.CompareAndSwap(int32(StateActive), int32(StateDraining))
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateDraining))
		close(s.draining)
	})
}

// close transitions to Closed exactly once, cancels the session context so
// blocked handlers return, and releases the connection. Idempotent: later
// calls with a different reason do not overwrite the first.
func (s *Session) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		if reason != "" {
			s.reason.CompareAndSwap(nil, reason)
		}
		s.state.Store(int32(StateClosed))
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		_ = s.outbound.Close()
	})
	s.beginDrain(reason)
}

// teardown releases registry and supervisor references after Run returns.
func (s *Session) teardown() {
	s.close(s.CloseReason())

	if s.token != "" {
		if err := s.reg.Unregister(s.deviceID, s.token); err != nil &&
			!errors.Is(err, errors.ErrStaleSession) && !errors.Is(err, errors.ErrDeviceNotFound) {
			s.logger.Warn("unregister failed", "error", err)
		}
	}
	if s.onClose != nil {
		s.onClose(s)
	}
	close(s.done)
	s.logger.Info("session closed", "reason", string(s.CloseReason()))
}

// write serializes one frame onto the connection. The mutex keeps frames
// from the write loop and the read loop's pong replies from interleaving.
func (s *Session) write(f frame.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.codec.WriteFrame(s.conn, f)
}
