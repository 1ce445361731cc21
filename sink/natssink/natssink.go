// Package natssink delivers telemetry batches to NATS JetStream. A batch is
// published as a single message; the JetStream publish ack is the batch ack,
// so redelivered batches become duplicate messages for downstream consumers
// to deduplicate.
package natssink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fieldgate/config"
	"github.com/c360/fieldgate/errors"
	"github.com/c360/fieldgate/ingest"
)

const connectTimeout = 10 * time.Second

// Sink publishes telemetry batches to a JetStream stream.
type Sink struct {
	cfg    config.NATSConfig
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// New creates a JetStream sink. Call Connect before Deliver.
func New(cfg config.NATSConfig, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:    cfg,
		logger: logger.With("component", "natssink"),
	}
}

// Connect establishes the NATS connection and ensures the stream exists.
func (s *Sink) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("fieldgate-sink"),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return errors.WrapTransient(err, "natssink", "Connect", "nats connect")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "natssink", "Connect", "jetstream context")
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      s.cfg.Stream,
		Subjects:  []string{s.cfg.Subject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "natssink", "Connect",
			fmt.Sprintf("ensure stream %s", s.cfg.Stream))
	}

	s.mu.Lock()
	s.conn = conn
	s.js = js
	s.mu.Unlock()

	s.logger.Info("connected to jetstream", "stream", s.cfg.Stream, "subject", s.cfg.Subject)
	return nil
}

// Deliver publishes one batch as a single message on
// "<subject>.<device-id>". All events in a batch share a device, so the
// subject carries the device for downstream filtering.
func (s *Sink) Deliver(ctx context.Context, batch []ingest.TelemetryEvent) error {
	if len(batch) == 0 {
		return nil
	}

	s.mu.RLock()
	js := s.js
	s.mu.RUnlock()
	if js == nil {
		return errors.WrapTransient(errors.ErrSinkUnavailable, "natssink", "Deliver", "not connected")
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return errors.WrapInvalid(err, "natssink", "Deliver", "batch marshal")
	}

	subject := fmt.Sprintf("%s.%s", s.cfg.Subject, batch[0].DeviceID)
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "natssink", "Deliver",
			fmt.Sprintf("publish %d events", len(batch)))
	}
	return nil
}

// Close drains the connection, flushing buffered publishes.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.js = nil
	return nil
}
