package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fieldgate/config"
	"github.com/c360/fieldgate/errors"
	"github.com/c360/fieldgate/frame"
	"github.com/c360/fieldgate/metric"
	"github.com/c360/fieldgate/pkg/buffer"
	"github.com/c360/fieldgate/pkg/retry"
	"github.com/c360/fieldgate/registry"
)

// deliveryAttempts caps sink delivery retries within one flush pass; the
// batch stays frozen for redelivery on the next pass if all attempts fail.
const deliveryAttempts = 10

// Deps carries the pipeline's dependencies.
type Deps struct {
	Config          config.IngestConfig
	Sink            Sink
	Schemas         *SchemaSet
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Pipeline validates, buffers, and batches telemetry per device, delivering
// batches to the sink at least once. One flusher goroutine runs per active
// device stream; validation happens on the caller's goroutine.
type Pipeline struct {
	cfg     config.IngestConfig
	sink    Sink
	schemas *SchemaSet
	logger  *slog.Logger
	metrics *Metrics

	policy buffer.OverflowPolicy

	mu      sync.RWMutex
	streams map[registry.DeviceID]*deviceStream
	started bool
	closing bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// deviceStream is the per-device ingest state. The seq tracker is guarded by
// its own mutex so admission on one device never blocks another.
type deviceStream struct {
	buf    buffer.Buffer[TelemetryEvent]
	notify chan struct{}

	seqMu   sync.Mutex
	lastSeq uint64
}

// New creates an ingestion pipeline. Call Initialize before Start.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:     deps.Config,
		sink:    deps.Sink,
		schemas: deps.Schemas,
		logger:  logger.With("component", "ingest"),
		metrics: newMetrics(deps.MetricsRegistry),
		streams: make(map[registry.DeviceID]*deviceStream),
	}
}

// Initialize validates configuration and dependencies.
func (p *Pipeline) Initialize() error {
	if p.sink == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ingest", "Initialize", "sink is required")
	}
	if p.cfg.BufferCapacityPerDevice <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ingest", "Initialize", "buffer capacity must be positive")
	}
	if p.cfg.BatchSizeThreshold <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ingest", "Initialize", "batch size threshold must be positive")
	}
	if p.cfg.BatchTimeThreshold.Std() <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ingest", "Initialize", "batch time threshold must be positive")
	}

	switch p.cfg.BackpressurePolicy {
	case config.BackpressureBlock:
		p.policy = buffer.Block
	case config.BackpressureReject:
		p.policy = buffer.Reject
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ingest", "Initialize",
			fmt.Sprintf("unknown backpressure policy %q", p.cfg.BackpressurePolicy))
	}

	return nil
}

// Start begins accepting telemetry. Flusher goroutines are started lazily as
// devices first ingest.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "ingest", "Start", "pipeline already running")
	}
	p.runCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.started = true
	p.closing = false

	p.logger.Info("ingestion pipeline started",
		"policy", p.cfg.BackpressurePolicy,
		"buffer_capacity", p.cfg.BufferCapacityPerDevice,
		"batch_size", p.cfg.BatchSizeThreshold,
		"batch_time", p.cfg.BatchTimeThreshold.Std())
	return nil
}

// Ingest validates one telemetry frame from a device and admits it to the
// device's buffer. Steps run in order: sequence tagging, schema validation,
// admission. Under the block policy a full buffer makes Ingest wait until
// ctx is done; under the reject policy it fails fast with a backpressure
// error.
func (p *Pipeline) Ingest(ctx context.Context, deviceID registry.DeviceID, t frame.Telemetry) error {
	p.mu.RLock()
	if !p.started || p.closing {
		p.mu.RUnlock()
		return errors.Wrap(errors.ErrNotStarted, "ingest", "Ingest", "pipeline not accepting telemetry")
	}
	p.mu.RUnlock()

	ds := p.stream(deviceID)

	ev := TelemetryEvent{
		DeviceID:      deviceID,
		Seq:           t.Seq,
		SchemaVersion: t.SchemaVersion,
		Timestamp:     time.UnixMilli(t.TimestampMs).UTC(),
		Fields:        t.Fields,
	}

	// Step 1: sequence tagging. A zero seq means the device does not track
	// sequence numbers; assign the next expected value.
	ds.seqMu.Lock()
	switch {
	case ev.Seq == 0:
		ev.Seq = ds.lastSeq + 1
		ev.Status = StatusValid
		ds.lastSeq = ev.Seq
	case ev.Seq == ds.lastSeq:
		ev.Status = StatusDuplicate
	case ev.Seq != ds.lastSeq+1:
		ev.Status = StatusOutOfOrder
		if ev.Seq > ds.lastSeq {
			ds.lastSeq = ev.Seq
		}
	default:
		ev.Status = StatusValid
		ds.lastSeq = ev.Seq
	}
	ds.seqMu.Unlock()

	// Step 2: schema validation. A violation rejects the event outright.
	if err := p.schemas.Validate(ev.SchemaVersion, ev.Fields); err != nil {
		if p.metrics != nil {
			p.metrics.eventsRejected.WithLabelValues("schema").Inc()
		}
		return err
	}

	// Step 3: admission.
	var err error
	if p.policy == buffer.Block {
		err = ds.buf.WriteContext(ctx, ev)
	} else {
		err = ds.buf.Write(ev)
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.eventsRejected.WithLabelValues("backpressure").Inc()
		}
		return err
	}

	if p.metrics != nil {
		p.metrics.eventsIngested.WithLabelValues(string(ev.Status)).Inc()
	}

	// Wake the flusher; a pending wakeup already covers this event.
	select {
	case ds.notify <- struct{}{}:
	default:
	}
	return nil
}

// stream returns the device's stream, creating it and starting its flusher
// on first use.
func (p *Pipeline) stream(deviceID registry.DeviceID) *deviceStream {
	p.mu.RLock()
	ds, ok := p.streams[deviceID]
	p.mu.RUnlock()
	if ok {
		return ds
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ds, ok = p.streams[deviceID]; ok {
		return ds
	}

	buf, err := buffer.NewRing[TelemetryEvent](p.cfg.BufferCapacityPerDevice,
		buffer.WithOverflowPolicy[TelemetryEvent](p.policy))
	if err != nil {
		// NewRing only fails on metrics registration, which is not enabled
		// here. Fall back to a fresh buffer without options.
		buf, _ = buffer.NewRing[TelemetryEvent](p.cfg.BufferCapacityPerDevice)
	}

	ds = &deviceStream{
		buf:    buf,
		notify: make(chan struct{}, 1),
	}
	p.streams[deviceID] = ds

	if p.metrics != nil {
		p.metrics.activeStreams.Inc()
	}

	p.wg.Add(1)
	go p.runStream(p.runCtx, deviceID, ds)
	return ds
}

// runStream drains one device's buffer into sink batches. A batch forms when
// the buffer holds a full batch or the time threshold fires, whichever comes
// first. A batch that fails delivery is held and redelivered identically; no
// event is dropped once admitted.
func (p *Pipeline) runStream(ctx context.Context, deviceID registry.DeviceID, ds *deviceStream) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.BatchTimeThreshold.Std())
	defer ticker.Stop()

	var batch []TelemetryEvent
	for {
		select {
		case <-ctx.Done():
			p.drainStream(deviceID, ds, batch)
			return

		case <-ds.notify:
			if len(batch) == 0 && ds.buf.Size() >= p.cfg.BatchSizeThreshold {
				batch = ds.buf.ReadBatch(p.cfg.BatchSizeThreshold)
			}
			if len(batch) >= p.cfg.BatchSizeThreshold {
				if p.deliver(ctx, deviceID, batch) {
					batch = nil
				}
			}

		case <-ticker.C:
			if len(batch) == 0 {
				batch = ds.buf.ReadBatch(p.cfg.BatchSizeThreshold)
			}
			if len(batch) > 0 {
				if p.deliver(ctx, deviceID, batch) {
					batch = nil
				}
			}
		}
	}
}

// drainStream flushes everything left in a stream during shutdown, bounded
// by the drain grace period.
func (p *Pipeline) drainStream(deviceID registry.DeviceID, ds *deviceStream, pending []TelemetryEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		if len(pending) == 0 {
			pending = ds.buf.ReadBatch(p.cfg.BatchSizeThreshold)
		}
		if len(pending) == 0 {
			return
		}
		if !p.deliver(drainCtx, deviceID, pending) {
			p.logger.Error("dropping telemetry on shutdown, sink unavailable",
				"device_id", deviceID, "events", len(pending)+ds.buf.Size())
			return
		}
		pending = nil
	}
}

// deliver pushes one batch to the sink with retries. Returns false if the
// batch could not be delivered; the caller keeps it for redelivery.
func (p *Pipeline) deliver(ctx context.Context, deviceID registry.DeviceID, batch []TelemetryEvent) bool {
	start := time.Now()
	attempt := 0
	err := retry.Do(ctx, errors.RetryPolicy(deliveryAttempts), errors.Guard(func() error {
		attempt++
		if attempt > 1 && p.metrics != nil {
			p.metrics.batchRedeliveries.Inc()
		}
		return p.sink.Deliver(ctx, batch)
	}))
	if err != nil {
		p.logger.Warn("batch delivery failed, holding for redelivery",
			"device_id", deviceID, "events", len(batch), "error", err)
		return false
	}

	if p.metrics != nil {
		p.metrics.batchesDelivered.Inc()
		p.metrics.deliveryLatency.Observe(time.Since(start).Seconds())
	}
	return true
}

// Stop drains what it can within the timeout and shuts the pipeline down.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.WrapTransient(errors.ErrShuttingDown, "ingest", "Stop", "drain deadline exceeded")
	}

	p.mu.Lock()
	for id, ds := range p.streams {
		_ = ds.buf.Close()
		delete(p.streams, id)
		if p.metrics != nil {
			p.metrics.activeStreams.Dec()
		}
	}
	p.started = false
	p.mu.Unlock()

	p.logger.Info("ingestion pipeline stopped")
	return err
}

// Buffered reports the number of events currently buffered across devices.
func (p *Pipeline) Buffered() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, ds := range p.streams {
		total += ds.buf.Size()
	}
	return total
}
