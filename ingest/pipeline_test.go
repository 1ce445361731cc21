package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fieldgate/config"
	"github.com/c360/fieldgate/errors"
	"github.com/c360/fieldgate/frame"
)

// captureSink records every delivery attempt and can be told to fail the
// first N attempts.
type captureSink struct {
	mu       sync.Mutex
	attempts [][]TelemetryEvent
	acked    [][]TelemetryEvent
	failures int
}

func (s *captureSink) Deliver(_ context.Context, batch []TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]TelemetryEvent, len(batch))
	copy(copied, batch)
	s.attempts = append(s.attempts, copied)

	if s.failures > 0 {
		s.failures--
		return errors.WrapTransient(errors.ErrSinkUnavailable, "captureSink", "Deliver", "induced failure")
	}
	s.acked = append(s.acked, copied)
	return nil
}

func (s *captureSink) ackedBatches() [][]TelemetryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]TelemetryEvent, len(s.acked))
	copy(out, s.acked)
	return out
}

func (s *captureSink) ackedEvents() []TelemetryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TelemetryEvent
	for _, b := range s.acked {
		out = append(out, b...)
	}
	return out
}

func testConfig() config.IngestConfig {
	return config.IngestConfig{
		BufferCapacityPerDevice: 64,
		BackpressurePolicy:      config.BackpressureReject,
		BatchSizeThreshold:      4,
		BatchTimeThreshold:      config.Duration(20 * time.Millisecond),
	}
}

func startPipeline(t *testing.T, cfg config.IngestConfig, sink Sink, schemas *SchemaSet) *Pipeline {
	t.Helper()
	p := New(Deps{Config: cfg, Sink: sink, Schemas: schemas})
	require.NoError(t, p.Initialize())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(2 * time.Second) })
	return p
}

func telemetry(seq uint64) frame.Telemetry {
	return frame.Telemetry{
		Seq:           seq,
		SchemaVersion: 1,
		TimestampMs:   time.Now().UnixMilli(),
		Fields:        map[string]interface{}{"temp": 21.5},
	}
}

func TestPipelineSequenceTagging(t *testing.T) {
	sink := &captureSink{}
	p := startPipeline(t, testConfig(), sink, nil)

	ctx := context.Background()
	for _, seq := range []uint64{1, 2, 2, 4} {
		require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(seq)))
	}

	require.Eventually(t, func() bool {
		return len(sink.ackedEvents()) == 4
	}, 2*time.Second, 10*time.Millisecond)

	events := sink.ackedEvents()
	assert.Equal(t, StatusValid, events[0].Status)
	assert.Equal(t, StatusValid, events[1].Status)
	assert.Equal(t, StatusDuplicate, events[2].Status)
	assert.Equal(t, StatusOutOfOrder, events[3].Status)
}

func TestPipelineAssignsMissingSeq(t *testing.T) {
	sink := &captureSink{}
	p := startPipeline(t, testConfig(), sink, nil)

	ctx := context.Background()
	require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(0)))
	require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(0)))

	require.Eventually(t, func() bool {
		return len(sink.ackedEvents()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	events := sink.ackedEvents()
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, StatusValid, events[0].Status)
	assert.Equal(t, StatusValid, events[1].Status)
}

func TestPipelineSeqIsolationAcrossDevices(t *testing.T) {
	sink := &captureSink{}
	p := startPipeline(t, testConfig(), sink, nil)

	ctx := context.Background()
	require.NoError(t, p.Ingest(ctx, "dev-a", telemetry(1)))
	require.NoError(t, p.Ingest(ctx, "dev-b", telemetry(1)))

	require.Eventually(t, func() bool {
		return len(sink.ackedEvents()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for _, ev := range sink.ackedEvents() {
		assert.Equal(t, StatusValid, ev.Status, "device %s", ev.DeviceID)
	}
}

func TestPipelineSchemaValidation(t *testing.T) {
	schemas, err := NewSchemaSet(map[int]string{
		1: `{"type":"object","properties":{"temp":{"type":"number"}},"required":["temp"]}`,
	})
	require.NoError(t, err)

	sink := &captureSink{}
	p := startPipeline(t, testConfig(), sink, schemas)

	ctx := context.Background()
	require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(1)))

	bad := telemetry(2)
	bad.Fields = map[string]interface{}{"humidity": 40.0}
	err = p.Ingest(ctx, "dev-1", bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchemaViolation)

	undeclared := telemetry(3)
	undeclared.SchemaVersion = 9
	err = p.Ingest(ctx, "dev-1", undeclared)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchemaViolation)

	require.Eventually(t, func() bool {
		return len(sink.ackedEvents()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, sink.ackedEvents(), 1)
}

func TestPipelineRejectPolicyBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.BufferCapacityPerDevice = 2
	cfg.BatchSizeThreshold = 100
	cfg.BatchTimeThreshold = config.Duration(time.Hour)

	sink := &captureSink{}
	p := startPipeline(t, cfg, sink, nil)

	ctx := context.Background()
	require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(1)))
	require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(2)))

	err := p.Ingest(ctx, "dev-1", telemetry(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBackpressure)
	assert.True(t, errors.IsTransient(err))
}

func TestPipelineBlockPolicyHonorsContext(t *testing.T) {
	cfg := testConfig()
	cfg.BufferCapacityPerDevice = 2
	cfg.BackpressurePolicy = config.BackpressureBlock
	cfg.BatchSizeThreshold = 100
	cfg.BatchTimeThreshold = config.Duration(time.Hour)

	sink := &captureSink{}
	p := startPipeline(t, cfg, sink, nil)

	ctx := context.Background()
	require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(1)))
	require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(2)))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Ingest(waitCtx, "dev-1", telemetry(3))
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "writer should have blocked")
}

func TestPipelineBatchBySize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSizeThreshold = 3
	cfg.BatchTimeThreshold = config.Duration(time.Hour)

	sink := &captureSink{}
	p := startPipeline(t, cfg, sink, nil)

	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(seq)))
	}

	require.Eventually(t, func() bool {
		return len(sink.ackedBatches()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, sink.ackedBatches()[0], 3)
}

func TestPipelineBatchByTime(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSizeThreshold = 100
	cfg.BatchTimeThreshold = config.Duration(20 * time.Millisecond)

	sink := &captureSink{}
	p := startPipeline(t, cfg, sink, nil)

	require.NoError(t, p.Ingest(context.Background(), "dev-1", telemetry(1)))

	require.Eventually(t, func() bool {
		return len(sink.ackedBatches()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, sink.ackedBatches()[0], 1)
}

func TestPipelineRedeliversIdenticalBatch(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSizeThreshold = 2
	cfg.BatchTimeThreshold = config.Duration(time.Hour)

	sink := &captureSink{failures: 1}
	p := startPipeline(t, cfg, sink, nil)

	ctx := context.Background()
	require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(1)))
	require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(2)))

	require.Eventually(t, func() bool {
		return len(sink.ackedBatches()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.GreaterOrEqual(t, len(sink.attempts), 2)
	assert.Equal(t, sink.attempts[0], sink.attempts[len(sink.attempts)-1],
		"redelivered batch must be identical to the failed one")
}

func TestPipelineStopDrains(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSizeThreshold = 100
	cfg.BatchTimeThreshold = config.Duration(time.Hour)

	sink := &captureSink{}
	p := New(Deps{Config: cfg, Sink: sink})
	require.NoError(t, p.Initialize())
	require.NoError(t, p.Start(context.Background()))

	ctx := context.Background()
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, p.Ingest(ctx, "dev-1", telemetry(seq)))
	}

	require.NoError(t, p.Stop(2*time.Second))
	assert.Len(t, sink.ackedEvents(), 5)

	err := p.Ingest(ctx, "dev-1", telemetry(6))
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestPipelineInitializeValidation(t *testing.T) {
	cfg := testConfig()
	cfg.BackpressurePolicy = "best-effort"
	p := New(Deps{Config: cfg, Sink: &captureSink{}})
	assert.ErrorIs(t, p.Initialize(), errors.ErrInvalidConfig)

	p = New(Deps{Config: testConfig()})
	assert.ErrorIs(t, p.Initialize(), errors.ErrMissingConfig)
}
