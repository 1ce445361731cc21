// Package memsink provides an in-memory telemetry sink for tests and local
// runs without a NATS deployment.
package memsink

import (
	"context"
	"sync"

	"github.com/c360/fieldgate/ingest"
)

// Sink accumulates delivered batches in memory.
type Sink struct {
	mu      sync.RWMutex
	batches [][]ingest.TelemetryEvent
}

// New creates an empty in-memory sink.
func New() *Sink {
	return &Sink{}
}

// Deliver records the batch. Never fails.
func (s *Sink) Deliver(_ context.Context, batch []ingest.TelemetryEvent) error {
	copied := make([]ingest.TelemetryEvent, len(batch))
	copy(copied, batch)

	s.mu.Lock()
	s.batches = append(s.batches, copied)
	s.mu.Unlock()
	return nil
}

// Batches returns a snapshot of every batch delivered so far.
func (s *Sink) Batches() [][]ingest.TelemetryEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]ingest.TelemetryEvent, len(s.batches))
	copy(out, s.batches)
	return out
}

// Events returns all delivered events flattened in delivery order.
func (s *Sink) Events() []ingest.TelemetryEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.TelemetryEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}
