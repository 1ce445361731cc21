// Package ingest validates and buffers inbound telemetry from all sessions,
// applies backpressure, and hands off batches to the downstream sink.
package ingest

import (
	"context"
	"time"

	"github.com/c360/fieldgate/registry"
)

// Status tags the validation outcome of an event. OutOfOrder and Duplicate
// are advisory: the event is still delivered so the sink can decide.
type Status string

// Validation statuses.
const (
	StatusValid      Status = "valid"
	StatusDuplicate  Status = "duplicate"
	StatusOutOfOrder Status = "out_of_order"
)

// TelemetryEvent is one validated device measurement. Immutable after
// validation; the pipeline never mutates an event once it is buffered.
type TelemetryEvent struct {
	DeviceID      registry.DeviceID      `json:"device_id"`
	Seq           uint64                 `json:"seq"`
	SchemaVersion int                    `json:"schema_version"`
	Timestamp     time.Time              `json:"timestamp"`
	Fields        map[string]interface{} `json:"fields"`
	Status        Status                 `json:"status"`
}

// Sink consumes validated telemetry batches. Implementations are expected to
// be idempotent under redelivery of an identical batch: the pipeline delivers
// at least once and redelivers the same batch, whole and in order, after a
// failure.
type Sink interface {
	Deliver(ctx context.Context, batch []TelemetryEvent) error
}
