// Package fieldgate is an IoT device gateway core. Devices connect over TCP
// speaking a length-prefixed, checksummed binary framing protocol; the
// gateway validates and batches their telemetry into a downstream sink
// (NATS JetStream in production) and routes externally submitted commands
// back to the owning device session, tracking acknowledgment and expiry.
//
// The composition lives in the gateway package. The building blocks are
// frame (wire codec), registry (device directory with supersede semantics),
// session (per-connection lifecycle), ingest (validation, buffering,
// batching), and command (dispatch, retry, expiry).
package fieldgate
