// Package buffer provides generic, thread-safe bounded buffers with
// configurable overflow policies.
//
// Two policies match the gateway's backpressure modes: Block makes writers
// wait (bounded by their context) until space frees up, Reject fails the
// write immediately with a backpressure error. DropOldest is available for
// best-effort queues where the newest data matters most.
//
// All implementations are thread-safe and always collect statistics.
// Prometheus metrics can be optionally enabled via WithMetrics().
package buffer

import "context"

// Buffer is a generic bounded buffer parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item to the buffer. Behavior when full depends on the
	// overflow policy: DropOldest evicts, Reject returns a backpressure
	// error, Block waits indefinitely (use WriteContext for bounded waits).
	Write(item T) error

	// WriteContext behaves like Write but honors ctx cancellation while
	// waiting under the Block policy.
	WriteContext(ctx context.Context, item T) error

	// Read retrieves and removes one item.
	// Returns the zero value and false if the buffer is empty.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items in FIFO order.
	ReadBatch(max int) []T

	// Peek retrieves one item without removing it.
	Peek() (T, bool)

	// Size returns the current number of buffered items.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsFull reports whether the buffer is at capacity.
	IsFull() bool

	// IsEmpty reports whether the buffer holds no items.
	IsEmpty() bool

	// Clear removes all items from the buffer.
	Clear()

	// Stats returns buffer statistics (always collected).
	Stats() *Statistics

	// Close shuts down the buffer and wakes any blocked writers.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// Reject fails new writes with a backpressure error while full.
	Reject

	// Block makes Write wait until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case Reject:
		return "Reject"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped by the overflow policy.
type DropCallback[T any] func(item T)

// NewRing creates a bounded ring buffer with the given capacity and options.
// Returns an error if metrics registration fails when metrics are requested.
func NewRing[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newRing(capacity, opts)
}
