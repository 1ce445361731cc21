package buffer

import (
	"context"
	"sync"

	"github.com/c360/fieldgate/errors"
)

// ring is a thread-safe circular buffer with configurable overflow policies.
type ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]

	// For Block policy
	notFull *sync.Cond
	closed  bool
}

func newRing[T any](capacity int, opts *bufferOptions[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapInvalid(err, "buffer", "newRing", "metrics registration")
		}
	}

	rb := &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	rb.notFull = sync.NewCond(&rb.mu)
	return rb, nil
}

// Write adds an item to the buffer according to the overflow policy.
// Under the Block policy it waits without a deadline; use WriteContext to
// bound the wait.
func (rb *ring[T]) Write(item T) error {
	return rb.WriteContext(context.Background(), item)
}

// WriteContext adds an item, honoring ctx cancellation while waiting for
// space under the Block policy.
func (rb *ring[T]) WriteContext(ctx context.Context, item T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "buffer", "Write", "buffer closed")
	}

	if rb.size == rb.capacity {
		switch rb.opts.overflowPolicy {
		case DropOldest:
			dropped := rb.items[rb.tail]
			rb.tail = (rb.tail + 1) % rb.capacity
			rb.size--

			rb.stats.Overflow()
			rb.stats.Drop()
			if rb.metrics != nil {
				rb.metrics.recordDrop()
			}
			if rb.opts.dropCallback != nil {
				// Run the callback outside the lock to avoid deadlock
				defer rb.opts.dropCallback(dropped)
			}

		case Reject:
			rb.stats.Overflow()
			if rb.metrics != nil {
				rb.metrics.recordOverflow()
			}
			return errors.WrapTransient(errors.ErrBackpressure, "buffer", "Write", "bounded buffer admission")

		case Block:
			if err := rb.waitNotFull(ctx); err != nil {
				return err
			}
		}
	}

	rb.items[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity
	rb.size++

	rb.stats.Write()
	rb.stats.UpdateSize(int64(rb.size))
	if rb.metrics != nil {
		rb.metrics.recordWrite(rb.size, rb.capacity)
	}

	return nil
}

// waitNotFull blocks until space is available, the buffer closes, or ctx is
// cancelled. Caller must hold rb.mu.
func (rb *ring[T]) waitNotFull(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// A watcher goroutine turns ctx cancellation into a Broadcast so the
	// cond wait below can observe it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rb.notFull.Broadcast()
		case <-done:
		}
	}()

	for rb.size == rb.capacity && !rb.closed {
		rb.notFull.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if rb.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "buffer", "Write", "buffer closed during blocking wait")
	}
	return nil
}

// Read retrieves and removes one item from the buffer.
func (rb *ring[T]) Read() (T, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	if rb.size == 0 {
		return zero, false
	}

	item := rb.items[rb.tail]
	rb.items[rb.tail] = zero // clear for GC
	rb.tail = (rb.tail + 1) % rb.capacity
	rb.size--

	rb.stats.Read()
	rb.stats.UpdateSize(int64(rb.size))
	if rb.metrics != nil {
		rb.metrics.recordRead(rb.size, rb.capacity)
	}

	rb.notFull.Signal()
	return item, true
}

// ReadBatch retrieves and removes up to max items in FIFO order.
func (rb *ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	readCount := max
	if readCount > rb.size {
		readCount = rb.size
	}

	result := make([]T, readCount)
	var zero T
	for i := 0; i < readCount; i++ {
		result[i] = rb.items[rb.tail]
		rb.items[rb.tail] = zero
		rb.tail = (rb.tail + 1) % rb.capacity
		rb.size--
		rb.stats.Read()
	}

	rb.stats.UpdateSize(int64(rb.size))
	if rb.metrics != nil {
		rb.metrics.updateSize(rb.size, rb.capacity)
	}

	rb.notFull.Broadcast()
	return result
}

// Peek retrieves one item without removing it from the buffer.
func (rb *ring[T]) Peek() (T, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var zero T
	if rb.size == 0 {
		return zero, false
	}
	return rb.items[rb.tail], true
}

// Size returns the current number of items in the buffer.
func (rb *ring[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (rb *ring[T]) Capacity() int {
	return rb.capacity // immutable, no lock needed
}

// IsFull reports whether the buffer is at maximum capacity.
func (rb *ring[T]) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size == rb.capacity
}

// IsEmpty reports whether the buffer contains no items.
func (rb *ring[T]) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size == 0
}

// Clear removes all items from the buffer.
func (rb *ring[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.opts.dropCallback != nil && rb.size > 0 {
		toDrop := make([]T, rb.size)
		for i := 0; i < rb.size; i++ {
			toDrop[i] = rb.items[(rb.tail+i)%rb.capacity]
		}
		defer func() {
			for _, item := range toDrop {
				rb.opts.dropCallback(item)
			}
		}()
	}

	var zero T
	for i := 0; i < rb.capacity; i++ {
		rb.items[i] = zero
	}
	rb.head = 0
	rb.tail = 0
	rb.size = 0

	rb.stats.UpdateSize(0)
	if rb.metrics != nil {
		rb.metrics.updateSize(0, rb.capacity)
	}

	rb.notFull.Broadcast()
}

// Stats returns buffer statistics.
func (rb *ring[T]) Stats() *Statistics {
	return rb.stats
}

// Close shuts down the buffer and wakes all blocked writers.
func (rb *ring[T]) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return nil
	}
	rb.closed = true
	rb.notFull.Broadcast()
	return nil
}
