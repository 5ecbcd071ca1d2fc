// Package queue provides a thread-safe bounded ring buffer connecting the
// bus to the durable writer.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"hostguard/internal/schema"
)

var (
	// ErrQueueFull is returned when a push cannot complete within its
	// deadline.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// RingBuffer is a bounded circular buffer of admitted envelopes.
type RingBuffer struct {
	buffer []*schema.EventEnvelope
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	// notEmpty wakes consumers, notFull wakes blocked producers.
	notEmpty *sync.Cond
	notFull  *sync.Cond

	totalPushed  uint64
	totalPopped  uint64
	totalRefused uint64
}

// NewRingBuffer creates a RingBuffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}
	rb := &RingBuffer{
		buffer: make([]*schema.EventEnvelope, size),
		size:   size,
	}
	rb.notEmpty = sync.NewCond(&rb.mu)
	rb.notFull = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an envelope without blocking. Returns ErrQueueFull at capacity.
func (rb *RingBuffer) Push(env *schema.EventEnvelope) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		atomic.AddUint64(&rb.totalRefused, 1)
		return ErrQueueFull
	}
	rb.pushLocked(env)
	return nil
}

// PushWait adds an envelope, blocking up to timeout for capacity. A timeout
// returns ErrQueueFull; nothing waits indefinitely.
func (rb *RingBuffer) PushWait(env *schema.EventEnvelope, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		rb.mu.Lock()
		rb.notFull.Broadcast()
		rb.mu.Unlock()
	})
	defer timer.Stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == rb.size && !rb.closed {
		if !time.Now().Before(deadline) {
			atomic.AddUint64(&rb.totalRefused, 1)
			return ErrQueueFull
		}
		rb.notFull.Wait()
	}
	if rb.closed {
		return ErrQueueClosed
	}
	rb.pushLocked(env)
	return nil
}

// PushContext behaves like PushWait but also honors the context: the wait
// ends at the timeout, the context's deadline or its cancellation,
// whichever comes first. Context errors are returned as-is.
func (rb *RingBuffer) PushContext(ctx context.Context, env *schema.EventEnvelope, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < timeout {
			timeout = remaining
		}
	}

	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		rb.notFull.Broadcast()
		rb.mu.Unlock()
	})
	defer stop()

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		rb.mu.Lock()
		rb.notFull.Broadcast()
		rb.mu.Unlock()
	})
	defer timer.Stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == rb.size && !rb.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			atomic.AddUint64(&rb.totalRefused, 1)
			return ErrQueueFull
		}
		rb.notFull.Wait()
	}
	if rb.closed {
		return ErrQueueClosed
	}
	rb.pushLocked(env)
	return nil
}

func (rb *RingBuffer) pushLocked(env *schema.EventEnvelope) {
	rb.buffer[rb.tail] = env
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)
	rb.notEmpty.Signal()
}

// Pop removes and returns an envelope. Returns ErrQueueEmpty when empty.
func (rb *RingBuffer) Pop() (*schema.EventEnvelope, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopWithTimeout removes and returns an envelope, waiting up to timeout.
// Returns ErrQueueEmpty on timeout, ErrQueueClosed once closed and drained.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*schema.EventEnvelope, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		rb.mu.Lock()
		rb.notEmpty.Broadcast()
		rb.mu.Unlock()
	})
	defer timer.Stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		if !time.Now().Before(deadline) {
			return nil, ErrQueueEmpty
		}
		rb.notEmpty.Wait()
	}
	if rb.count == 0 && rb.closed {
		return nil, ErrQueueClosed
	}
	return rb.popLocked(), nil
}

func (rb *RingBuffer) popLocked() *schema.EventEnvelope {
	env := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)
	rb.notFull.Signal()
	return env
}

// Len returns the current number of queued envelopes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Close closes the queue and wakes all waiters. Queued envelopes remain
// poppable until drained.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Refused:  atomic.LoadUint64(&rb.totalRefused),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Refused  uint64 `json:"refused"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
