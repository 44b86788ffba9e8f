package mypipe

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the number of messages a queue holds when no capacity
// is configured.
const DefaultCapacity = 10

// Allocator returns a buffer of at least n bytes for a message copy.
// A non-nil error aborts the write with ErrOutOfMemory.
type Allocator func(n int) ([]byte, error)

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithAllocator replaces the allocator used to copy written messages.
func WithAllocator(alloc Allocator) QueueOption {
	return func(q *Queue) {
		if alloc != nil {
			q.alloc = alloc
		}
	}
}

// QueueStats is a snapshot of a queue's counters.
type QueueStats struct {
	Len          int
	Cap          int
	Writes       int64
	Reads        int64
	BytesWritten int64
	BytesRead    int64
	Interrupted  int64
	Drained      int64
}

// Queue is a bounded FIFO of byte messages shared by any number of
// producers and consumers.
//
// Writers take a slot before touching the ring and hand an item to readers
// when done; readers do the reverse. Both counting resources and the ring
// lock are context-aware semaphores, so every wait can be abandoned. An
// abandoned call returns whatever it had taken, leaving the counts as they
// were. Which waiter wakes first is unspecified.
type Queue struct {
	capacity int

	items *semaphore.Weighted // available items, starts at 0
	slots *semaphore.Weighted // available slots, starts at capacity
	lock  *semaphore.Weighted // guards ring, head, size

	ring [][]byte
	head int
	size int

	alloc Allocator

	length       atomic.Int64
	writes       atomic.Int64
	reads        atomic.Int64
	bytesWritten atomic.Int64
	bytesRead    atomic.Int64
	interrupts   atomic.Int64
	drained      atomic.Int64
}

// NewQueue creates an empty queue holding at most capacity messages.
func NewQueue(capacity int, opts ...QueueOption) (*Queue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}

	q := &Queue{
		capacity: capacity,
		items:    semaphore.NewWeighted(int64(capacity)),
		slots:    semaphore.NewWeighted(int64(capacity)),
		lock:     semaphore.NewWeighted(1),
		ring:     make([][]byte, capacity),
		alloc:    defaultAlloc,
	}
	// No items exist yet: hold every unit of the items semaphore.
	q.items.TryAcquire(int64(capacity))

	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func defaultAlloc(n int) ([]byte, error) {
	return make([]byte, n), nil
}

// Write appends a copy of msg to the tail of the queue, blocking while the
// queue is full. It returns len(msg) on success. The caller keeps ownership
// of msg and may reuse it as soon as Write returns.
func (q *Queue) Write(ctx context.Context, msg []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, q.interrupted(err)
	}
	if err := q.slots.Acquire(ctx, 1); err != nil {
		return 0, q.interrupted(err)
	}

	data, err := q.copyOf(msg)
	if err != nil {
		q.slots.Release(1)
		return 0, err
	}

	if err := q.lock.Acquire(ctx, 1); err != nil {
		q.slots.Release(1)
		return 0, q.interrupted(err)
	}
	return q.push(data)
}

// TryWrite is Write without waiting for a slot. It returns ErrWouldBlock
// when the queue is full.
func (q *Queue) TryWrite(msg []byte) (int, error) {
	if !q.slots.TryAcquire(1) {
		return 0, ErrWouldBlock
	}

	data, err := q.copyOf(msg)
	if err != nil {
		q.slots.Release(1)
		return 0, err
	}

	q.lockNow()
	return q.push(data)
}

// Read removes the message at the head of the queue, blocking while the
// queue is empty. The returned slice belongs to the caller.
func (q *Queue) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, q.interrupted(err)
	}
	if err := q.items.Acquire(ctx, 1); err != nil {
		return nil, q.interrupted(err)
	}
	if err := q.lock.Acquire(ctx, 1); err != nil {
		q.items.Release(1)
		return nil, q.interrupted(err)
	}
	return q.consume()
}

// TryRead is Read without waiting for an item. It returns ErrWouldBlock when
// the queue is empty.
func (q *Queue) TryRead() ([]byte, error) {
	if !q.items.TryAcquire(1) {
		return nil, ErrWouldBlock
	}
	q.lockNow()
	return q.consume()
}

// Drain releases every message currently in the queue without handing it to
// a reader and returns how many were released. Concurrent callers keep
// working; messages written while Drain runs may or may not be released.
func (q *Queue) Drain() (int, error) {
	n := 0
	for q.items.TryAcquire(1) {
		q.lockNow()
		if _, err := q.pop(); err != nil {
			return n, err
		}
		q.drained.Add(1)
		n++
	}
	return n, nil
}

// Len returns the number of messages in the queue.
func (q *Queue) Len() int {
	return int(q.length.Load())
}

// Cap returns the queue's capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Len:          q.Len(),
		Cap:          q.capacity,
		Writes:       q.writes.Load(),
		Reads:        q.reads.Load(),
		BytesWritten: q.bytesWritten.Load(),
		BytesRead:    q.bytesRead.Load(),
		Interrupted:  q.interrupts.Load(),
		Drained:      q.drained.Load(),
	}
}

// copyOf allocates the queue-owned copy of msg.
func (q *Queue) copyOf(msg []byte) ([]byte, error) {
	data, err := q.alloc(len(msg))
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %w", ErrOutOfMemory, len(msg), err)
	}
	if len(data) < len(msg) {
		return nil, fmt.Errorf("%w: allocator returned %d of %d bytes", ErrOutOfMemory, len(data), len(msg))
	}
	data = data[:len(msg)]
	copy(data, msg)
	return data, nil
}

// push stores data at the tail. Must be called holding a slot and the lock;
// releases the lock and publishes one item.
func (q *Queue) push(data []byte) (int, error) {
	if q.size == q.capacity {
		q.lock.Release(1)
		return 0, &InvariantError{
			Op:     "write",
			Detail: fmt.Sprintf("slot acquired but ring holds %d of %d", q.size, q.capacity),
		}
	}

	q.ring[(q.head+q.size)%q.capacity] = data
	q.size++
	q.length.Store(int64(q.size))
	q.writes.Add(1)
	q.bytesWritten.Add(int64(len(data)))
	q.lock.Release(1)
	q.items.Release(1)
	return len(data), nil
}

// pop removes the head. Must be called holding an item and the lock;
// releases the lock and frees one slot.
func (q *Queue) pop() ([]byte, error) {
	if q.size == 0 {
		q.lock.Release(1)
		return nil, &InvariantError{
			Op:     "read",
			Detail: "item acquired but ring is empty",
		}
	}

	data := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.size--
	q.length.Store(int64(q.size))
	q.lock.Release(1)
	q.slots.Release(1)
	return data, nil
}

// consume is pop for a reader: ownership of the message moves to the caller.
func (q *Queue) consume() ([]byte, error) {
	data, err := q.pop()
	if err != nil {
		return nil, err
	}
	q.reads.Add(1)
	q.bytesRead.Add(int64(len(data)))
	return data, nil
}

// lockNow waits for the ring lock without a deadline. The lock is only held
// for a few assignments, and Acquire fails only when its context ends.
func (q *Queue) lockNow() {
	if err := q.lock.Acquire(context.Background(), 1); err != nil {
		panic("mypipe: uncancellable lock acquisition failed: " + err.Error())
	}
}

func (q *Queue) interrupted(cause error) error {
	q.interrupts.Add(1)
	return interrupted(cause)
}
