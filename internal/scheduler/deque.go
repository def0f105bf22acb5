package scheduler

import (
	"sync/atomic"
)

const (
	defaultLocalQueueCapacity = 64
	maxStealAttempts          = 8 // Victims checked per steal round
	batchStealSize            = 4 // Steal multiple jobs at once
)

// dequeBuffer is one generation of the deque's ring. Growing swaps in a new
// buffer atomically so thieves always see a ring and its matching mask.
type dequeBuffer struct {
	ring []atomic.Pointer[JobRef]
	mask uint64
}

func newDequeBuffer(capacity int) *dequeBuffer {
	return &dequeBuffer{
		ring: make([]atomic.Pointer[JobRef], capacity),
		mask: uint64(capacity - 1), // #nosec G115 -- capacity is a positive power of two
	}
}

func (b *dequeBuffer) load(i int64) *JobRef {
	return b.ring[uint64(i)&b.mask].Load() // #nosec G115 -- intentional conversion for ring indexing with wraparound
}

func (b *dequeBuffer) store(i int64, ref *JobRef) {
	b.ring[uint64(i)&b.mask].Store(ref) // #nosec G115 -- intentional conversion for ring indexing with wraparound
}

// wsDeque implements a lock-free work-stealing deque (double-ended queue).
//
// Concurrency model:
//   - The tail is modified only by the owner worker (single writer)
//   - The head is modified by thieves attempting to steal work (multiple readers/writers)
//   - The owner pushes and pops at the back (LIFO), thieves take from the front (FIFO)
//
// This implementation is based on the Chase-Lev work-stealing deque algorithm.
//
// References:
//   - "Dynamic Circular Work-Stealing Deque" by Chase and Lev (2005)
//   - Go runtime scheduler: runtime/proc.go
type wsDeque struct {
	buffer atomic.Pointer[dequeBuffer]

	// Head index - modified by stealers (other workers)
	// Padded to prevent false sharing
	_    [cacheLinePadding]byte
	head atomic.Int64
	_    [cacheLinePadding - 8]byte

	// Tail index - modified only by owner worker
	tail atomic.Int64
	_    [cacheLinePadding - 8]byte
}

func newWSDeque(capacity int) *wsDeque {
	if capacity <= 0 {
		capacity = defaultLocalQueueCapacity
	}

	dq := &wsDeque{}
	dq.buffer.Store(newDequeBuffer(nextPowerOfTwo(capacity)))
	return dq
}

// PushBack adds a job to the back of the deque. Owner only.
//
// The deque grows when full; growth doubles the ring so it is amortized O(1).
func (w *wsDeque) PushBack(ref *JobRef) {
	tail := w.tail.Load()
	head := w.head.Load()
	buf := w.buffer.Load()

	if tail-head >= int64(len(buf.ring)) {
		buf = w.grow(buf, head, tail)
	}

	buf.store(tail, ref)
	w.tail.Store(tail + 1)
}

// grow doubles the ring and copies the live range [head, tail) into it.
// Owner only. The old buffer is left intact for thieves still reading it.
func (w *wsDeque) grow(old *dequeBuffer, head, tail int64) *dequeBuffer {
	buf := newDequeBuffer(len(old.ring) << 1)
	for i := head; i < tail; i++ {
		buf.store(i, old.load(i))
	}

	w.buffer.Store(buf)
	return buf
}

// PopBack removes and returns the most recently pushed job, or nil. Owner only.
//
// When one job is left, a racing thief and the owner settle it with a CAS on
// head so exactly one of them gets it.
func (w *wsDeque) PopBack() *JobRef {
	tail := w.tail.Load() - 1
	w.tail.Store(tail)

	head := w.head.Load()
	if head > tail {
		w.tail.Store(head)
		return nil
	}

	ref := w.buffer.Load().load(tail)

	if head == tail {
		if !w.head.CompareAndSwap(head, head+1) {
			ref = nil
		}
		w.tail.Store(head + 1)
	}

	return ref
}

// PopFront removes and returns the oldest job, or nil when the deque is empty
// or another thief won the race. Safe for concurrent use.
func (w *wsDeque) PopFront() *JobRef {
	head := w.head.Load()
	tail := w.tail.Load()

	if head >= tail {
		return nil
	}

	ref := w.buffer.Load().load(head)

	if !w.head.CompareAndSwap(head, head+1) {
		return nil
	}

	return ref
}

// Len returns the approximate number of jobs in the deque.
func (w *wsDeque) Len() int {
	head := w.head.Load()
	tail := w.tail.Load()
	return int(max(tail-head, 0))
}
