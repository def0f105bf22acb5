package scheduler

import (
	"sync"
	"sync/atomic"
)

const (
	// Cache line size for padding to prevent false sharing
	cacheLinePadding = 128
	// Default capacity of a worker's broadcast inbox ring
	defaultInboxCapacity = 256
	// Default capacity of the registry-wide injector ring
	defaultInjectorCapacity = 1024
)

// mpmcQueueSlot represents a single slot in the ring buffer
type mpmcQueueSlot struct {
	// Sequence number for synchronization
	sequence uint64
	value    *JobRef
	// Padding to prevent false sharing between slots
	_ [cacheLinePadding - 16]byte
}

// mpmcQueue is a bounded lock-free multi-producer multi-consumer ring
// (Vyukov's sequence-number design). Any goroutine may push or pop.
type mpmcQueue struct {
	ring []mpmcQueueSlot
	// Capacity mask (capacity - 1) for fast modulo
	mask uint64

	_    [cacheLinePadding]byte
	head uint64
	_    [cacheLinePadding - 8]byte
	tail uint64
	_    [cacheLinePadding - 8]byte
}

func newMPMCQueue(capacity int) *mpmcQueue {
	capacity = nextPowerOfTwo(capacity)
	ring := make([]mpmcQueueSlot, capacity)

	for i := range ring {
		ring[i].sequence = uint64(i) // #nosec G115 -- i is loop index within valid ring bounds
	}

	return &mpmcQueue{
		ring: ring,
		mask: uint64(capacity - 1), // #nosec G115 -- capacity is validated positive, no overflow possible
	}
}

// TryEnqueue adds ref to the queue. It returns false when the ring is full.
func (q *mpmcQueue) TryEnqueue(ref *JobRef) bool {
	for {
		tail := atomic.LoadUint64(&q.tail)
		slot := &q.ring[tail&q.mask]
		diff := int64(atomic.LoadUint64(&slot.sequence)) - int64(tail) // #nosec G115 -- intentional conversion for sequence comparison

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.tail, tail, tail+1) {
				slot.value = ref
				atomic.StoreUint64(&slot.sequence, tail+1)
				return true
			}
		case diff < 0:
			return false
		}
	}
}

// TryDequeue removes the oldest item. It returns false when the ring is empty.
func (q *mpmcQueue) TryDequeue() (*JobRef, bool) {
	for {
		head := atomic.LoadUint64(&q.head)
		slot := &q.ring[head&q.mask]
		diff := int64(atomic.LoadUint64(&slot.sequence)) - int64(head+1) // #nosec G115 -- intentional conversion for sequence comparison

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.head, head, head+1) {
				ref := slot.value
				slot.value = nil
				// Release the slot to producers: if head is N, next sequence is N + capacity
				atomic.StoreUint64(&slot.sequence, head+q.mask+1)
				return ref, true
			}
		case diff < 0:
			return nil, false
		}
	}
}

// Len returns the approximate number of items in the queue
func (q *mpmcQueue) Len() int {
	head := atomic.LoadUint64(&q.head)
	tail := atomic.LoadUint64(&q.tail)

	if tail > head {
		return int(tail - head) // #nosec G115 -- safe conversion, tail > head guarantees result fits in int
	}
	return 0
}

// Cap returns the capacity of the ring
func (q *mpmcQueue) Cap() int {
	return len(q.ring)
}

// jobQueue is an unbounded MPMC queue: a lock-free ring on the fast path and a
// mutex-guarded spill list once the ring is full. Pushes never block, which
// matters because a worker pushing into its own full inbox would otherwise
// wait on itself.
//
// FIFO order holds within the ring and within the spill list but not across
// them; jobs in a pool carry no ordering guarantee.
type jobQueue struct {
	ring *mpmcQueue

	mu       sync.Mutex
	spill    []*JobRef
	spillLen atomic.Int64
}

func newJobQueue(capacity int) *jobQueue {
	return &jobQueue{ring: newMPMCQueue(capacity)}
}

// Push adds ref to the queue.
func (q *jobQueue) Push(ref *JobRef) {
	if q.spillLen.Load() == 0 && q.ring.TryEnqueue(ref) {
		return
	}

	q.mu.Lock()
	q.spill = append(q.spill, ref)
	q.spillLen.Add(1)
	q.mu.Unlock()
}

// Pop removes a job, or returns false when the queue is empty.
func (q *jobQueue) Pop() (*JobRef, bool) {
	if ref, ok := q.ring.TryDequeue(); ok {
		return ref, true
	}

	if q.spillLen.Load() == 0 {
		return nil, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.spill) == 0 {
		return nil, false
	}

	ref := q.spill[0]
	q.spill[0] = nil
	q.spill = q.spill[1:]
	q.spillLen.Add(-1)
	return ref, true
}

// Len returns the approximate number of queued jobs.
func (q *jobQueue) Len() int {
	return q.ring.Len() + int(q.spillLen.Load())
}
