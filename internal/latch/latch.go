// Package latch provides the completion barrier used by synchronous pool
// operations: a one-shot counter that N participants arrive on exactly once.
package latch

import (
	"fmt"
	"sync/atomic"
)

// CountLatch completes after exactly n calls to Arrive.
//
// Waiters that are pool workers must not block on Done directly; they poll
// Probe between executing other queued jobs and only select on Done when they
// have nothing else to run.
type CountLatch struct {
	remaining atomic.Int64
	total     int64
	done      chan struct{}
}

// New creates a latch for n participants. n must be positive.
func New(n int) *CountLatch {
	if n <= 0 {
		panic(fmt.Sprintf("latch: participant count must be positive, got %d", n))
	}

	l := &CountLatch{
		total: int64(n),
		done:  make(chan struct{}),
	}
	l.remaining.Store(int64(n))
	return l
}

// Arrive records one participant's completion. The n-th arrival closes Done.
// Arriving more often than the latch was sized for is a bug and panics.
func (l *CountLatch) Arrive() {
	left := l.remaining.Add(-1)
	switch {
	case left == 0:
		close(l.done)
	case left < 0:
		panic(fmt.Sprintf("latch: %d arrivals on a latch sized %d", l.total-left, l.total))
	}
}

// Probe reports whether every participant has arrived.
func (l *CountLatch) Probe() bool {
	return l.remaining.Load() <= 0
}

// Done returns a channel closed once every participant has arrived.
func (l *CountLatch) Done() <-chan struct{} {
	return l.done
}

// Wait parks the calling goroutine until every participant has arrived.
// Only goroutines that are not pool workers may use it.
func (l *CountLatch) Wait() {
	<-l.done
}

// Remaining returns the number of participants that have not arrived yet.
func (l *CountLatch) Remaining() int {
	return int(max(l.remaining.Load(), 0))
}
