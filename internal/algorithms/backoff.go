// Package algorithms holds the sleep schedules used by idle pool workers.
package algorithms

import (
	"cmp"
	"math/rand"
	"sync"
	"time"
)

const (
	maxShift = 62 // Prevent overflow in the 2^n factor
)

// Backoff computes how long an idle worker sleeps after its n-th consecutive
// empty poll of the queues.
//
// attempt is 0-indexed: 0 is the first sleep after spinning and yielding gave
// nothing back. Implementations are owned by a single worker but must still be
// safe for concurrent use.
type Backoff interface {
	NextDelay(attempt int) time.Duration
}

// BackoffType selects the idle sleep algorithm. The zero value is
// BackoffJittered.
type BackoffType int

const (
	// BackoffJittered randomises each exponential step so that idle workers of
	// the same pool do not all wake up on the same tick.
	BackoffJittered BackoffType = iota
	// BackoffExponential doubles the sleep on every empty poll.
	BackoffExponential
)

// NewBackoff creates a backoff of the given type.
func NewBackoff(backoffType BackoffType, initialDelay, maxDelay time.Duration, jitterFactor float64) Backoff {
	switch backoffType {
	case BackoffExponential:
		return newExponentialBackoff(initialDelay, maxDelay)
	default:
		return newJitteredBackoff(initialDelay, maxDelay, jitterFactor)
	}
}

// jitteredBackoff adds randomization to exponential backoff.
// Delay formula: exponentialDelay * (1 ± jitterFactor), capped at maxDelay.
//
// Example with jitterFactor=0.1:
// Base delay of 1ms becomes random value between 900µs and 1.1ms
type jitteredBackoff struct {
	initialDelay, maxDelay time.Duration
	jitterFactor           float64 // 0.0 to 1.0 (e.g., 0.1 = ±10% jitter)
	rng                    *rand.Rand
	mu                     sync.Mutex
}

func newJitteredBackoff(initialDelay, maxDelay time.Duration, jitterFactor float64) *jitteredBackoff {
	return &jitteredBackoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		jitterFactor: clamp(jitterFactor, 0, 1),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- crypto rand not needed for sleep jitter
	}
}

func (jb *jitteredBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}

	baseDelay := calcExponentialDelay(attempt, jb.initialDelay, jb.maxDelay)

	jb.mu.Lock()
	jitterMultiplier := 1.0 + (jb.rng.Float64()*2-1)*jb.jitterFactor
	jb.mu.Unlock()

	actualDelay := time.Duration(float64(baseDelay) * jitterMultiplier)
	return clamp(actualDelay, 0, jb.maxDelay)
}

// exponentialBackoff implements simple exponential backoff.
// Delay formula: initialDelay * 2^attempt, capped at maxDelay.
type exponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
}

func newExponentialBackoff(initialDelay, maxDelay time.Duration) *exponentialBackoff {
	return &exponentialBackoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
	}
}

func (eb *exponentialBackoff) NextDelay(attempt int) time.Duration {
	return calcExponentialDelay(attempt, eb.initialDelay, eb.maxDelay)
}

func calcExponentialDelay(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		return 0
	}

	if attempt >= maxShift {
		return maxDelay
	}

	factor := int64(1) << uint(attempt) // #nosec G115 -- attempt is in [0, maxShift)
	delay := time.Duration(factor) * initialDelay

	if delay > maxDelay || delay < 0 {
		return maxDelay
	}

	return delay
}

func clamp[T cmp.Ordered](v, lo, hi T) T {
	return min(max(v, lo), hi)
}
