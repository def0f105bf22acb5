package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testTimeout = 10 * time.Second

func newTestPool(t *testing.T, opts ...ThreadPoolOption) *ThreadPool {
	t.Helper()

	opts = append([]ThreadPoolOption{WithLogger(zaptest.NewLogger(t))}, opts...)
	p, err := NewThreadPool(opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		closeWithin(t, p, testTimeout)
	})
	return p
}

// closeWithin fails the test when Close does not return in time.
func closeWithin(t *testing.T, p *ThreadPool, d time.Duration) {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- p.Close()
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(d):
		t.Fatalf("Close of pool %q did not return within %v", p.Name(), d)
	}
}

// receiveN collects n values from ch or fails the test on timeout.
func receiveN[T any](t *testing.T, ch <-chan T, n int) []T {
	t.Helper()

	out := make([]T, 0, n)
	deadline := time.After(testTimeout)
	for len(out) < n {
		select {
		case v := <-ch:
			out = append(out, v)
		case <-deadline:
			t.Fatalf("received %d of %d values before timeout", len(out), n)
		}
	}
	return out
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func workerIndex(bc BroadcastContext) (int, error) {
	return bc.Index(), nil
}
