package scheduler

type signal struct{}

// nextPowerOfTwo returns the next power of 2 >= n
func nextPowerOfTwo(n int) int {
	if n <= 0 {
		return 1
	}

	if n&(n-1) == 0 {
		return n
	}

	power := 1
	for power < n {
		power *= 2
	}
	return power
}

// workerSignal wakes a sleeping worker. Signals coalesce: any number of calls
// to Signal before the worker looks at Wait leave exactly one pending wake-up.
type workerSignal struct {
	sig chan signal
}

func newWorkerSignal() *workerSignal {
	return &workerSignal{
		sig: make(chan signal, 1),
	}
}

// Signal sends a wake-up without blocking. A wake-up that is already pending
// absorbs this one.
func (ws *workerSignal) Signal() {
	select {
	case ws.sig <- signal{}:
	default:
	}
}

// Wait returns the channel a sleeping worker selects on.
func (ws *workerSignal) Wait() <-chan signal {
	return ws.sig
}
