// Package cpu pins pool worker goroutines to OS threads and, where the
// platform allows it, to a single CPU core.
package cpu

import (
	"errors"
	"runtime"
)

// ErrPinningUnsupported is returned by Pin on platforms without thread affinity.
// The goroutine is still locked to its OS thread in that case.
var ErrPinningUnsupported = errors.New("cpu pinning not supported on " + runtime.GOOS)

// NumCPU returns the number of logical CPUs available.
func NumCPU() int {
	return runtime.NumCPU()
}

// Pin locks the calling goroutine to its OS thread and pins that thread to
// core index modulo NumCPU. The returned release func must be called from the
// same goroutine; it unlocks the thread even when pinning itself failed.
func Pin(index int) (release func(), err error) {
	runtime.LockOSThread()
	release = runtime.UnlockOSThread

	return release, pinToCore(coreFor(index))
}

func coreFor(index int) int {
	n := NumCPU()
	if index < 0 {
		index = -index
	}
	return index % n
}
