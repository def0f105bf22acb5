// Package unwind converts panics, returned errors and runtime.Goexit inside
// pool-executed closures into Fault values, so that a failing closure never
// leaves scheduler bookkeeping half updated.
package unwind

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrGoexit is recorded when a closure terminated its goroutine with
// runtime.Goexit (for example through testing.T.FailNow) instead of returning.
var ErrGoexit = errors.New("closure called runtime.Goexit")

const maxStackSize = 4096

// Fault is the payload of one failed closure invocation.
//
// Exactly one of Value and Err describes the failure: Value holds whatever was
// passed to panic, Err holds the error returned by the closure (or ErrGoexit).
type Fault struct {
	// Worker is the index of the worker that ran the closure, or -1 when the
	// closure ran outside a pool.
	Worker int
	Value  any
	Err    error
	Stack  []byte
}

// Panicked reports whether the fault came from a panic rather than a returned error.
func (f *Fault) Panicked() bool {
	return f.Err == nil
}

func (f *Fault) Error() string {
	if f.Panicked() {
		return fmt.Sprintf("worker %d panicked: %v", f.Worker, f.Value)
	}
	return fmt.Sprintf("worker %d: %v", f.Worker, f.Err)
}

// Unwrap exposes the returned error, or the panic value when it is itself an error.
func (f *Fault) Unwrap() error {
	if f.Err != nil {
		return f.Err
	}
	if err, ok := f.Value.(error); ok {
		return err
	}
	return nil
}

// Goexit builds the fault that stands in for a closure that never returned.
// Callers store it before running the closure and overwrite it on return.
func Goexit(worker int) *Fault {
	return &Fault{Worker: worker, Err: ErrGoexit}
}

// Capture runs f and converts a panic or a returned error into a Fault.
// The result value is still returned when f returned both a value and an error.
func Capture[T any](worker int, f func() (T, error)) (result T, fault *Fault) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, maxStackSize)
			n := runtime.Stack(buf, false)
			fault = &Fault{Worker: worker, Value: r, Stack: buf[:n]}
		}
	}()

	result, err := f()
	if err != nil {
		return result, &Fault{Worker: worker, Err: err}
	}
	return result, nil
}

// Halt runs f and returns the fault if it panicked.
func Halt(worker int, f func()) *Fault {
	_, fault := Capture(worker, func() (struct{}, error) {
		f()
		return struct{}{}, nil
	})
	return fault
}
