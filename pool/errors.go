package pool

import (
	"errors"

	"github.com/utkarsh5026/stealpool/internal/unwind"
)

var (
	// ErrPoolClosed is returned by operations on a pool that has been closed.
	ErrPoolClosed = errors.New("stealpool: pool is closed")

	// ErrGlobalPoolInitialized is returned by BuildGlobal once the global
	// pool exists, whether built explicitly or on first use.
	ErrGlobalPoolInitialized = errors.New("stealpool: global pool already initialized")

	// ErrInvalidThreadCount is returned by NewThreadPool for a negative
	// WithNumThreads.
	ErrInvalidThreadCount = errors.New("stealpool: invalid thread count")

	// ErrGoexit marks a fault whose closure called runtime.Goexit.
	ErrGoexit = unwind.ErrGoexit
)

// Fault describes one failed closure invocation on a worker: either a panic
// (Value and Stack are set) or a returned error (Err is set).
//
// A Fault is an error. Unwrap exposes the returned error, or the panic value
// when that value is an error, so errors.Is and errors.As see through it.
type Fault = unwind.Fault
