package pool

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/utkarsh5026/stealpool/internal/metrics"
	"github.com/utkarsh5026/stealpool/internal/unwind"
)

// faultRouter delivers faults from fire-and-forget jobs, which have no caller
// to return them to.
type faultRouter struct {
	handler func(*Fault)
	logger  *zap.Logger
	limiter *rate.Limiter
	metrics *metrics.Pool
	faults  *atomic.Uint64

	// suppressed counts lines dropped since the last logged one;
	// suppressedTotal never resets and feeds Stats.
	suppressed      atomic.Uint64
	suppressedTotal atomic.Uint64
}

// route hands f to the panic handler, or logs it when there is none.
// It never panics.
func (r *faultRouter) route(f *Fault, source string) {
	r.faults.Add(1)
	r.metrics.Fault(source)

	if r.handler == nil {
		r.logUnhandled(f, source)
		return
	}

	if hf := unwind.Halt(f.Worker, func() { r.handler(f) }); hf != nil {
		r.logger.Error("panic handler panicked",
			zap.String("source", source),
			zap.Int("worker", f.Worker),
			zap.Any("panic", hf.Value),
			zap.NamedError("fault", f),
			zap.ByteString("stack", hf.Stack))
	}
}

func (r *faultRouter) logUnhandled(f *Fault, source string) {
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		r.suppressedTotal.Add(1)
		return
	}

	fields := []zap.Field{
		zap.String("source", source),
		zap.Int("worker", f.Worker),
		zap.Error(f),
	}
	if n := r.suppressed.Swap(0); n > 0 {
		fields = append(fields, zap.Uint64("suppressed", n))
	}
	if len(f.Stack) > 0 {
		fields = append(fields, zap.ByteString("stack", f.Stack))
	}

	r.logger.Error("unhandled fault in pool job", fields...)
}
