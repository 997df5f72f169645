package network

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttle caps aggregate download throughput in bytes per second. All
// transfers share one Throttle, so the cap is global, not per job. A zero or
// negative limit disables the cap; the disabled path costs one atomic load.
type Throttle struct {
	limiter *rate.Limiter
	enabled atomic.Bool
}

// NewThrottle builds a Throttle limited to bytesPerSec. Zero means unlimited.
func NewThrottle(bytesPerSec int) *Throttle {
	t := &Throttle{limiter: rate.NewLimiter(rate.Inf, 0)}
	t.SetLimit(bytesPerSec)
	return t
}

// SetLimit replaces the cap at runtime. Burst equals one second of budget.
func (t *Throttle) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		t.enabled.Store(false)
		t.limiter.SetLimit(rate.Inf)
		return
	}
	t.limiter.SetLimit(rate.Limit(bytesPerSec))
	t.limiter.SetBurst(bytesPerSec)
	t.enabled.Store(true)
}

// Limit returns the current cap in bytes per second, 0 when unlimited.
func (t *Throttle) Limit() int {
	if !t.enabled.Load() {
		return 0
	}
	return int(t.limiter.Limit())
}

// Wait blocks until n bytes fit the budget or the context ends. Requests
// larger than the burst are consumed in burst-sized slices, so chunk sizes
// above the cap still pace correctly instead of erroring.
func (t *Throttle) Wait(ctx context.Context, n int) error {
	if n <= 0 || !t.enabled.Load() {
		return nil
	}
	for n > 0 {
		step := n
		if burst := t.limiter.Burst(); burst > 0 && step > burst {
			step = burst
		}
		if err := t.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
