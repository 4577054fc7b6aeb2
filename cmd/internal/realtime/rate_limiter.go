package realtime

import (
	"golang.org/x/time/rate"
)

// emitLimiter caps outbound emits per connection manager. A nil limiter allows everything.
type emitLimiter struct {
	lim *rate.Limiter
}

func newEmitLimiter(perSecond float64, burst int) *emitLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &emitLimiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *emitLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.lim.Allow()
}
