package rest

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Throttler gates outbound requests per limit bucket.
type Throttler interface {
	Acquire(ctx context.Context, limitID string) error
}

// RateThrottler paces requests with one token bucket per limit ID.
type RateThrottler struct {
	perSecond float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateThrottler builds a throttler allowing perSecond requests per bucket.
func NewRateThrottler(perSecond float64) *RateThrottler {
	if perSecond <= 0 {
		perSecond = 10
	}
	t := new(RateThrottler)
	t.perSecond = perSecond
	t.limiters = make(map[string]*rate.Limiter)
	return t
}

// Acquire blocks until the bucket for limitID grants a token or the context ends.
func (t *RateThrottler) Acquire(ctx context.Context, limitID string) error {
	t.mu.Lock()
	limiter, ok := t.limiters[limitID]
	if !ok {
		burst := int(t.perSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(t.perSecond), burst)
		t.limiters[limitID] = limiter
	}
	t.mu.Unlock()
	return limiter.Wait(ctx)
}
