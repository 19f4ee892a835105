package service

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter implements per-processor submission rate limiting
type RateLimiter struct {
	mu sync.Mutex

	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing perSecond submissions per
// processor with the given burst. A non-positive rate disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// CheckSubmissionRate checks if the processor can accept another job
func (rl *RateLimiter) CheckSubmissionRate(ctx context.Context, processor string) error {
	if rl == nil || rl.limit == rate.Inf {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !rl.limiter(processor).Allow() {
		return ErrRateLimitExceeded
	}
	return nil
}

func (rl *RateLimiter) limiter(processor string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[processor]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[processor] = l
	}
	return l
}
