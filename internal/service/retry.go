package service

import (
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"batch-engine/internal/models"
)

// RetryScheduler decides whether a failed job is retried, computes the
// backoff and owns the timers that put the job back in the queue.
type RetryScheduler struct {
	jitter func() float64

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewRetryScheduler creates a new retry scheduler
func NewRetryScheduler() *RetryScheduler {
	return &RetryScheduler{
		jitter: func() float64 { return 0.5 + rand.Float64()*0.5 }, //nolint:gosec // jitter does not need crypto rand
		timers: make(map[string]*time.Timer),
	}
}

// ShouldRetry reports whether a job that has already been retried
// retryCount times may run again after failing with failure.
func (s *RetryScheduler) ShouldRetry(p *models.Processor, policy models.RetryPolicy, retryCount int, failure string) bool {
	if p == nil || !p.Retryable {
		return false
	}
	if retryCount >= policy.MaxAttempts {
		return false
	}
	if len(policy.RetryableErrors) == 0 {
		return true
	}
	for _, pattern := range policy.RetryableErrors {
		if pattern != "" && strings.Contains(failure, pattern) {
			return true
		}
	}
	return false
}

// Delay returns the wait before retry number attempt (1-indexed):
// base * multiplier^(attempt-1), capped at the policy's max delay.
func (s *RetryScheduler) Delay(policy models.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := policy.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(policy.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if math.IsNaN(d) || d < 0 {
		d = 0
	}
	if policy.MaxDelay > 0 && d > float64(policy.MaxDelay) {
		d = float64(policy.MaxDelay)
	}
	if policy.Jitter {
		d *= s.jitter()
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Schedule runs fn after delay unless StopAll is called first. It returns
// false when the scheduler has already been stopped.
func (s *RetryScheduler) Schedule(jobID string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[jobID] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, jobID)
		s.mu.Unlock()
		fn()
	})
	s.timers[jobID] = timer
	return true
}

// Pending returns the number of retries waiting on their delay
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// StopAll cancels every pending retry and refuses new ones. It returns the
// number of retries that will never run.
func (s *RetryScheduler) StopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true

	abandoned := 0
	for id, timer := range s.timers {
		if timer.Stop() {
			abandoned++
		}
		delete(s.timers, id)
	}
	return abandoned
}
