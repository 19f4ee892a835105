package service

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-engine/internal/models"
)

func TestRetry_ShouldRetry(t *testing.T) {
	s := NewRetryScheduler()
	retryable := &models.Processor{Name: "p", Retryable: true}
	permanent := &models.Processor{Name: "p", Retryable: false}
	policy := models.RetryPolicy{MaxAttempts: 3}
	filtered := models.RetryPolicy{MaxAttempts: 3, RetryableErrors: []string{"timeout", "unavailable"}}

	tests := []struct {
		name       string
		processor  *models.Processor
		policy     models.RetryPolicy
		retryCount int
		failure    string
		want       bool
	}{
		{"first failure", retryable, policy, 0, "boom", true},
		{"budget left", retryable, policy, 2, "boom", true},
		{"budget exhausted", retryable, policy, 3, "boom", false},
		{"not retryable processor", permanent, policy, 0, "boom", false},
		{"matching pattern", retryable, filtered, 0, "upstream unavailable", true},
		{"non matching pattern", retryable, filtered, 0, "invalid input", false},
		{"zero attempts", retryable, models.RetryPolicy{}, 0, "boom", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.ShouldRetry(tt.processor, tt.policy, tt.retryCount, tt.failure)
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRetry_DelayExponential(t *testing.T) {
	s := NewRetryScheduler()
	policy := models.RetryPolicy{
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}

	assert.Equal(t, 100*time.Millisecond, s.Delay(policy, 1))
	assert.Equal(t, 200*time.Millisecond, s.Delay(policy, 2))
	assert.Equal(t, 400*time.Millisecond, s.Delay(policy, 3))
	assert.Equal(t, 800*time.Millisecond, s.Delay(policy, 4))
	assert.Equal(t, time.Second, s.Delay(policy, 5))
	assert.Equal(t, time.Second, s.Delay(policy, 50))
}

func TestRetry_DelayNonDecreasingAndCapped(t *testing.T) {
	s := NewRetryScheduler()
	policies := []models.RetryPolicy{
		{BaseDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 1.5},
		{BaseDelay: time.Second, MaxDelay: 30 * time.Second, BackoffMultiplier: 3},
		{BaseDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2},
	}

	for _, p := range policies {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 100; attempt++ {
			d := s.Delay(p, attempt)
			if d < prev {
				t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
			}
			if d > p.MaxDelay {
				t.Fatalf("delay %v exceeds max %v", d, p.MaxDelay)
			}
			prev = d
		}
	}
}

func TestRetry_DelayNeverOverflows(t *testing.T) {
	s := NewRetryScheduler()
	policy := models.RetryPolicy{BaseDelay: time.Millisecond, BackoffMultiplier: 10}

	for _, attempt := range []int{1, 10, 100, 1000, 100000} {
		assert.GreaterOrEqual(t, s.Delay(policy, attempt), time.Duration(0), "attempt %d", attempt)
	}
	assert.Equal(t, time.Duration(math.MaxInt64), s.Delay(policy, 1000))
}

func TestRetry_DelayJitterRange(t *testing.T) {
	s := NewRetryScheduler()
	policy := models.RetryPolicy{
		BaseDelay:         time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2,
		Jitter:            true,
	}

	for i := 0; i < 200; i++ {
		d := s.Delay(policy, 2)
		if d < time.Second || d > 2*time.Second {
			t.Fatalf("jittered delay %v outside [1s, 2s]", d)
		}
	}

	s.jitter = func() float64 { return 0.5 }
	assert.Equal(t, time.Second, s.Delay(policy, 2))
}

func TestRetry_ScheduleRuns(t *testing.T) {
	s := NewRetryScheduler()
	var fired atomic.Int32

	require.True(t, s.Schedule("job-1", 5*time.Millisecond, func() { fired.Add(1) }))
	assert.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestRetry_StopAllAbandonsTimers(t *testing.T) {
	s := NewRetryScheduler()
	var fired atomic.Int32

	s.Schedule("job-1", time.Hour, func() { fired.Add(1) })
	s.Schedule("job-2", time.Hour, func() { fired.Add(1) })

	assert.Equal(t, 2, s.StopAll())
	assert.Equal(t, 0, s.Pending())
	assert.False(t, s.Schedule("job-3", time.Millisecond, func() { fired.Add(1) }))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
