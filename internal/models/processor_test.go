package models

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessor_AdaptsTypes(t *testing.T) {
	p := NewProcessor("itoa", func(ctx context.Context, items []int) ([]string, error) {
		out := make([]string, len(items))
		for i, n := range items {
			out[i] = strconv.Itoa(n)
		}
		return out, nil
	}, WithMaxBatchSize(50), WithTimeout(time.Second))

	assert.Equal(t, "itoa", p.Name)
	assert.True(t, p.Retryable)
	assert.Equal(t, 50, p.MaxBatchSize)
	assert.Equal(t, time.Second, p.Timeout)

	out, err := p.Process(context.Background(), Items([]int{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, []any{"1", "2"}, out)
}

func TestNewProcessor_WrongItemTypeFailsBatch(t *testing.T) {
	p := NewProcessor("itoa", func(ctx context.Context, items []int) ([]int, error) {
		return items, nil
	})

	_, err := p.Process(context.Background(), []any{1, "two"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item 1 has type string")
}

func TestNewProcessor_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	p := NewProcessor("fail", func(ctx context.Context, items []int) ([]int, error) {
		return nil, boom
	}, WithRetryable(false))

	_, err := p.Process(context.Background(), Items([]int{1}))
	assert.ErrorIs(t, err, boom)
	assert.False(t, p.Retryable)
}

func TestWithValidator(t *testing.T) {
	p := NewProcessor("positive", func(ctx context.Context, items []int) ([]int, error) {
		return items, nil
	}, WithValidator(func(n int) error {
		if n <= 0 {
			return errors.New("not positive")
		}
		return nil
	}))

	require.NotNil(t, p.Validate)
	assert.NoError(t, p.Validate(3))
	assert.EqualError(t, p.Validate(-1), "not positive")
	assert.Error(t, p.Validate("3"))
}

func TestJobRecord(t *testing.T) {
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &Job{
		ID:        "job-1",
		Items:     Items([]int{1, 2, 3}),
		Processor: &Processor{Name: "sum"},
		Priority:  7,
		BatchSize: 2,
		Status:    StatusCompleted,
		StartedAt: &started,
		Output:    []any{6},
	}

	rec := job.Record()
	assert.Equal(t, "sum", rec.Processor)
	assert.Equal(t, 3, rec.ItemCount)
	assert.Equal(t, 7, rec.Priority)
	assert.Equal(t, []any{6}, rec.Output)

	// the record does not share the output slice
	job.Output[0] = 7
	assert.Equal(t, []any{6}, rec.Output)
}

func TestJobStatus_IsTerminal(t *testing.T) {
	for _, s := range []JobStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []JobStatus{StatusPending, StatusQueued, StatusProcessing, StatusRetrying} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.Equal(t, "", (&Job{}).ProcessorName())
}

func TestRetryPolicy_Validate(t *testing.T) {
	valid := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(p *RetryPolicy)
	}{
		{"negative attempts", func(p *RetryPolicy) { p.MaxAttempts = -1 }},
		{"negative base delay", func(p *RetryPolicy) { p.BaseDelay = -time.Second }},
		{"multiplier below one", func(p *RetryPolicy) { p.BackoffMultiplier = 0.5 }},
		{"unbounded growth", func(p *RetryPolicy) { p.MaxDelay = 0 }},
		{"max below base", func(p *RetryPolicy) { p.MaxDelay = time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}
