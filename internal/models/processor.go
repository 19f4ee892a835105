package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProcessFunc turns a batch of items into a batch of results
type ProcessFunc func(ctx context.Context, items []any) ([]any, error)

// Processor is a named batch handler. The name keys circuit breaker state and
// batch size history, so two different processors must never share one.
type Processor struct {
	Name    string
	Process ProcessFunc
	// Validate is optional; items it rejects are dropped from the batch.
	Validate     func(item any) error
	MaxBatchSize int
	// Timeout bounds a single batch call. Zero uses the engine default.
	Timeout   time.Duration
	Retryable bool
}

// ProcessorOption configures a Processor built by NewProcessor
type ProcessorOption func(*Processor)

// WithMaxBatchSize caps the batch size used for the processor
func WithMaxBatchSize(n int) ProcessorOption {
	return func(p *Processor) { p.MaxBatchSize = n }
}

// WithTimeout sets the per-batch timeout
func WithTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.Timeout = d }
}

// WithRetryable marks failures of the processor as eligible for retry
func WithRetryable(retryable bool) ProcessorOption {
	return func(p *Processor) { p.Retryable = retryable }
}

// WithValidator installs a typed item validator
func WithValidator[T any](validate func(T) error) ProcessorOption {
	return func(p *Processor) {
		p.Validate = func(item any) error {
			v, ok := item.(T)
			if !ok {
				var zero T
				return fmt.Errorf("item has type %T, want %T", item, zero)
			}
			return validate(v)
		}
	}
}

// NewProcessor adapts a typed batch function to a Processor. Items of the
// wrong type fail the whole batch. Processors are retryable by default.
func NewProcessor[T, R any](name string, fn func(ctx context.Context, items []T) ([]R, error), opts ...ProcessorOption) *Processor {
	p := &Processor{
		Name:      name,
		Retryable: true,
		Process: func(ctx context.Context, items []any) ([]any, error) {
			typed := make([]T, len(items))
			for i, item := range items {
				v, ok := item.(T)
				if !ok {
					return nil, fmt.Errorf("item %d has type %T, want %T", i, item, v)
				}
				typed[i] = v
			}
			out, err := fn(ctx, typed)
			if err != nil {
				return nil, err
			}
			return Items(out), nil
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Items converts a typed slice for submission
func Items[T any](items []T) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

// RetryPolicy controls whether and when a failed job re-enters the queue
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`
	// RetryableErrors, when non-empty, restricts retries to failures whose
	// text contains one of the entries.
	RetryableErrors []string `json:"retryable_errors,omitempty"`
}

// Validate rejects policies whose delays cannot be computed
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts < 0 {
		errs = append(errs, errors.New("max_attempts cannot be negative"))
	}
	if p.BaseDelay < 0 {
		errs = append(errs, errors.New("base_delay cannot be negative"))
	}
	if p.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("backoff_multiplier must be >= 1, got %v", p.BackoffMultiplier))
	}
	if p.MaxDelay < p.BaseDelay {
		errs = append(errs, errors.New("max_delay cannot be smaller than base_delay"))
	}
	return errors.Join(errs...)
}
