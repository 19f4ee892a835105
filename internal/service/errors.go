package service

import "errors"

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrQueueFull          = errors.New("queue is full")
	ErrQueueClosed        = errors.New("queue is closed")
	ErrShuttingDown       = errors.New("engine is shutting down")
	ErrNoItems            = errors.New("job has no items")
	ErrInvalidProcessor   = errors.New("processor must have a name and a process function")
	ErrProcessorConflict  = errors.New("a different processor is already registered under this name")
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrBatchTimeout       = errors.New("batch processing timed out")
)
