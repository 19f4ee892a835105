package service

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds how many jobs are processed at once. A slot is held for
// a job's whole processing lifetime, not per batch.
type WorkerPool struct {
	size   int
	sem    *semaphore.Weighted
	active atomic.Int64
}

// NewWorkerPool creates a pool with size slots
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{size: size, sem: semaphore.NewWeighted(int64(size))}
}

// Acquire blocks until a slot is free or ctx is done
func (p *WorkerPool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.active.Add(1)
	return nil
}

// Release returns a slot taken by Acquire
func (p *WorkerPool) Release() {
	p.active.Add(-1)
	p.sem.Release(1)
}

// Active returns the number of slots in use
func (p *WorkerPool) Active() int { return int(p.active.Load()) }

// Available returns the number of free slots
func (p *WorkerPool) Available() int {
	return max(p.size-p.Active(), 0)
}
