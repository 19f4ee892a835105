package service

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"batch-engine/internal/models"
)

type queueItem struct {
	job        *models.Job
	priority   int
	createdAt  time.Time
	seq        uint64
	enqueuedAt time.Time
	index      int
}

// jobHeap orders by priority (high first), then creation time, then arrival
type jobHeap []*queueItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// JobQueue is the pending set: a priority queue with a blocking Dequeue.
// Every job pushed is handed to exactly one caller.
type JobQueue struct {
	maxSize int
	now     func() time.Time

	mu     sync.Mutex
	items  jobHeap
	byID   map[string]*queueItem
	seq    uint64
	ready  chan struct{}
	closed bool
	done   chan struct{}

	waitTotal time.Duration
	waitCount int64
}

// NewJobQueue creates a queue that admits at most maxSize jobs through Push.
// A maxSize of zero means unbounded.
func NewJobQueue(maxSize int) *JobQueue {
	return &JobQueue{
		maxSize: maxSize,
		now:     time.Now,
		byID:    make(map[string]*queueItem),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Push admits a new job, failing with ErrQueueFull at capacity
func (q *JobQueue) Push(job *models.Job) error {
	return q.push(job, true)
}

// Requeue puts a job back without the capacity check. Used for retries,
// which were admitted once already.
func (q *JobQueue) Requeue(job *models.Job) error {
	return q.push(job, false)
}

func (q *JobQueue) push(job *models.Job, limited bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if limited && q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull
	}

	q.seq++
	it := &queueItem{
		job:        job,
		priority:   job.Priority,
		createdAt:  job.CreatedAt,
		seq:        q.seq,
		enqueuedAt: q.now(),
	}
	heap.Push(&q.items, it)
	q.byID[job.ID] = it

	close(q.ready)
	q.ready = make(chan struct{})
	return nil
}

// TryDequeue removes and returns the next job, or nil when the queue is empty
func (q *JobQueue) TryDequeue() *models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// must hold q.mu
func (q *JobQueue) popLocked() *models.Job {
	if len(q.items) == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*queueItem)
	delete(q.byID, it.job.ID)
	q.waitTotal += q.now().Sub(it.enqueuedAt)
	q.waitCount++
	return it.job
}

// Dequeue blocks until a job is available, the queue is closed or ctx is done
func (q *JobQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if job := q.popLocked(); job != nil {
			q.mu.Unlock()
			return job, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrQueueClosed
		case <-ready:
		}
	}
}

// Remove takes a job out of the pending set. It reports false when the job
// has already been dequeued or was never queued.
func (q *JobQueue) Remove(id string) (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, id)
	return it.job, true
}

// Len returns the number of pending jobs
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PriorityHistogram counts pending jobs per priority
func (q *JobQueue) PriorityHistogram() map[int]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[int]int)
	for _, it := range q.items {
		out[it.priority]++
	}
	return out
}

// AverageWait returns the mean time dequeued jobs spent in the queue
func (q *JobQueue) AverageWait() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.waitCount == 0 {
		return 0
	}
	return q.waitTotal / time.Duration(q.waitCount)
}

// Close wakes every blocked Dequeue and rejects further pushes. Jobs still
// pending stay counted by Len.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
