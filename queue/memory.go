package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBuffer = 1024

// MemoryQueue is the single-process backend: a bounded channel. Enqueue
// fails fast when the buffer is full rather than blocking the HTTP handler.
type MemoryQueue struct {
	jobs chan Job

	mu     sync.Mutex
	closed bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(chan Job, defaultBuffer)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	_ = ctx
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", fmt.Errorf("queue is closed")
	}
	select {
	case q.jobs <- job:
		return job.ID, nil
	default:
		return "", fmt.Errorf("dispatch queue is full")
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return Job{}, fmt.Errorf("queue is closed")
		}
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}
