// Package queue carries webhook dispatch jobs from the HTTP handler to the
// dispatch worker. The handler enqueues and returns; processing happens on
// the consumer side, which keeps the inbound acknowledgement fast no matter
// how long workflow execution takes.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is one inbound webhook event awaiting dispatch.
type Job struct {
	ID         string          `json:"id"`
	Plugin     string          `json:"plugin"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) (string, error)
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}
