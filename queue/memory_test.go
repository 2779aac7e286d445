package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	firstID, err := q.Enqueue(ctx, Job{Plugin: "linear", Action: "issues.create"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if firstID == "" {
		t.Fatal("expected generated job id")
	}
	if _, err := q.Enqueue(ctx, Job{ID: "job-2", Plugin: "github", Action: "push"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job.ID != firstID {
		t.Fatalf("job id = %q, want %q", job.ID, firstID)
	}
	if job.EnqueuedAt.IsZero() {
		t.Fatal("EnqueuedAt was not stamped")
	}

	job, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job.ID != "job-2" {
		t.Fatalf("job id = %q, want job-2", job.ID)
	}
}

func TestMemoryQueue_DequeueRespectsContext(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatal("expected context error on empty queue")
	}
}

func TestMemoryQueue_EnqueueAfterCloseFails(t *testing.T) {
	q := NewMemoryQueue()
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), Job{Plugin: "linear", Action: "x"}); err == nil {
		t.Fatal("expected error enqueueing on closed queue")
	}
}
