package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/loomhq/loom/queue"
)

// Worker consumes dispatch jobs from the queue and hands them to the
// Dispatcher. The HTTP handler only ever enqueues; this is the other half
// of the ack-fast, process-async contract.
type Worker struct {
	queue      queue.Queue
	dispatcher *Dispatcher
	log        *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(q queue.Queue, dispatcher *Dispatcher, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{queue: q, dispatcher: dispatcher, log: log}
}

func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		for {
			job, err := w.queue.Dequeue(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				w.log.Error("failed to dequeue dispatch job", zap.Error(err))
				return
			}
			w.dispatcher.Dispatch(ctx, job)
		}
	}()
}

func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
}
