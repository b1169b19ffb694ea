package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/batchpilot/batchpilot/internal/batch"
)

// task is one unit of work flowing through the queue. slot indexes the
// per-job results array; attempt counts from 1 on first dispatch.
type task struct {
	item         batch.URLItem
	slot         int
	currentURL   string
	attempt      int
	headers      http.Header
	circuitWaits int
}

var errQueueClosed = errors.New("work queue closed")

// workQueue is a bounded queue with context-aware operations. It is closed
// via a done channel so producers can never hit a closed Go channel; the
// queue is only shut once no task remains outstanding.
type workQueue struct {
	ch   chan task
	done chan struct{}
	once sync.Once
}

func newWorkQueue(capacity int) *workQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &workQueue{
		ch:   make(chan task, capacity),
		done: make(chan struct{}),
	}
}

// enqueue pushes a task or returns when ctx ends or the queue shuts down.
func (q *workQueue) enqueue(ctx context.Context, t task) error {
	select {
	case <-q.done:
		return errQueueClosed
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- t:
		return nil
	}
}

// dequeue pops the next task, respecting context cancellation and shutdown.
func (q *workQueue) dequeue(ctx context.Context) (task, error) {
	select {
	case <-q.done:
		return task{}, errQueueClosed
	case <-ctx.Done():
		return task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case t := <-q.ch:
		return t, nil
	}
}

// shutdown wakes all blocked producers and consumers. Safe to call multiple
// times.
func (q *workQueue) shutdown() {
	q.once.Do(func() {
		close(q.done)
	})
}
