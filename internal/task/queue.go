package task

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"stackvm/internal/async"
	"stackvm/internal/logging"
)

// Work is one queued unit of background work.
type Work func(ctx context.Context) error

type queueItem struct {
	taskID     string
	name       string
	work       Work
	enqueuedAt time.Time
}

// Queue is a bounded worker pool over an unbounded internal queue. Items
// older than the configured timeout by the time a worker picks them up are
// dropped with a warning. Worker panics and errors are logged, never fatal.
type Queue struct {
	workers int
	timeout time.Duration
	logger  logging.Logger
	sem     *semaphore.Weighted

	mu     sync.Mutex
	cond   *sync.Cond
	items  []queueItem
	closed bool
}

// NewQueue builds a queue with the given worker count and per-item wall
// clock. Call Start to launch the workers.
func NewQueue(workers int, timeout time.Duration) *Queue {
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{
		workers: workers,
		timeout: timeout,
		logger:  logging.NewComponentLogger("TaskQueue"),
		sem:     semaphore.NewWeighted(int64(workers)),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker goroutines. They exit when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		async.Go(q.logger, "task-queue-worker", func() {
			q.runWorker(ctx)
		})
	}
	async.Go(q.logger, "task-queue-closer", func() {
		<-ctx.Done()
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.cond.Broadcast()
	})
}

// Add enqueues work for taskID. enqueuedAt starts the timeout clock.
func (q *Queue) Add(taskID, name string, work Work, enqueuedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("Queue is closed, dropping task %s (%s)", taskID, name)
		return
	}
	q.items = append(q.items, queueItem{taskID: taskID, name: name, work: work, enqueuedAt: enqueuedAt})
	q.cond.Signal()
}

// Len reports the number of items waiting for a worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) runWorker(ctx context.Context) {
	for {
		item, ok := q.next()
		if !ok {
			return
		}

		if q.timeout > 0 && time.Since(item.enqueuedAt) > q.timeout {
			q.logger.Warn("Task %s (%s) exceeded the queue timeout of %s, dropping",
				item.taskID, item.name, q.timeout)
			continue
		}

		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}
		q.runItem(ctx, item)
		q.sem.Release(1)
	}
}

func (q *Queue) next() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// runItem guards the work call so a panicking task cannot kill the worker.
func (q *Queue) runItem(ctx context.Context, item queueItem) {
	defer async.Recover(q.logger, "task "+item.taskID)
	if err := item.work(ctx); err != nil {
		q.logger.Error("Error processing task %s (%s): %v", item.taskID, item.name, err)
	}
}
