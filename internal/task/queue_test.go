package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueueRunsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewQueue(2, time.Minute)
	q.Start(ctx)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		q.Add("task", "unit", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}, time.Now())
	}

	waitFor(t, func() bool { return ran.Load() == 5 })
	assert.Equal(t, 0, q.Len())
}

func TestQueueDropsExpiredItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewQueue(1, 10*time.Millisecond)
	q.Start(ctx)

	var ran atomic.Int32
	q.Add("task", "stale", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}, time.Now().Add(-time.Second))
	q.Add("task", "fresh", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}, time.Now())

	waitFor(t, func() bool { return q.Len() == 0 })
	waitFor(t, func() bool { return ran.Load() == 1 })
}

func TestQueueSurvivesPanickingWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewQueue(1, time.Minute)
	q.Start(ctx)

	var ran atomic.Int32
	q.Add("task", "boom", func(ctx context.Context) error {
		panic("tool exploded")
	}, time.Now())
	q.Add("task", "after", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}, time.Now())

	waitFor(t, func() bool { return ran.Load() == 1 })
}

func TestQueueRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewQueue(1, time.Minute)
	q.Start(ctx)
	cancel()

	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.closed
	})

	q.Add("task", "late", func(ctx context.Context) error { return nil }, time.Now())
	assert.Equal(t, 0, q.Len())
}
