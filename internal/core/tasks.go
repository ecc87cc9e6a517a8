package core

import (
	"context"
	"sync"
)

// taskTracker counts in-flight work (queued events, mailbox deliveries,
// service handlers, executor jobs) so the runtime can wait for quiescence.
type taskTracker struct {
	mu    sync.Mutex
	count int
	idle  chan struct{}
}

func newTaskTracker() *taskTracker {
	idle := make(chan struct{})
	close(idle)
	return &taskTracker{idle: idle}
}

func (t *taskTracker) add() {
	t.mu.Lock()
	if t.count == 0 {
		t.idle = make(chan struct{})
	}
	t.count++
	t.mu.Unlock()
}

func (t *taskTracker) done() {
	t.mu.Lock()
	t.count--
	if t.count == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

func (t *taskTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// wait blocks until no work is pending. Work scheduled by the work being
// waited on is also waited for.
func (t *taskTracker) wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.count == 0 {
			t.mu.Unlock()
			return nil
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
