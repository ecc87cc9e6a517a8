package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

var zeroTime time.Time

// newTestCore builds a started runtime that is stopped on cleanup.
func newTestCore(t *testing.T, opts ...Option) *Core {
	t.Helper()

	c := New(Config{LocationName: "Test Home"}, opts...)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		//nolint:errcheck // best effort in cleanup
		c.Stop(context.Background())
	})
	return c
}

// blockTillDone waits for quiescence with a deadline.
func blockTillDone(t *testing.T, c *Core) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := c.BlockTillDone(ctx); err != nil {
		t.Fatalf("BlockTillDone() error = %v", err)
	}
}

// recorder collects events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) record(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// memoryLogger captures error messages for assertions.
type memoryLogger struct {
	noopLogger
	mu     sync.Mutex
	errors []string
}

func (l *memoryLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *memoryLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}
