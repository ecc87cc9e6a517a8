package core

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/semaphore"

	"github.com/openpeerpower/opp-core/internal/infrastructure/metrics"
)

// Job is the pending result of an executor job.
type Job struct {
	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) (any, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// executor runs blocking work on a bounded number of goroutines.
type executor struct {
	sem    *semaphore.Weighted
	tasks  *taskTracker
	logger Logger
}

func newExecutor(workers int, tasks *taskTracker, logger Logger) *executor {
	if workers < 1 {
		workers = 1
	}
	return &executor{
		sem:    semaphore.NewWeighted(int64(workers)),
		tasks:  tasks,
		logger: logger,
	}
}

func (e *executor) submit(ctx context.Context, fn func(context.Context) (any, error)) *Job {
	job := &Job{done: make(chan struct{})}

	e.tasks.add()
	go func() {
		defer e.tasks.done()
		defer close(job.done)

		if err := e.sem.Acquire(ctx, 1); err != nil {
			job.err = err
			return
		}
		defer e.sem.Release(1)

		metrics.ExecutorJobsInFlight.Inc()
		defer metrics.ExecutorJobsInFlight.Dec()

		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("executor job panicked", "panic", r, "stack", string(debug.Stack()))
				job.err = fmt.Errorf("executor job panicked: %v", r)
			}
		}()
		job.result, job.err = fn(ctx)
	}()
	return job
}
