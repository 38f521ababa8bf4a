// Package queue runs jobs on a bounded, fixed-size worker pool.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotStarted = errors.New("queue not started")
	ErrStopped    = errors.New("queue stopped")
)

// Job encapsulates a unit of work processed by the worker pool.
type Job struct {
	ID       string
	Work     func(context.Context) error
	OnFinish func(error)
}

// Stats exposes queue counters.
type Stats struct {
	WorkerCount int
	Processed   uint64
	Failed      uint64
}

// Queue represents a bounded job queue with a fixed worker pool.
type Queue struct {
	jobs        chan Job
	workerCount int
	timeout     time.Duration
	log         *slog.Logger
	started     bool
	stopped     bool
	mu          sync.RWMutex
	wg          sync.WaitGroup
	processed   atomic.Uint64
	failed      atomic.Uint64
}

// New creates a Queue with the provided capacity, worker count and per-job
// timeout. A zero timeout leaves jobs bounded only by the Start context.
func New(capacity, workerCount int, timeout time.Duration, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		jobs:        make(chan Job, capacity),
		workerCount: workerCount,
		timeout:     timeout,
		log:         log,
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Submit blocks until the job is queued or ctx is done.
func (q *Queue) Submit(ctx context.Context, j Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started {
		return ErrNotStarted
	}
	if q.stopped {
		return ErrStopped
	}
	select {
	case q.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting new jobs and waits for workers to drain until ctx is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stats returns the counters so far. Jobs panicking or returning an error
// count as failed.
func (q *Queue) Stats() Stats {
	return Stats{
		WorkerCount: q.workerCount,
		Processed:   q.processed.Load(),
		Failed:      q.failed.Load(),
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handleJob(ctx, j)
		}
	}
}

func (q *Queue) handleJob(ctx context.Context, j Job) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queue: job panic recovered", "job", j.ID, "panic", r)
			err = errors.New("job panicked")
		}
		if j.OnFinish != nil {
			j.OnFinish(err)
		}
		q.processed.Add(1)
		if err != nil {
			q.failed.Add(1)
		}
		q.log.Debug("queue: job finished", "job", j.ID, "duration", time.Since(start), "error", err)
	}()

	jobCtx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	err = j.Work(jobCtx)
}
