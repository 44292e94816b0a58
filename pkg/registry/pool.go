package registry

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool is the bounded-concurrency execution pool for detached copy-from
// transfers. Submission is fire-and-forget: the pool owns the task's
// lifetime and the caller never observes its outcome; the only externally
// visible result is the eventual record status.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool creates a pool with the given number of concurrent slots.
func NewPool(capacity int64) *Pool {
	return &Pool{sem: semaphore.NewWeighted(capacity)}
}

// Submit schedules a task. The task receives a background context: once
// detached there is no cancellation channel back to the submitter.
func (p *Pool) Submit(task func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx := context.Background()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("task_pool_panic", "panic", r)
			}
		}()

		task(ctx)
	}()
}

// Shutdown blocks until all submitted tasks have finished, so in-flight
// detached transfers either complete or leave their record observably
// killed before the process exits.
func (p *Pool) Shutdown() {
	p.wg.Wait()
}
