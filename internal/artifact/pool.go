package artifact

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// workerPool bounds how many CPU-heavy extraction passes run at once, so
// pattern matching over large script bodies never starves the network-bound
// goroutines.
type workerPool struct {
	sem *semaphore.Weighted
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = 2
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(workers))}
}

// Do runs f on the pool and waits for it. The caller's context bounds both
// the wait for a slot and the wait for the result.
func (p *workerPool) Do(ctx context.Context, f func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- f()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
