package task

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// BoundedPool is a Pool that additionally limits the number of tasks
// running concurrently, providing simple backpressure for callers that
// would otherwise spawn unbounded goroutines (e.g. one per inbound
// bundle). The default concurrency is the host's available parallelism,
// matching the scheduling model described for the core.
type BoundedPool struct {
	*Pool
	sem *semaphore.Weighted
}

// NewBoundedPool creates a BoundedPool with the given concurrency limit.
// A limit <= 0 defaults to runtime.GOMAXPROCS(0).
func NewBoundedPool(parent context.Context, limit int) *BoundedPool {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	return &BoundedPool{
		Pool: NewPool(parent),
		sem:  semaphore.NewWeighted(int64(limit)),
	}
}

// Go blocks until a concurrency slot is free (or ctx is done) and then
// schedules fn in the pool. It returns false if the pool is closed or ctx
// was cancelled before a slot became available.
func (p *BoundedPool) Go(ctx context.Context, fn func(ctx context.Context) error) bool {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false
	}

	ok := p.Pool.Go(func(taskCtx context.Context) error {
		defer p.sem.Release(1)
		return fn(taskCtx)
	})
	if !ok {
		p.sem.Release(1)
	}
	return ok
}

// TryGo attempts to schedule fn only if a concurrency slot is immediately
// available, without blocking. It returns false if the pool is saturated
// or closed.
func (p *BoundedPool) TryGo(fn func(ctx context.Context) error) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	ok := p.Pool.Go(func(taskCtx context.Context) error {
		defer p.sem.Release(1)
		return fn(taskCtx)
	})
	if !ok {
		p.sem.Release(1)
	}
	return ok
}
