// Package task provides the runtime-agnostic concurrency primitives shared
// by every other bpcore package: a cancellable task pool with three-phase
// shutdown, a semaphore-bounded variant for backpressure, single-shot
// notification, and batch/blocking work queues for offloading CPU-bound or
// blocking calls onto dedicated goroutines.
package task

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool runs goroutines under a shared cancellation token and waits for all
// of them to finish on Shutdown. Shutdown is a three-phase protocol:
// signal (cancel the token), close (refuse new Go calls), join (wait for
// running goroutines to drain).
type Pool struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	closed bool
}

// NewPool creates a Pool whose cancellation token is derived from parent.
func NewPool(parent context.Context) *Pool {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Pool{
		ctx:    gctx,
		cancel: cancel,
		group:  group,
	}
}

// Context returns the pool's cancellation context. It is cancelled as soon
// as Shutdown's signal phase runs.
func (p *Pool) Context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

// ChildToken returns a context derived from the pool's context that is
// independently cancellable but is always cancelled when the pool shuts
// down.
func (p *Pool) ChildToken() (context.Context, context.CancelFunc) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	return context.WithCancel(ctx)
}

// Go schedules fn to run in the pool. It returns false without running fn
// if the pool has already entered its close phase.
func (p *Pool) Go(fn func(ctx context.Context) error) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	ctx := p.ctx
	p.mu.Unlock()

	p.group.Go(func() error {
		return fn(ctx)
	})
	return true
}

// Shutdown runs the three-phase protocol: cancel the token, refuse new
// work, then block until every running task has returned. The first
// non-nil error returned by a task, if any, is propagated.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	p.cancel()
	p.closed = true
	p.mu.Unlock()

	return p.group.Wait()
}
