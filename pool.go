package sfc

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// workerPool is a fixed-size, errgroup-coordinated dispatcher for the
// Sequence's run(step) submissions.
//
// The semaphore, not errgroup.Group.SetLimit, is what actually bounds
// concurrency: acquiring a slot is a non-blocking send into a channel
// buffered to the pool size (see TryAcquire), which lets the engine detect
// "no idle worker" for the crazy-looping check without racing errgroup's
// own internal accounting.
type workerPool struct {
	size  int
	sem   chan struct{}
	group *errgroup.Group
	ctx   context.Context

	active atomic.Int64
}

// newWorkerPool constructs a pool of the given size. size must be positive;
// callers (resolveOptions) enforce this before newWorkerPool is reached.
func newWorkerPool(size int) *workerPool {
	g, ctx := errgroup.WithContext(context.Background())
	return &workerPool{
		size:  size,
		sem:   make(chan struct{}, size),
		group: g,
		ctx:   ctx,
	}
}

// Size returns the pool's fixed capacity.
func (p *workerPool) Size() int { return p.size }

// Active returns the number of tasks currently occupying a pool slot.
func (p *workerPool) Active() int64 { return p.active.Load() }

// Idle returns the number of unoccupied slots, never negative.
func (p *workerPool) Idle() int {
	idle := p.size - int(p.active.Load())
	if idle < 0 {
		return 0
	}
	return idle
}

// TryAcquire attempts to reserve a slot without blocking, reporting whether
// it succeeded. The engine's join-quorum check needs a non-blocking probe,
// since the check itself decides whether to submit work at all.
func (p *workerPool) TryAcquire() bool {
	select {
	case p.sem <- struct{}{}:
		p.active.Add(1)
		return true
	default:
		return false
	}
}

// release frees a slot acquired via TryAcquire or Go.
func (p *workerPool) release() {
	p.active.Add(-1)
	<-p.sem
}

// Go submits fn to run under the pool's errgroup, having already reserved
// a slot via a prior successful TryAcquire. The slot is released when fn
// returns, regardless of outcome.
func (p *workerPool) Go(fn func() error) {
	p.group.Go(func() error {
		defer p.release()
		return fn()
	})
}

// Wait blocks until every submitted task has returned, mirroring
// errgroup.Group.Wait, and returns the first non-nil error, if any.
func (p *workerPool) Wait() error {
	return p.group.Wait()
}
