package ioglue

import (
	"golang.org/x/sync/errgroup"
)

// WorkerPool bounds concurrent blocking work (chunk disk writes, BLAKE3
// hashing) so the UDP read loop is never held up behind it. Submit
// blocks once the pool is saturated, providing natural backpressure.
type WorkerPool struct {
	sem chan struct{}
	eg  errgroup.Group
}

// NewWorkerPool creates a pool that runs at most concurrency tasks at
// once. concurrency <= 0 is treated as 1.
func NewWorkerPool(concurrency int) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &WorkerPool{sem: make(chan struct{}, concurrency)}
}

// Submit schedules fn to run on the pool, blocking until a slot is
// free. Errors are collected and surfaced by the first call to Wait.
func (p *WorkerPool) Submit(fn func() error) {
	p.sem <- struct{}{}
	p.eg.Go(func() error {
		defer func() { <-p.sem }()
		return fn()
	})
}

// Wait blocks until every submitted task has returned, and returns the
// first non-nil error encountered, if any.
func (p *WorkerPool) Wait() error {
	return p.eg.Wait()
}
