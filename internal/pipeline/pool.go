// SPDX-License-Identifier: MIT

// Package pipeline owns the CPU-heavy media path: upload sealing and the
// watermark/segment/encrypt preparation of tracks for streaming. All heavy
// work runs on a bounded worker pool so request handlers stay responsive
// and overload degrades to an explicit busy signal instead of a pile-up.
package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned when the job queue is full. The HTTP layer maps it to
// 503 with Retry-After.
var ErrBusy = errors.New("pipeline: worker queue full")

type poolJob struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Pool is a fixed-size worker pool with a bounded submission queue.
type Pool struct {
	jobs chan poolJob
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// NewPool sizes the pool. workers and queue must be positive.
func NewPool(workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	p := &Pool{jobs: make(chan poolJob, queue)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		if err := job.ctx.Err(); err != nil {
			job.done <- err
			continue
		}
		job.done <- job.fn(job.ctx)
	}
}

// Do submits fn and waits for its result. A full queue fails fast with
// ErrBusy. If the caller's context ends first, Do returns its error while
// the job itself sees the cancellation through the same context.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	job := poolJob{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case p.jobs <- job:
	default:
		return ErrBusy
	}
	queueDepth.Inc()
	defer queueDepth.Dec()

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for in-flight jobs.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
}
