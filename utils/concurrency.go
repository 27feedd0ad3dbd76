package utils

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// WorkerPool runs jobs on a bounded number of goroutines. The first job error
// cancels the pool's context and is returned by Wait.
type WorkerPool struct {
	group *errgroup.Group
	ctx   context.Context
}

// NewWorkerPool creates a WorkerPool bound to ctx. maxWorkers <= 0 means one
// worker per CPU.
func NewWorkerPool(ctx context.Context, maxWorkers int) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	return &WorkerPool{group: g, ctx: gctx}
}

// Submit enqueues a job, blocking while all workers are busy. Jobs submitted
// after a failure are skipped.
func (wp *WorkerPool) Submit(job func(ctx context.Context) error) {
	wp.group.Go(func() error {
		if err := wp.ctx.Err(); err != nil {
			return err
		}
		return job(wp.ctx)
	})
}

// Wait blocks until all submitted jobs have completed.
func (wp *WorkerPool) Wait() error {
	return wp.group.Wait()
}
