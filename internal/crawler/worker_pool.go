package crawler

import (
	"context"
	"errors"
	"sync"
)

type job func(ctx context.Context)

// WorkerPool runs crawl jobs on a fixed number of goroutines fed by a bounded queue.
// Every accepted job runs, even after the pool context is cancelled, so callers
// counting in-flight jobs always see them complete.
type WorkerPool struct {
	ctx         context.Context
	cancel      context.CancelFunc
	jobs        chan job
	concurrency int
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewWorkerPool creates a pool with the given concurrency and queue size.
func NewWorkerPool(parent context.Context, concurrency, queueSize int) (*WorkerPool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("worker pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &WorkerPool{
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(chan job, queueSize),
		concurrency: concurrency,
	}
	pool.start(concurrency)
	return pool, nil
}

func (p *WorkerPool) start(concurrency int) {
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for fn := range p.jobs {
				fn(p.ctx)
			}
		}()
	}
}

// Concurrency returns the number of workers.
func (p *WorkerPool) Concurrency() int {
	return p.concurrency
}

// Submit schedules a job, giving up if ctx or the pool is cancelled first.
func (p *WorkerPool) Submit(ctx context.Context, fn job) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- fn:
		return nil
	}
}

// Close lets queued jobs finish, stops the workers and cancels the pool context.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
		p.cancel()
	})
}
