package jobs

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/memerr"
)

// poolQueueDepth bounds in-flight jobs per worker before Enqueue blocks.
const poolQueueDepth = 16

// Pool runs jobs on a fixed set of in-process workers. Jobs do not survive
// a process restart; enrichment is recoverable, so that is an accepted
// trade for zero external dependencies.
type Pool struct {
	runner  *Runner
	logger  *zap.Logger
	workers int

	queue chan Job
	group *errgroup.Group

	// mu serializes Close against in-flight Enqueues: senders hold the read
	// lock across the channel send, so the channel only closes when no send
	// is in progress.
	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewPool wires the worker-pool backend. workers <= 0 defaults to 4.
func NewPool(runner *Runner, workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		runner:  runner,
		logger:  logger,
		workers: workers,
		queue:   make(chan Job, workers*poolQueueDepth),
	}
}

// Enqueue submits a job, blocking when the queue is full.
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return memerr.Ef(memerr.ServiceUnavailable, "job pool is closed")
	}
	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return memerr.E(memerr.ResourceUnavailable, "job queue full", ctx.Err())
	}
}

// Start launches the workers. Each worker drains the queue until Close or
// context cancellation.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	p.started = true

	p.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		p.group.Go(func() error {
			for {
				select {
				case job, ok := <-p.queue:
					if !ok {
						return nil
					}
					// Run errors are already logged and counted by the
					// runner; a failed job must not kill the worker.
					_ = p.runner.Run(ctx, job)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	p.logger.Info("job pool started", zap.Int("workers", p.workers))
	return nil
}

// Close stops intake and waits for workers to drain the queue.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.queue)
	if started {
		return p.group.Wait()
	}
	return nil
}
