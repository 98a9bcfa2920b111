package jobs

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/breaker"
	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/metrics"
)

// Retry policy: exponential backoff with jitter. Transient failures
// (provider down, pool exhausted) are retried; circuit-open rejections are
// shelved and re-queued after the breaker's minimum open window; everything
// else fails the job immediately.
const (
	maxAttempts   = 5
	backoffBase   = time.Second
	backoffCap    = 60 * time.Second
	backoffJitter = 0.2

	// shelveDelay matches the breaker's minimum open window: re-queueing
	// sooner would only hit the same fail-fast rejection.
	shelveDelay = 30 * time.Second
)

// HandlerFunc executes one job. Handlers must be idempotent.
type HandlerFunc func(ctx context.Context, job Job) error

// Runner dispatches jobs to kind handlers with retries. All backends funnel
// through one Runner so retry and metrics behavior is identical regardless
// of broker.
type Runner struct {
	handlers map[Kind]HandlerFunc
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// requeue, when set, receives shelved jobs back after shelveDelay.
	// Unset (inline execution), circuit-open errors propagate instead.
	requeue func(ctx context.Context, job Job) error

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner. metrics and logger may be nil.
func NewRunner(m *metrics.Metrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		handlers: make(map[Kind]HandlerFunc),
		metrics:  m,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Handle registers the handler for a job kind.
func (r *Runner) Handle(kind Kind, fn HandlerFunc) {
	r.handlers[kind] = fn
}

// SetRequeue wires the backend's enqueue so shelved jobs come back once the
// breaker has had a chance to close.
func (r *Runner) SetRequeue(fn func(ctx context.Context, job Job) error) {
	r.requeue = fn
}

// Run executes one job to completion: success, a terminal error, or retry
// exhaustion. Exhaustion is reported as the last error; the job is dropped,
// not re-queued, because the node can be re-enriched by a later remember.
func (r *Runner) Run(ctx context.Context, job Job) error {
	fn, ok := r.handlers[job.Kind]
	if !ok {
		r.count(job.Kind, "unknown")
		return memerr.Ef(memerr.Internal, "no handler for job kind %q", job.Kind)
	}

	var err error
	for attempt := job.Attempts; attempt < maxAttempts; attempt++ {
		err = fn(ctx, job)
		if err == nil {
			r.count(job.Kind, "ok")
			return nil
		}
		if breaker.IsOpen(err) {
			// The provider is not being called at all; retrying burns
			// attempts against a guaranteed rejection. Shelve the job
			// with its attempt count intact.
			job.Attempts = attempt
			return r.shelve(ctx, job, err)
		}
		if !memerr.Retryable(err) {
			r.count(job.Kind, "failed")
			r.logger.Error("job failed",
				zap.String("job_id", job.ID),
				zap.String("kind", string(job.Kind)),
				zap.Int64("node_id", job.NodeID),
				zap.Error(err))
			return err
		}

		delay := backoffDelay(attempt)
		r.logger.Warn("job attempt failed, backing off",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if serr := r.sleep(ctx, delay); serr != nil {
			r.count(job.Kind, "canceled")
			return serr
		}
	}

	r.count(job.Kind, "dropped")
	r.logger.Error("job dropped after retry exhaustion",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int64("node_id", job.NodeID),
		zap.Error(err))
	return err
}

// shelve parks a circuit-open job: it re-enters the queue after shelveDelay
// with its attempt count unchanged. Without a requeue path the rejection
// propagates to the caller.
func (r *Runner) shelve(ctx context.Context, job Job, cause error) error {
	r.count(job.Kind, "shelved")
	if r.requeue == nil {
		return cause
	}
	r.logger.Warn("job shelved, circuit open",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int64("node_id", job.NodeID),
		zap.Duration("delay", shelveDelay))
	go func() {
		if err := r.sleep(ctx, shelveDelay); err != nil {
			return
		}
		if err := r.requeue(ctx, job); err != nil {
			r.logger.Error("requeue of shelved job failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
	return nil
}

func (r *Runner) count(kind Kind, status string) {
	if r.metrics != nil {
		r.metrics.CountJob(string(kind), status)
	}
}

// backoffDelay returns base·2^attempt with ±20% jitter, capped.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return memerr.E(memerr.Internal, "job backoff interrupted", ctx.Err())
	case <-t.C:
		return nil
	}
}
