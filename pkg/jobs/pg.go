package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/memerr"
)

// pgNotifyChannel carries wake-up pings from Enqueue to consumers.
const pgNotifyChannel = "muninn_jobs"

// pgPollInterval is the claim-loop fallback cadence when no NOTIFY arrives
// (e.g. jobs enqueued by another instance whose NOTIFY was missed during a
// reconnect).
const pgPollInterval = 2 * time.Second

// Postgres queues jobs in the primary database: INSERT plus NOTIFY on
// enqueue, SKIP LOCKED claims on consume. No extra broker to operate, jobs
// survive restarts, and competing instances never double-claim.
type Postgres struct {
	pool    *pgxpool.Pool
	runner  *Runner
	logger  *zap.Logger
	workers int

	// trigger coalesces NOTIFY wake-ups for the claim loops.
	trigger chan struct{}
	cancel  context.CancelFunc
}

// NewPostgres wires the Postgres backend onto an existing pool.
// workers <= 0 defaults to 2.
func NewPostgres(pool *pgxpool.Pool, runner *Runner, workers int, logger *zap.Logger) *Postgres {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{
		pool:    pool,
		runner:  runner,
		logger:  logger,
		workers: workers,
		trigger: make(chan struct{}, 1),
	}
}

// Enqueue inserts the job row and pings consumers.
func (b *Postgres) Enqueue(ctx context.Context, job Job) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, node_id, attempts) VALUES ($1, $2, $3, $4)`,
		job.ID, string(job.Kind), job.NodeID, job.Attempts)
	if err != nil {
		return memerr.E(memerr.ServiceUnavailable, "enqueue job row", err)
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, job.ID); err != nil {
		// The poll loop will still pick the job up.
		b.logger.Warn("job notify failed", zap.Error(err))
	}
	return nil
}

// QueueDepth reports pending job rows.
func (b *Postgres) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := b.pool.QueryRow(ctx, `SELECT count(*) FROM jobs`).Scan(&n); err != nil {
		return 0, memerr.E(memerr.ServiceUnavailable, "job queue depth", err)
	}
	return n, nil
}

// Start launches the listener and the claim workers.
func (b *Postgres) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	go b.listen(ctx)
	for i := 0; i < b.workers; i++ {
		go b.claimLoop(ctx)
	}
	b.logger.Info("postgres job backend started", zap.Int("workers", b.workers))
	return nil
}

// listen holds a dedicated connection on LISTEN and converts notifications
// into trigger pings. Connection loss degrades to pure polling until the
// next successful LISTEN.
func (b *Postgres) listen(ctx context.Context) {
	for ctx.Err() == nil {
		conn, err := b.pool.Acquire(ctx)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		_, err = conn.Exec(ctx, `LISTEN `+pgNotifyChannel)
		if err != nil {
			conn.Release()
			b.logger.Warn("job listen failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for ctx.Err() == nil {
			if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
				break
			}
			select {
			case b.trigger <- struct{}{}:
			default:
			}
		}
		conn.Release()
	}
}

// claimLoop drains claimable jobs, then waits for a trigger or the poll
// tick.
func (b *Postgres) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(pgPollInterval)
	defer ticker.Stop()
	for {
		for {
			job, ok, err := b.claim(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("job claim failed", zap.Error(err))
				break
			}
			if !ok {
				break
			}
			_ = b.runner.Run(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-b.trigger:
		case <-ticker.C:
		}
	}
}

// claim removes and returns one due job. SKIP LOCKED keeps competing
// workers from blocking on each other's claims.
func (b *Postgres) claim(ctx context.Context) (Job, bool, error) {
	var job Job
	var kind string
	err := b.pool.QueryRow(ctx, `
		DELETE FROM jobs
		WHERE id = (
			SELECT id FROM jobs
			WHERE run_after <= now()
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, kind, node_id, attempts`).
		Scan(&job.ID, &kind, &job.NodeID, &job.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, memerr.E(memerr.ServiceUnavailable, "claim job", err)
	}
	job.Kind = Kind(kind)
	return job, true, nil
}

// Close stops listeners and workers. The pool is owned by the store and is
// not closed here.
func (b *Postgres) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return nil
}
