package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/memerr"
)

// redisQueueKey is the list both producers and consumers use.
const redisQueueKey = "muninn:jobs"

// redisPopTimeout bounds each BRPOP so shutdown is responsive.
const redisPopTimeout = 2 * time.Second

// Redis brokers jobs through a Redis list. Producers LPUSH JSON envelopes;
// consumers BRPOP them, so multiple service instances share the enrichment
// load and queued jobs survive process restarts.
type Redis struct {
	client  *redis.Client
	runner  *Runner
	logger  *zap.Logger
	workers int
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewRedis connects the Redis backend. workers <= 0 defaults to 2.
func NewRedis(url string, runner *Runner, workers int, logger *zap.Logger) (*Redis, error) {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, memerr.E(memerr.Config, "parse redis url", err)
	}
	return &Redis{
		client:  redis.NewClient(opts),
		runner:  runner,
		logger:  logger,
		workers: workers,
		done:    make(chan struct{}),
	}, nil
}

// NewRedisWithClient wires an existing client (miniredis in tests).
func NewRedisWithClient(client *redis.Client, runner *Runner, workers int, logger *zap.Logger) *Redis {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:  client,
		runner:  runner,
		logger:  logger,
		workers: workers,
		done:    make(chan struct{}),
	}
}

// Enqueue pushes the job envelope onto the queue.
func (b *Redis) Enqueue(ctx context.Context, job Job) error {
	data, err := job.Encode()
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, redisQueueKey, data).Err(); err != nil {
		return memerr.E(memerr.ServiceUnavailable, "enqueue to redis", err)
	}
	return nil
}

// QueueDepth reports pending jobs, for the status surface.
func (b *Redis) QueueDepth(ctx context.Context) (int64, error) {
	depth, err := b.client.LLen(ctx, redisQueueKey).Result()
	if err != nil {
		return 0, memerr.E(memerr.ServiceUnavailable, "redis queue depth", err)
	}
	return depth, nil
}

// Start launches consumer goroutines.
func (b *Redis) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	for i := 0; i < b.workers; i++ {
		go b.consume(ctx)
	}
	b.logger.Info("redis job backend started", zap.Int("workers", b.workers))
	return nil
}

func (b *Redis) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		default:
		}

		res, err := b.client.BRPop(ctx, redisPopTimeout, redisQueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			b.logger.Warn("redis pop failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}
		job, err := Decode([]byte(res[1]))
		if err != nil {
			b.logger.Error("discarding malformed job envelope", zap.Error(err))
			continue
		}
		_ = b.runner.Run(ctx, job)
	}
}

// Close stops consumers and releases the client.
func (b *Redis) Close() error {
	close(b.done)
	if b.cancel != nil {
		b.cancel()
	}
	return b.client.Close()
}
