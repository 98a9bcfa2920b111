package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisBackend(t *testing.T, r *Runner) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisWithClient(client, r, 2, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedis_EnqueueAndConsume(t *testing.T) {
	r := newTestRunner()
	var done atomic.Int64
	r.Handle(KindEmbed, func(_ context.Context, j Job) error {
		done.Add(1)
		return nil
	})

	b := newMiniredisBackend(t, r)
	require.NoError(t, b.Start(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Enqueue(context.Background(), NewJob(KindEmbed, int64(i))))
	}

	assert.Eventually(t, func() bool { return done.Load() == 5 },
		5*time.Second, 10*time.Millisecond)
}

func TestRedis_QueueDepth(t *testing.T) {
	b := newMiniredisBackend(t, newTestRunner())

	require.NoError(t, b.Enqueue(context.Background(), NewJob(KindTag, 1)))
	require.NoError(t, b.Enqueue(context.Background(), NewJob(KindTag, 2)))

	depth, err := b.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestRedis_MalformedEnvelopeSkipped(t *testing.T) {
	r := newTestRunner()
	var done atomic.Int64
	r.Handle(KindEmbed, func(context.Context, Job) error {
		done.Add(1)
		return nil
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisWithClient(client, r, 1, nil)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, client.LPush(context.Background(), redisQueueKey, "not json").Err())
	require.NoError(t, b.Enqueue(context.Background(), NewJob(KindEmbed, 1)))
	require.NoError(t, b.Start(context.Background()))

	assert.Eventually(t, func() bool { return done.Load() == 1 },
		5*time.Second, 10*time.Millisecond)
}
