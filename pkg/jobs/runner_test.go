package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/breaker"
	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/memerr"
)

func newTestRunner() *Runner {
	r := NewRunner(nil, nil)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestRunner_Success(t *testing.T) {
	r := newTestRunner()
	var calls int
	r.Handle(KindEmbed, func(context.Context, Job) error {
		calls++
		return nil
	})

	require.NoError(t, r.Run(context.Background(), NewJob(KindEmbed, 1)))
	assert.Equal(t, 1, calls)
}

func TestRunner_RetriesTransientFailures(t *testing.T) {
	r := newTestRunner()
	var calls int
	r.Handle(KindEmbed, func(context.Context, Job) error {
		calls++
		if calls < 3 {
			return memerr.Ef(memerr.ServiceUnavailable, "provider down")
		}
		return nil
	})

	require.NoError(t, r.Run(context.Background(), NewJob(KindEmbed, 1)))
	assert.Equal(t, 3, calls)
}

func TestRunner_TerminalErrorStopsImmediately(t *testing.T) {
	r := newTestRunner()
	var calls int
	r.Handle(KindTag, func(context.Context, Job) error {
		calls++
		return memerr.Ef(memerr.Validation, "bad input")
	})

	err := r.Run(context.Background(), NewJob(KindTag, 1))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, memerr.Validation, memerr.KindOf(err))
}

func TestRunner_DropsAfterExhaustion(t *testing.T) {
	r := newTestRunner()
	var calls int
	r.Handle(KindEmbed, func(context.Context, Job) error {
		calls++
		return memerr.Ef(memerr.ServiceUnavailable, "still down")
	})

	err := r.Run(context.Background(), NewJob(KindEmbed, 1))
	require.Error(t, err)
	assert.Equal(t, maxAttempts, calls)
}

func TestRunner_ResumesFromPriorAttempts(t *testing.T) {
	r := newTestRunner()
	var calls int
	r.Handle(KindEmbed, func(context.Context, Job) error {
		calls++
		return memerr.Ef(memerr.ServiceUnavailable, "down")
	})

	job := NewJob(KindEmbed, 1)
	job.Attempts = maxAttempts - 1
	require.Error(t, r.Run(context.Background(), job))
	assert.Equal(t, 1, calls, "a redelivered job keeps its attempt budget")
}

func circuitOpenErr() error {
	return memerr.E(memerr.ServiceUnavailable, "embedding circuit open", breaker.ErrOpen)
}

func TestRunner_ShelvesOnOpenCircuit(t *testing.T) {
	r := newTestRunner()
	var calls int
	r.Handle(KindEmbed, func(context.Context, Job) error {
		calls++
		return circuitOpenErr()
	})

	requeued := make(chan Job, 1)
	r.SetRequeue(func(_ context.Context, j Job) error {
		requeued <- j
		return nil
	})

	job := NewJob(KindEmbed, 1)
	job.Attempts = 2
	require.NoError(t, r.Run(context.Background(), job))
	assert.Equal(t, 1, calls, "a fail-fast rejection is not worth retrying")

	select {
	case j := <-requeued:
		assert.Equal(t, 2, j.Attempts, "shelving preserves the attempt budget")
	case <-time.After(time.Second):
		t.Fatal("shelved job never came back")
	}
}

func TestRunner_OpenCircuitWithoutRequeuePropagates(t *testing.T) {
	r := newTestRunner()
	var calls int
	r.Handle(KindEmbed, func(context.Context, Job) error {
		calls++
		return circuitOpenErr()
	})

	err := r.Run(context.Background(), NewJob(KindEmbed, 1))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, breaker.IsOpen(err))
}

func TestRunner_UnknownKind(t *testing.T) {
	r := newTestRunner()
	err := r.Run(context.Background(), NewJob("sing", 1))
	require.Error(t, err)
	assert.Equal(t, memerr.Internal, memerr.KindOf(err))
}

func TestBackoffDelay_Bounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		d := backoffDelay(attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, time.Duration(float64(backoffCap)*(1+backoffJitter)))
	}
	// First retry centers on the base delay.
	d := backoffDelay(0)
	assert.GreaterOrEqual(t, d, time.Duration(float64(backoffBase)*(1-backoffJitter)))
}

func TestInline_RunsSynchronously(t *testing.T) {
	r := newTestRunner()
	var ran bool
	r.Handle(KindEmbed, func(_ context.Context, j Job) error {
		ran = true
		assert.Equal(t, int64(42), j.NodeID)
		return nil
	})

	b := NewInline(r)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Enqueue(context.Background(), NewJob(KindEmbed, 42)))
	assert.True(t, ran)
	require.NoError(t, b.Close())
}

func TestPool_ProcessesAllJobs(t *testing.T) {
	r := newTestRunner()
	var done atomic.Int64
	r.Handle(KindEmbed, func(context.Context, Job) error {
		done.Add(1)
		return nil
	})

	p := NewPool(r, 3, nil)
	require.NoError(t, p.Start(context.Background()))
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Enqueue(context.Background(), NewJob(KindEmbed, int64(i))))
	}
	require.NoError(t, p.Close())
	assert.Equal(t, int64(20), done.Load())
}

func TestPool_EnqueueAfterClose(t *testing.T) {
	p := NewPool(newTestRunner(), 1, nil)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Close())

	err := p.Enqueue(context.Background(), NewJob(KindEmbed, 1))
	require.Error(t, err)
	assert.Equal(t, memerr.ServiceUnavailable, memerr.KindOf(err))
}

func TestBackendName_AutoPrecedence(t *testing.T) {
	// Explicit choices always win over auto-detection.
	assert.Equal(t, "postgres", BackendName(config.JobsConfig{Backend: "postgres"}))
	assert.Equal(t, "redis", BackendName(config.JobsConfig{Backend: "redis", RedisURL: "redis://localhost"}))
	assert.Equal(t, "pool", BackendName(config.JobsConfig{Backend: "pool"}))
	assert.Equal(t, "inline", BackendName(config.JobsConfig{Backend: "inline"}))

	// Under go test the auto chain resolves to inline before reaching the
	// Postgres queue, even with a broker configured.
	assert.Equal(t, "inline", BackendName(config.JobsConfig{Backend: "auto"}))
	assert.Equal(t, "inline", BackendName(config.JobsConfig{}))
	assert.Equal(t, "inline", BackendName(config.JobsConfig{Backend: "auto", RedisURL: "redis://localhost"}))
}

func TestJobEnvelope_RoundTrip(t *testing.T) {
	j := NewJob(KindTag, 7)
	j.Attempts = 2
	data, err := j.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, j, got)

	_, err = Decode([]byte("{"))
	require.Error(t, err)
}
