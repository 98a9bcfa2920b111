package breaker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/memerr"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New("embedding", zap.NewNop(), nil)
	boom := errors.New("provider down")

	calls := 0
	for i := 0; i < 5; i++ {
		err := b.Execute(func() error {
			calls++
			return boom
		})
		require.Error(t, err)
	}
	assert.Equal(t, 5, calls)
	assert.Equal(t, Open, b.State())

	// Sixth call fails fast without invoking the provider.
	err := b.Execute(func() error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, memerr.ServiceUnavailable, memerr.KindOf(err))
	assert.Equal(t, 5, calls)
}

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := New("tags", zap.NewNop(), nil)

	err := b.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Closed, b.State())

	// A classified error passes through unchanged below the trip threshold.
	want := memerr.Ef(memerr.Validation, "bad input")
	err = b.Execute(func() error { return want })
	assert.ErrorIs(t, err, want)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_StateCallback(t *testing.T) {
	var states []State
	b := New("embedding", zap.NewNop(), func(_ string, s State) {
		states = append(states, s)
	})

	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return errors.New("down") })
	}
	require.NotEmpty(t, states)
	assert.Equal(t, Open, states[len(states)-1])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "open", Open.String())
}
