package memerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := E(NotFound, "node 42", nil)
	wrapped := fmt.Errorf("recall failed: %w", base)

	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, NotFound))
	assert.False(t, IsKind(wrapped, Validation))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
}

func TestError_IsMatchesByKind(t *testing.T) {
	err := E(Conflict, "duplicate content hash", errors.New("23505"))
	assert.True(t, errors.Is(err, E(Conflict, "", nil)))
	assert.False(t, errors.Is(err, E(NotFound, "", nil)))
}

func TestError_UnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := E(ServiceUnavailable, "embedding provider", cause)
	require.ErrorIs(t, err, cause)
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, 0},
		{errors.New("generic"), 1},
		{E(Internal, "bug", nil), 1},
		{E(Validation, "empty content", nil), 2},
		{E(NotFound, "node", nil), 3},
		{E(ServiceUnavailable, "breaker open", nil), 4},
		{E(ResourceUnavailable, "pool exhausted", nil), 4},
		{E(Config, "bad yaml", nil), 5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ExitCode(tc.err), "err=%v", tc.err)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(E(ServiceUnavailable, "timeout", nil)))
	assert.False(t, Retryable(E(Validation, "bad input", nil)))
	assert.False(t, Retryable(E(NotFound, "gone", nil)))
	assert.False(t, Retryable(E(ResourceUnavailable, "pool", nil)))
	assert.False(t, Retryable(nil))
}
