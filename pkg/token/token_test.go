package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristic_CountTokens(t *testing.T) {
	h := Heuristic{}

	assert.Equal(t, 0, h.CountTokens(""))
	assert.Equal(t, 1, h.CountTokens("abc"))
	assert.Equal(t, 1, h.CountTokens("abcd"))
	assert.Equal(t, 2, h.CountTokens("abcde"))
	assert.Equal(t, 25, h.CountTokens(string(make([]byte, 100))))
}

func TestNewCounter_AlwaysReturnsACounter(t *testing.T) {
	// Whatever the environment, NewCounter must hand back something usable.
	c := NewCounter("definitely-not-an-encoding")
	assert.NotNil(t, c)
	assert.Greater(t, c.CountTokens("hello world"), 0)
}
