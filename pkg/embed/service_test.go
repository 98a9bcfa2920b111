package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/memerr"
)

// stubEmbedder returns a fixed vector per input, good enough to exercise the
// Service contract without a provider.
type stubEmbedder struct {
	vec   []float32
	model string
	err   error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float32, len(s.vec))
	copy(out, s.vec)
	return out, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := s.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return len(s.vec) }
func (s *stubEmbedder) Model() string   { return s.model }

func TestService_PadsShortVectors(t *testing.T) {
	svc := NewService(&stubEmbedder{vec: []float32{3, 4}}, 8, 512, 50)

	vec, actual, err := svc.EmbedText(context.Background(), "short")
	require.NoError(t, err)

	assert.Equal(t, 2, actual)
	require.Len(t, vec, 8)
	// Normalized before padding: (3,4) -> (0.6, 0.8), rest zeros.
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)
	for _, v := range vec[2:] {
		assert.Zero(t, v)
	}
}

func TestService_RejectsOversizeVectors(t *testing.T) {
	svc := NewService(&stubEmbedder{vec: make([]float32, 16)}, 8, 512, 50)

	_, _, err := svc.EmbedText(context.Background(), "too wide")
	require.Error(t, err)
	assert.Equal(t, memerr.Validation, memerr.KindOf(err))
}

func TestService_ChunksAndAverages(t *testing.T) {
	emb := &stubEmbedder{vec: []float32{1, 0, 0, 0}}
	svc := NewService(emb, 4, 32, 4)

	long := "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu"
	vec, actual, err := svc.EmbedText(context.Background(), long)
	require.NoError(t, err)
	assert.Equal(t, 4, actual)
	assert.InDelta(t, 1.0, float64(vec[0]), 1e-6) // averaging identical unit vectors
}

func TestNormalize(t *testing.T) {
	vec := []float32{3, 4}
	Normalize(vec)
	norm := math.Hypot(float64(vec[0]), float64(vec[1]))
	assert.InDelta(t, 1.0, norm, 1e-6)

	zero := []float32{0, 0, 0}
	Normalize(zero)
	assert.Equal(t, []float32{0, 0, 0}, zero)
}

func TestChunkText(t *testing.T) {
	assert.Equal(t, []string{"short"}, ChunkText("short", 100, 10))

	text := "First paragraph with some words.\n\nSecond paragraph with more words. And a third sentence here."
	chunks := ChunkText(text, 48, 8)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 48)
		assert.NotEmpty(t, c)
	}
}

func TestAverageVectors(t *testing.T) {
	assert.Nil(t, AverageVectors(nil))

	one := [][]float32{{1, 2}}
	assert.Equal(t, []float32{1, 2}, AverageVectors(one))

	avg := AverageVectors([][]float32{{1, 0}, {0, 1}})
	assert.InDelta(t, 0.5, float64(avg[0]), 1e-6)
	assert.InDelta(t, 0.5, float64(avg[1]), 1e-6)
}
