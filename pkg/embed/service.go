package embed

import (
	"context"
	"math"
	"strings"

	"github.com/orneryd/muninn/pkg/memerr"
)

// MaxDimensions is the hard cap of the store's vector column.
const MaxDimensions = 2000

// Service wraps an Embedder with the store's vector contract: chunking of
// oversize inputs, L2 normalization for cosine distance, right-padding of
// short vectors, and dimension validation.
type Service struct {
	embedder     Embedder
	dimensions   int // column dimension D
	chunkSize    int
	chunkOverlap int
}

// NewService creates the contract-enforcing wrapper. dimensions is the
// store's column dimension D; chunkSize/chunkOverlap are character counts
// for splitting oversize inputs.
func NewService(embedder Embedder, dimensions, chunkSize, chunkOverlap int) *Service {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 10
	}
	return &Service{
		embedder:     embedder,
		dimensions:   dimensions,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
	}
}

// EmbedText embeds text, returning the column-ready vector (length D,
// L2-normalized) and the provider's actual dimension D'.
//
// When the provider returns D' < D the vector is right-padded with zeros;
// D' > D (or D' > MaxDimensions) is a Validation error per the store
// contract.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, int, error) {
	chunks := ChunkText(text, s.chunkSize, s.chunkOverlap)

	vecs, err := s.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, 0, err
	}
	vec := AverageVectors(vecs)
	actual := len(vec)

	if actual == 0 {
		return nil, 0, memerr.Ef(memerr.Validation, "provider returned empty embedding")
	}
	if actual > MaxDimensions {
		return nil, 0, memerr.Ef(memerr.Validation,
			"provider dimension %d exceeds column limit %d", actual, MaxDimensions)
	}
	if actual > s.dimensions {
		return nil, 0, memerr.Ef(memerr.Validation,
			"provider dimension %d exceeds configured dimension %d", actual, s.dimensions)
	}

	Normalize(vec)
	if actual < s.dimensions {
		padded := make([]float32, s.dimensions)
		copy(padded, vec)
		vec = padded
	}
	return vec, actual, nil
}

// Dimensions returns the column dimension D.
func (s *Service) Dimensions() int { return s.dimensions }

// Model returns the underlying provider's model name.
func (s *Service) Model() string { return s.embedder.Model() }

// Normalize scales vec to unit L2 norm in place. Zero vectors are left
// unchanged.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// AverageVectors computes the element-wise average of multiple vectors.
// Returns nil for no input, the single vector unchanged for one.
func AverageVectors(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	if len(vecs) == 1 {
		return vecs[0]
	}
	dims := len(vecs[0])
	avg := make([]float32, dims)
	for _, v := range vecs {
		for i, x := range v {
			if i < dims {
				avg[i] += x
			}
		}
	}
	n := float32(len(vecs))
	for i := range avg {
		avg[i] /= n
	}
	return avg
}

// ChunkText splits text into chunks with overlap, preferring natural
// boundaries (paragraph, sentence, word). Text within chunkSize is returned
// as a single chunk.
func ChunkText(text string, chunkSize, overlap int) []string {
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}

		if end < len(text) {
			chunk := text[start:end]
			if idx := strings.LastIndex(chunk, "\n\n"); idx > chunkSize/2 {
				end = start + idx
			} else if idx := strings.LastIndex(chunk, ". "); idx > chunkSize/2 {
				end = start + idx + 1
			} else if idx := strings.LastIndex(chunk, " "); idx > chunkSize/2 {
				end = start + idx
			}
		}

		chunks = append(chunks, text[start:end])

		next := end - overlap
		if next <= start {
			next = end // prevent infinite loop on tiny chunk sizes
		}
		start = next
	}
	return chunks
}
