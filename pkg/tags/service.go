package tags

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Extractor proposes tag names for a text. existingOntology is a bounded
// snapshot of recent tag names the extractor should prefer over inventing
// synonyms. Implementations must be safe for concurrent use.
type Extractor interface {
	ExtractTags(ctx context.Context, text string, existingOntology []string) ([]string, error)
}

// Service turns raw extractor output into clean, bounded tag sets.
type Service struct {
	extractor Extractor
	logger    *zap.Logger
}

// NewService wires an extractor. logger may be nil.
func NewService(extractor Extractor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{extractor: extractor, logger: logger}
}

// Extract runs the extractor and sanitizes its output: normalization,
// pattern validation, ontology preference, depth and count caps. Invalid
// candidates are dropped, never raised - a bad label must not block
// enrichment.
func (s *Service) Extract(ctx context.Context, text string, ontology []string) ([]string, error) {
	raw, err := s.extractor.ExtractTags(ctx, text, ontology)
	if err != nil {
		return nil, err
	}
	return s.sanitize(raw, ontology), nil
}

func (s *Service) sanitize(raw, ontology []string) []string {
	// Ontology names indexed by their normalized form, so near-duplicates
	// from the extractor snap to the existing vocabulary.
	canon := make(map[string]string, len(ontology))
	for _, o := range ontology {
		if n := Normalize(o); n != "" {
			canon[n] = o
		}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, r := range raw {
		if len(out) >= MaxTagsPerNode {
			break
		}
		n := Normalize(r)
		if n == "" {
			s.logger.Debug("dropping invalid tag candidate", zap.String("candidate", r))
			continue
		}
		if Depth(n) >= MaxDepth {
			s.logger.Debug("dropping over-deep tag candidate", zap.String("candidate", n))
			continue
		}
		if existing, ok := canon[n]; ok {
			n = existing
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// ExtractTags implements Extractor, so a sanitizing Service can stand in
// wherever a raw extractor is accepted (query-time read-only extraction).
func (s *Service) ExtractTags(ctx context.Context, text string, existingOntology []string) ([]string, error) {
	return s.Extract(ctx, text, existingOntology)
}

// KeywordExtractor is a deterministic Extractor that only reuses the
// existing ontology: a tag is proposed when its leaf segment appears as a
// word in the text. It is the query-time (read-only) extractor and the test
// double - it can never grow the vocabulary.
type KeywordExtractor struct{}

// ExtractTags matches ontology tag names against words of the text.
func (KeywordExtractor) ExtractTags(_ context.Context, text string, existingOntology []string) ([]string, error) {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '-' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		words[w] = struct{}{}
		words[Singularize(w)] = struct{}{}
	}

	var out []string
	for _, name := range existingOntology {
		segs := strings.Split(name, ":")
		leaf := segs[len(segs)-1]
		if _, ok := words[leaf]; ok {
			out = append(out, name)
		}
	}
	return out, nil
}
