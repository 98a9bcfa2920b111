package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/store"
)

// fakeStorage serves canned candidates per lane.
type fakeStorage struct {
	fulltext []store.Candidate
	vector   []store.Candidate
	recent   []store.Candidate
	tags     map[int64][]string
	ontology []string
	touched  []int64
}

func (f *fakeStorage) FulltextCandidates(_ context.Context, _ string, _ store.Timeframe, _ int) ([]store.Candidate, error) {
	return f.fulltext, nil
}

func (f *fakeStorage) VectorCandidates(_ context.Context, _ []float32, _ store.Timeframe, _ int) ([]store.Candidate, error) {
	return f.vector, nil
}

func (f *fakeStorage) RecentCandidates(_ context.Context, _ store.Timeframe, _ int) ([]store.Candidate, error) {
	return f.recent, nil
}

func (f *fakeStorage) TagsForNodes(_ context.Context, ids []int64) (map[int64][]string, error) {
	out := make(map[int64][]string)
	for _, id := range ids {
		if t, ok := f.tags[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (f *fakeStorage) ListRecentTags(_ context.Context, _ int) ([]string, error) {
	return f.ontology, nil
}

func (f *fakeStorage) ExistingTagNames(_ context.Context, names []string) ([]string, error) {
	known := make(map[string]struct{})
	for _, o := range f.ontology {
		known[o] = struct{}{}
	}
	var out []string
	for _, n := range names {
		if _, ok := known[n]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStorage) NodesByIDs(_ context.Context, ids []int64) (map[int64]*store.Node, error) {
	out := make(map[int64]*store.Node)
	seen := func(id int64) bool {
		for _, lane := range [][]store.Candidate{f.fulltext, f.vector, f.recent} {
			for _, c := range lane {
				if c.ID == id {
					return true
				}
			}
		}
		return false
	}
	for _, id := range ids {
		if seen(id) {
			out[id] = &store.Node{ID: id, Metadata: map[string]any{}}
		}
	}
	return out, nil
}

func (f *fakeStorage) TouchLastAccessed(_ context.Context, ids []int64) error {
	f.touched = append(f.touched, ids...)
	return nil
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) EmbedText(context.Context, string) ([]float32, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return []float32{1, 0, 0}, 3, nil
}

func cand(id int64, score float64) store.Candidate {
	return store.Candidate{ID: id, Content: "c", Score: score, CreatedAt: time.Unix(id, 0)}
}

func newTestEngine(s *fakeStorage, e Embedder) *Engine {
	return NewEngine(s, e, testParser(time.Monday), DefaultTagBoostAlpha, nil, nil, nil)
}

func TestHybrid_BothLanesBeatSingleLane(t *testing.T) {
	// Node 2 is mid-ranked in both lanes; nodes 1 and 3 each lead one lane.
	s := &fakeStorage{
		fulltext: []store.Candidate{cand(1, 0.9), cand(2, 0.5)},
		vector:   []store.Candidate{cand(3, 0.95), cand(2, 0.6)},
	}
	eng := newTestEngine(s, fakeEmbedder{})

	results, err := eng.Search(context.Background(), Request{Query: "q", Strategy: StrategyHybrid, Limit: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, int64(2), results[0].ID, "presence in both lanes outranks a single first place")

	// RRF of two rank-2 appearances vs one rank-1.
	assert.InDelta(t, 2.0/62.0, results[0].Combined, 1e-9)
}

func TestHybrid_SimilarityAnnotationSurvivesFusion(t *testing.T) {
	s := &fakeStorage{
		fulltext: []store.Candidate{cand(1, 0.9)},
		vector:   []store.Candidate{cand(2, 0.88)},
	}
	eng := newTestEngine(s, fakeEmbedder{})

	results, err := eng.Search(context.Background(), Request{Query: "q", Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[int64]Result{}
	for _, r := range results {
		byID[r.ID] = r
	}
	assert.Zero(t, byID[1].Similarity)
	assert.InDelta(t, 0.88, byID[2].Similarity, 1e-9)
}

func TestHybrid_TagBoost(t *testing.T) {
	s := &fakeStorage{
		// Identical ranks, so only the tag boost separates them.
		fulltext: []store.Candidate{cand(1, 0.9), cand(2, 0.8)},
		vector:   []store.Candidate{cand(2, 0.9), cand(1, 0.8)},
		ontology: []string{"database", "database:postgresql"},
		tags: map[int64][]string{
			2: {"database", "database:postgresql"},
		},
	}
	eng := newTestEngine(s, fakeEmbedder{})

	results, err := eng.Search(context.Background(), Request{Query: "postgresql tuning", Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].ID)
	assert.Positive(t, results[0].TagBoost)
	assert.Zero(t, results[1].TagBoost)

	// alpha * ((1+0) + (1+0.1)) / 2 query tags.
	assert.InDelta(t, 0.3*2.1/2, results[0].TagBoost, 1e-9)
}

// listExtractor returns a fixed tag list, ignoring the query text.
type listExtractor struct{ tags []string }

func (l listExtractor) ExtractTags(context.Context, string, []string) ([]string, error) {
	return l.tags, nil
}

func TestHybrid_TagBoostUsesInjectedExtractor(t *testing.T) {
	// The query mentions neither tag, so the default keyword matcher would
	// boost nothing; the injected extractor decides what counts.
	s := &fakeStorage{
		fulltext: []store.Candidate{cand(1, 0.9), cand(2, 0.8)},
		vector:   []store.Candidate{cand(2, 0.9), cand(1, 0.8)},
		ontology: []string{"infra"},
		tags: map[int64][]string{
			2: {"infra"},
		},
	}
	eng := NewEngine(s, fakeEmbedder{}, testParser(time.Monday), DefaultTagBoostAlpha,
		listExtractor{tags: []string{"infra"}}, nil, nil)

	results, err := eng.Search(context.Background(), Request{Query: "how do we ship releases", Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].ID)
	assert.InDelta(t, 0.3, results[0].TagBoost, 1e-9, "alpha * 1 match / 1 query tag")
	assert.Zero(t, results[1].TagBoost)
}

func TestHybrid_DegradesWhenEmbedderDown(t *testing.T) {
	s := &fakeStorage{
		fulltext: []store.Candidate{cand(1, 0.9), cand(2, 0.5)},
	}
	eng := newTestEngine(s, fakeEmbedder{err: memerr.Ef(memerr.ServiceUnavailable, "provider down")})

	results, err := eng.Search(context.Background(), Request{Query: "q", Limit: 5})
	require.NoError(t, err, "hybrid keeps answering on the lexical lane")
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
}

func TestSearch_UnknownStrategy(t *testing.T) {
	eng := newTestEngine(&fakeStorage{}, fakeEmbedder{})
	_, err := eng.Search(context.Background(), Request{Query: "q", Strategy: "psychic"})
	require.Error(t, err)
	assert.Equal(t, memerr.Validation, memerr.KindOf(err))
}

func TestSearch_TagFilter(t *testing.T) {
	s := &fakeStorage{
		fulltext: []store.Candidate{cand(1, 0.9), cand(2, 0.8)},
		tags:     map[int64][]string{2: {"deploy"}},
	}
	eng := newTestEngine(s, fakeEmbedder{})

	results, err := eng.Search(context.Background(), Request{
		Query: "q", Strategy: StrategyFulltext, Limit: 5, TagFilter: []string{"deploy"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].ID)
}

func TestSearch_TimeframeExprValidation(t *testing.T) {
	eng := newTestEngine(&fakeStorage{}, fakeEmbedder{})
	_, err := eng.Search(context.Background(), Request{Query: "q", TimeframeExpr: "next eon"})
	require.Error(t, err)
	assert.Equal(t, memerr.Validation, memerr.KindOf(err))
}

func TestSearch_AutoTimeframeCleansQuery(t *testing.T) {
	s := &fakeStorage{fulltext: []store.Candidate{cand(1, 0.9)}}
	eng := newTestEngine(s, fakeEmbedder{})

	results, err := eng.Search(context.Background(), Request{
		Query:         "caching decision yesterday",
		Strategy:      StrategyFulltext,
		TimeframeExpr: ":auto",
		Limit:         5,
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_TouchesReturnedNodes(t *testing.T) {
	s := &fakeStorage{fulltext: []store.Candidate{cand(1, 0.9), cand(2, 0.8)}}
	eng := newTestEngine(s, fakeEmbedder{})

	_, err := eng.Search(context.Background(), Request{Query: "q", Strategy: StrategyFulltext, Limit: 5})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, s.touched)
}

func TestSearch_EmptyQueryFallsBackToRecent(t *testing.T) {
	s := &fakeStorage{recent: []store.Candidate{cand(9, 0)}}
	eng := newTestEngine(s, fakeEmbedder{})

	results, err := eng.Search(context.Background(), Request{Strategy: StrategyFulltext, Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(9), results[0].ID)
}

func TestSortResults_Deterministic(t *testing.T) {
	ts := time.Unix(100, 0)
	rs := []Result{
		{ID: 3, Combined: 0.5, CreatedAt: ts},
		{ID: 1, Combined: 0.5, CreatedAt: ts},
		{ID: 2, Combined: 0.5, Similarity: 0.9, CreatedAt: ts},
		{ID: 4, Combined: 0.7, CreatedAt: ts},
	}
	sortResults(rs)
	assert.Equal(t, []int64{4, 2, 1, 3}, []int64{rs[0].ID, rs[1].ID, rs[2].ID, rs[3].ID})
}
