// Package search is the retrieval engine: fulltext, vector, and hybrid
// strategies over the node store, with natural-language timeframe parsing.
//
// Hybrid is the primary strategy. It runs both lanes with an expanded
// candidate limit, fuses them with Reciprocal Rank Fusion (Cormack, Clarke &
// Buettcher 2009; k = 60), and adds a tag boost for nodes whose hierarchy
// tags match tags inferred from the query. Lane scores are never compared
// directly; only ranks cross the fusion boundary.
package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/metrics"
	"github.com/orneryd/muninn/pkg/store"
	"github.com/orneryd/muninn/pkg/tags"
)

// Strategy names accepted by Search.
const (
	StrategyFulltext = "fulltext"
	StrategyVector   = "vector"
	StrategyHybrid   = "hybrid"
)

const (
	// rrfK is the RRF smoothing constant.
	rrfK = 60.0
	// minExpandedLimit floors the per-lane candidate limit for fusion.
	minExpandedLimit = 20
	// DefaultTagBoostAlpha scales the hybrid tag boost.
	DefaultTagBoostAlpha = 0.3
	// tagDepthWeight is the per-level specificity bonus for matched tags.
	tagDepthWeight = 0.1
	// DefaultLimit is used when a request carries no limit.
	DefaultLimit = 10
)

// Storage is the slice of the node store the engine needs.
type Storage interface {
	FulltextCandidates(ctx context.Context, query string, tf store.Timeframe, limit int) ([]store.Candidate, error)
	VectorCandidates(ctx context.Context, vec []float32, tf store.Timeframe, limit int) ([]store.Candidate, error)
	RecentCandidates(ctx context.Context, tf store.Timeframe, limit int) ([]store.Candidate, error)
	TagsForNodes(ctx context.Context, nodeIDs []int64) (map[int64][]string, error)
	ListRecentTags(ctx context.Context, limit int) ([]string, error)
	ExistingTagNames(ctx context.Context, names []string) ([]string, error)
	NodesByIDs(ctx context.Context, ids []int64) (map[int64]*store.Node, error)
	TouchLastAccessed(ctx context.Context, ids []int64) error
}

// Embedder turns query text into a normalized query vector.
type Embedder interface {
	EmbedText(ctx context.Context, text string) (vec []float32, actualDim int, err error)
}

// Request describes one retrieval.
type Request struct {
	Query    string
	Strategy string // fulltext|vector|hybrid; empty means hybrid
	Limit    int

	// Timeframe bounds results when non-zero. TimeframeExpr, when set, is
	// parsed instead; the special value ":auto" extracts the phrase from
	// the query itself.
	Timeframe     store.Timeframe
	TimeframeExpr string

	// TagFilter keeps only results carrying at least one of these tags.
	TagFilter []string

	// Vector short-circuits query embedding when the caller already has one.
	Vector []float32
}

// Result is one scored node.
type Result struct {
	ID         int64          `json:"id"`
	Content    string         `json:"content"`
	Similarity float64        `json:"similarity"`
	TagBoost   float64        `json:"tag_boost"`
	Combined   float64        `json:"combined_score"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Engine executes retrieval requests.
type Engine struct {
	storage   Storage
	embedder  Embedder
	parser    *TimeframeParser
	alpha     float64
	metrics   *metrics.Metrics
	logger    *zap.Logger
	extractor tags.Extractor
}

// NewEngine wires the retrieval engine. embedder may be nil, in which case
// vector and hybrid requests must carry a caller-supplied vector. extractor
// supplies query-time tag candidates (read-only, never persisted); nil
// falls back to the deterministic keyword matcher. metrics and logger may
// be nil.
func NewEngine(storage Storage, embedder Embedder, parser *TimeframeParser, alpha float64, extractor tags.Extractor, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alpha <= 0 {
		alpha = DefaultTagBoostAlpha
	}
	if parser == nil {
		parser = NewTimeframeParser(nil, time.Monday)
	}
	if extractor == nil {
		extractor = tags.KeywordExtractor{}
	}
	return &Engine{
		storage:   storage,
		embedder:  embedder,
		parser:    parser,
		alpha:     alpha,
		metrics:   m,
		logger:    logger,
		extractor: extractor,
	}
}

// Search runs one retrieval request. Returned nodes have their
// last_accessed bumped; failures of that side effect are logged, not
// surfaced.
func (e *Engine) Search(ctx context.Context, req Request) ([]Result, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyHybrid
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}

	started := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveSearchLatency(strategy, time.Since(started))
		}
	}()

	query, tf, err := e.resolveTimeframe(req)
	if err != nil {
		return nil, err
	}

	var results []Result
	switch strategy {
	case StrategyFulltext:
		results, err = e.fulltext(ctx, query, tf, req.Limit)
	case StrategyVector:
		results, err = e.vector(ctx, query, req.Vector, tf, req.Limit)
	case StrategyHybrid:
		results, err = e.hybrid(ctx, query, req.Vector, tf, req.Limit)
	default:
		return nil, memerr.Ef(memerr.Validation, "unknown search strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	results, err = e.annotate(ctx, results, req.TagFilter, req.Limit)
	if err != nil {
		return nil, err
	}

	if len(results) > 0 {
		ids := make([]int64, len(results))
		for i, r := range results {
			ids[i] = r.ID
		}
		if err := e.storage.TouchLastAccessed(ctx, ids); err != nil {
			e.logger.Warn("touch last accessed failed", zap.Error(err))
		}
	}
	return results, nil
}

// resolveTimeframe applies the explicit range, a parsed expression, or
// :auto extraction, returning the (possibly cleaned) query.
func (e *Engine) resolveTimeframe(req Request) (string, store.Timeframe, error) {
	if req.TimeframeExpr == "" {
		return req.Query, req.Timeframe, nil
	}
	if req.TimeframeExpr == ":auto" {
		cleaned, tf := e.parser.Extract(req.Query)
		return cleaned, tf, nil
	}
	tf, err := e.parser.Parse(req.TimeframeExpr)
	if err != nil {
		return "", store.Timeframe{}, err
	}
	return req.Query, tf, nil
}

func (e *Engine) fulltext(ctx context.Context, query string, tf store.Timeframe, limit int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		cands, err := e.storage.RecentCandidates(ctx, tf, limit)
		if err != nil {
			return nil, err
		}
		return candidatesToResults(cands, false), nil
	}
	cands, err := e.storage.FulltextCandidates(ctx, query, tf, limit)
	if err != nil {
		return nil, err
	}
	return candidatesToResults(cands, false), nil
}

func (e *Engine) vector(ctx context.Context, query string, vec []float32, tf store.Timeframe, limit int) ([]Result, error) {
	vec, err := e.queryVector(ctx, query, vec)
	if err != nil {
		return nil, err
	}
	cands, err := e.storage.VectorCandidates(ctx, vec, tf, limit)
	if err != nil {
		return nil, err
	}
	return candidatesToResults(cands, true), nil
}

// hybrid fuses both lanes with RRF and applies the tag boost.
func (e *Engine) hybrid(ctx context.Context, query string, vec []float32, tf store.Timeframe, limit int) ([]Result, error) {
	expanded := 2 * limit
	if expanded < minExpandedLimit {
		expanded = minExpandedLimit
	}

	if strings.TrimSpace(query) == "" && len(vec) == 0 {
		cands, err := e.storage.RecentCandidates(ctx, tf, limit)
		if err != nil {
			return nil, err
		}
		return candidatesToResults(cands, false), nil
	}

	ftCands, err := e.storage.FulltextCandidates(ctx, query, tf, expanded)
	if err != nil {
		return nil, err
	}

	var vecCands []store.Candidate
	vec, vecErr := e.queryVector(ctx, query, vec)
	if vecErr != nil {
		// The semantic lane degrades to lexical-only when the embedding
		// provider is down; retrieval must keep answering.
		e.logger.Warn("vector lane unavailable, hybrid degrading to fulltext",
			zap.Error(vecErr))
	} else {
		vecCands, err = e.storage.VectorCandidates(ctx, vec, tf, expanded)
		if err != nil {
			return nil, err
		}
	}

	fused := fuseRRF(ftCands, vecCands)

	if err := e.applyTagBoost(ctx, query, fused); err != nil {
		return nil, err
	}

	sortResults(fused)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

func (e *Engine) queryVector(ctx context.Context, query string, vec []float32) ([]float32, error) {
	if len(vec) > 0 {
		return vec, nil
	}
	if e.embedder == nil {
		return nil, memerr.Ef(memerr.ServiceUnavailable, "no embedding service configured")
	}
	v, _, err := e.embedder.EmbedText(ctx, query)
	return v, err
}

// fuseRRF merges both candidate lists by reciprocal rank. Vector similarity
// survives fusion as an annotation; fulltext-only nodes carry similarity 0.
func fuseRRF(ftCands, vecCands []store.Candidate) []Result {
	byID := make(map[int64]*Result, len(ftCands)+len(vecCands))
	order := make([]int64, 0, len(ftCands)+len(vecCands))

	add := func(c store.Candidate) *Result {
		r, ok := byID[c.ID]
		if !ok {
			r = &Result{ID: c.ID, Content: c.Content, CreatedAt: c.CreatedAt}
			byID[c.ID] = r
			order = append(order, c.ID)
		}
		return r
	}

	for i, c := range ftCands {
		r := add(c)
		r.Combined += 1.0 / (rrfK + float64(i+1))
	}
	for i, c := range vecCands {
		r := add(c)
		r.Combined += 1.0 / (rrfK + float64(i+1))
		r.Similarity = c.Score
	}

	out := make([]Result, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// applyTagBoost infers tags from the query (read-only: the vocabulary never
// grows at query time), expands them with their ancestors, keeps only names
// that exist in the store, and boosts every fused result whose tags
// intersect that set. Deeper matched tags contribute more.
func (e *Engine) applyTagBoost(ctx context.Context, query string, fused []Result) error {
	if len(fused) == 0 {
		return nil
	}

	ontology, err := e.storage.ListRecentTags(ctx, tags.OntologySnapshotSize)
	if err != nil {
		return err
	}
	if len(ontology) == 0 {
		return nil
	}
	candidates, err := e.extractor.ExtractTags(ctx, query, ontology)
	if err != nil || len(candidates) == 0 {
		return err
	}
	queryTags, err := e.storage.ExistingTagNames(ctx, tags.WithAncestors(candidates))
	if err != nil || len(queryTags) == 0 {
		return err
	}
	querySet := make(map[string]struct{}, len(queryTags))
	for _, t := range queryTags {
		querySet[t] = struct{}{}
	}

	ids := make([]int64, len(fused))
	for i, r := range fused {
		ids[i] = r.ID
	}
	nodeTags, err := e.storage.TagsForNodes(ctx, ids)
	if err != nil {
		return err
	}

	for i := range fused {
		var weighted float64
		matched := nodeTags[fused[i].ID]
		fused[i].Tags = matched
		for _, t := range matched {
			if _, ok := querySet[t]; ok {
				weighted += 1 + tagDepthWeight*float64(tags.Depth(t))
			}
		}
		if weighted > 0 {
			fused[i].TagBoost = e.alpha * weighted / float64(len(queryTags))
			fused[i].Combined += fused[i].TagBoost
		}
	}
	return nil
}

// annotate fills tags and metadata on the final results and applies the tag
// filter. Nodes deleted between candidate retrieval and annotation drop out.
func (e *Engine) annotate(ctx context.Context, results []Result, tagFilter []string, limit int) ([]Result, error) {
	if len(results) == 0 {
		return results, nil
	}
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	nodes, err := e.storage.NodesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	nodeTags, err := e.storage.TagsForNodes(ctx, ids)
	if err != nil {
		return nil, err
	}

	filter := make(map[string]struct{}, len(tagFilter))
	for _, t := range tagFilter {
		filter[t] = struct{}{}
	}

	out := results[:0]
	for _, r := range results {
		n, ok := nodes[r.ID]
		if !ok {
			continue
		}
		r.Metadata = n.Metadata
		if r.Tags == nil {
			r.Tags = nodeTags[r.ID]
		}
		if len(filter) > 0 && !intersects(r.Tags, filter) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func intersects(names []string, set map[string]struct{}) bool {
	for _, n := range names {
		if _, ok := set[n]; ok {
			return true
		}
	}
	return false
}

// candidatesToResults maps single-lane candidates, preserving lane order.
// Lane score doubles as the combined score so callers sort stably.
func candidatesToResults(cands []store.Candidate, vectorLane bool) []Result {
	out := make([]Result, len(cands))
	for i, c := range cands {
		out[i] = Result{ID: c.ID, Content: c.Content, Combined: c.Score, CreatedAt: c.CreatedAt}
		if vectorLane {
			out[i].Similarity = c.Score
		}
	}
	return out
}

// sortResults orders by combined descending, then similarity, then
// created_at descending, then id ascending. Fully deterministic.
func sortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Combined != rs[j].Combined {
			return rs[i].Combined > rs[j].Combined
		}
		if rs[i].Similarity != rs[j].Similarity {
			return rs[i].Similarity > rs[j].Similarity
		}
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
