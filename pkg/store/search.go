package store

import (
	"context"
	"strconv"

	"github.com/pgvector/pgvector-go"
)

// FulltextCandidates runs the lexical retrieval lane: English-stemmed
// tsquery matching ranked by ts_rank_cd. Scores are lane-local and only
// meaningful as an ordering.
func (s *Store) FulltextCandidates(ctx context.Context, query string, tf Timeframe, limit int) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	q := `
		SELECT id, content,
		       ts_rank_cd(to_tsvector('english', content), plainto_tsquery('english', $1)) AS rank,
		       created_at
		FROM nodes
		WHERE deleted_at IS NULL
		  AND to_tsvector('english', content) @@ plainto_tsquery('english', $1)`
	args := []any{query}
	q, args = appendTimeframe(q, args, tf)
	q += ` ORDER BY rank DESC, created_at DESC, id ASC LIMIT $` + argN(len(args)+1)
	args = append(args, limit)

	rows, err := conn.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr("fulltext search", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// VectorCandidates runs the semantic retrieval lane: cosine nearest
// neighbors over the HNSW index. Score is cosine similarity (1 - distance),
// so higher is closer, matching the fulltext lane's orientation.
func (s *Store) VectorCandidates(ctx context.Context, vec []float32, tf Timeframe, limit int) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	q := `
		SELECT id, content,
		       1 - (embedding <=> $1) AS similarity,
		       created_at
		FROM nodes
		WHERE deleted_at IS NULL AND embedding IS NOT NULL`
	args := []any{pgvector.NewVector(vec)}
	q, args = appendTimeframe(q, args, tf)
	q += ` ORDER BY embedding <=> $1 LIMIT $` + argN(len(args)+1)
	args = append(args, limit)

	rows, err := conn.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr("vector search", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// RecentCandidates returns live nodes newest first, the retrieval lane used
// when a timeframe query carries no content terms.
func (s *Store) RecentCandidates(ctx context.Context, tf Timeframe, limit int) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	q := `
		SELECT id, content, 0::float8 AS score, created_at
		FROM nodes
		WHERE deleted_at IS NULL`
	var args []any
	q, args = appendTimeframe(q, args, tf)
	q += ` ORDER BY created_at DESC, id ASC LIMIT $` + argN(len(args)+1)
	args = append(args, limit)

	rows, err := conn.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr("recent search", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

func appendTimeframe(q string, args []any, tf Timeframe) (string, []any) {
	if !tf.Start.IsZero() {
		args = append(args, tf.Start)
		q += ` AND created_at >= $` + argN(len(args))
	}
	if !tf.End.IsZero() {
		args = append(args, tf.End)
		q += ` AND created_at < $` + argN(len(args))
	}
	return q, args
}

func argN(n int) string {
	return strconv.Itoa(n)
}

func scanCandidates(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]Candidate, error) {
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Content, &c.Score, &c.CreatedAt); err != nil {
			return nil, mapErr("scan candidate", err)
		}
		out = append(out, c)
	}
	return out, mapErr("search rows", rows.Err())
}
