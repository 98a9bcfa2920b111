package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// UpsertFileSource records an imported file. When the stored hash already
// matches, unchanged is true and the caller should skip re-chunking.
func (s *Store) UpsertFileSource(ctx context.Context, path, contentHash string) (src *FileSource, unchanged bool, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var existing FileSource
		scanErr := tx.QueryRow(ctx,
			`SELECT id, path, content_hash, chunk_count, imported_at
			 FROM file_sources WHERE path = $1 FOR UPDATE`, path).
			Scan(&existing.ID, &existing.Path, &existing.ContentHash, &existing.ChunkCount, &existing.ImportedAt)
		switch {
		case scanErr == nil && existing.ContentHash == contentHash:
			src, unchanged = &existing, true
			return nil
		case scanErr == nil:
			// File changed on disk: reset the source row; the caller
			// re-imports and relinks chunks.
			row := tx.QueryRow(ctx,
				`UPDATE file_sources
				 SET content_hash = $2, chunk_count = 0, imported_at = now()
				 WHERE id = $1
				 RETURNING id, path, content_hash, chunk_count, imported_at`,
				existing.ID, contentHash)
			var updated FileSource
			if err := row.Scan(&updated.ID, &updated.Path, &updated.ContentHash, &updated.ChunkCount, &updated.ImportedAt); err != nil {
				return mapErr("update file source", err)
			}
			src = &updated
			return nil
		case scanErr == pgx.ErrNoRows:
			row := tx.QueryRow(ctx,
				`INSERT INTO file_sources (path, content_hash)
				 VALUES ($1, $2)
				 RETURNING id, path, content_hash, chunk_count, imported_at`,
				path, contentHash)
			var created FileSource
			if err := row.Scan(&created.ID, &created.Path, &created.ContentHash, &created.ChunkCount, &created.ImportedAt); err != nil {
				return mapErr("insert file source", err)
			}
			src = &created
			return nil
		default:
			return mapErr("lookup file source", scanErr)
		}
	})
	return src, unchanged, err
}

// SetChunkCount records how many chunks an import produced.
func (s *Store) SetChunkCount(ctx context.Context, sourceID int64, count int) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	_, err = conn.Exec(ctx,
		`UPDATE file_sources SET chunk_count = $2 WHERE id = $1`, sourceID, count)
	return mapErr("set chunk count", err)
}

// SourceChunkIDs lists the node ids produced from a file source, in chunk
// order.
func (s *Store) SourceChunkIDs(ctx context.Context, sourceID int64) ([]int64, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx,
		`SELECT id FROM nodes WHERE source_id = $1 AND deleted_at IS NULL
		 ORDER BY chunk_position ASC, id ASC`, sourceID)
	if err != nil {
		return nil, mapErr("source chunk ids", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("source chunk ids", err)
		}
		out = append(out, id)
	}
	return out, mapErr("source chunk ids", rows.Err())
}
