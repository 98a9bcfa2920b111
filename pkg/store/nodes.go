package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/memerr"
)

// ConfirmHardDelete is the confirmation token HardDelete requires. Physical
// deletion is irreversible; callers must pass this exact string.
const ConfirmHardDelete = "DELETE"

// MaxEmbeddingDimensions is the pgvector-indexable ceiling.
const MaxEmbeddingDimensions = 2000

const nodeColumns = `id, content, content_hash, token_count, embedding,
	embedding_dimension, metadata, source_id, chunk_position,
	created_at, updated_at, last_accessed, deleted_at`

// CreateParams describes a node write.
type CreateParams struct {
	Content       string
	TokenCount    int
	Metadata      map[string]any
	SourceID      *int64
	ChunkPosition *int
	// RobotID, when positive, links the robot to the node in the same
	// transaction.
	RobotID int64
}

// CreateResult reports how a remember resolved.
type CreateResult struct {
	Node *Node
	// Created is true for a brand-new row.
	Created bool
	// Restored is true when the content matched a soft-deleted node that was
	// brought back instead of inserting a duplicate.
	Restored bool
}

// CreateNode stores content, deduplicating on the normalized content hash.
// A hash match against a live node links the robot and bumps its remember
// count; a match against a soft-deleted node restores it. The row lock on
// the hash lookup serializes concurrent remembers of identical content; a
// racing insert that still trips the unique index is retried once through
// the lookup path.
func (s *Store) CreateNode(ctx context.Context, p CreateParams) (CreateResult, error) {
	var res CreateResult
	normalized := NormalizeContent(p.Content)
	hash := ContentHash(normalized)
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}

	attempt := func() error {
		return s.withTx(ctx, func(tx pgx.Tx) error {
			node, err := lockByHash(ctx, tx, hash)
			if err != nil && memerr.KindOf(err) != memerr.NotFound {
				return err
			}

			switch {
			case node == nil:
				row := tx.QueryRow(ctx, `
					INSERT INTO nodes (content, content_hash, token_count, metadata, source_id, chunk_position)
					VALUES ($1, $2, $3, $4, $5, $6)
					RETURNING `+nodeColumns,
					normalized, hash, p.TokenCount, p.Metadata, p.SourceID, p.ChunkPosition)
				node, err = scanNode(row)
				if err != nil {
					return err
				}
				res = CreateResult{Node: node, Created: true}

			case node.Deleted():
				if err := restoreTx(ctx, tx, node.ID); err != nil {
					return err
				}
				node.DeletedAt = nil
				res = CreateResult{Node: node, Restored: true}

			default:
				res = CreateResult{Node: node}
			}

			if p.RobotID > 0 {
				return linkRobotNodeTx(ctx, tx, p.RobotID, res.Node.ID)
			}
			return nil
		})
	}

	err := attempt()
	if err != nil && isConflict(err) {
		s.logger.Debug("create raced on content hash, retrying", zap.String("content_hash", hash))
		err = attempt()
	}
	return res, err
}

// lockByHash fetches the node with the given content hash FOR UPDATE,
// including soft-deleted rows. Returns (nil, NotFound) when absent.
func lockByHash(ctx context.Context, tx pgx.Tx, hash string) (*Node, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE content_hash = $1 FOR UPDATE`, hash)
	return scanNode(row)
}

// GetNode fetches a node by id. Soft-deleted nodes are NotFound unless
// includeDeleted is set.
func (s *Store) GetNode(ctx context.Context, id int64, includeDeleted bool) (*Node, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	q := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	return scanNode(conn.QueryRow(ctx, q, id))
}

// FindByContentHash fetches the node with the given hash, including
// soft-deleted rows so callers can distinguish "absent" from "tombstoned".
func (s *Store) FindByContentHash(ctx context.Context, hash string) (*Node, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()
	return scanNode(conn.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE content_hash = $1`, hash))
}

// SoftDelete tombstones a node and its tag and robot links. Deleting an
// already-deleted node is a no-op; a missing node is NotFound.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx,
			`UPDATE nodes SET deleted_at = now(), updated_at = now()
			 WHERE id = $1 AND deleted_at IS NULL`, id)
		if err != nil {
			return mapErr("soft delete node", err)
		}
		if ct.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM nodes WHERE id = $1)`, id).Scan(&exists); err != nil {
				return mapErr("soft delete node", err)
			}
			if !exists {
				return memerr.Ef(memerr.NotFound, "node %d not found", id)
			}
			return nil // already deleted
		}
		if _, err := tx.Exec(ctx,
			`UPDATE node_tags SET deleted_at = now() WHERE node_id = $1 AND deleted_at IS NULL`, id); err != nil {
			return mapErr("soft delete node tags", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE robot_nodes SET deleted_at = now(), in_working_memory = FALSE
			 WHERE node_id = $1 AND deleted_at IS NULL`, id); err != nil {
			return mapErr("soft delete robot links", err)
		}
		return nil
	})
}

// RestoreNode clears the tombstone on a node and its links. Restoring a live
// node is a no-op; a missing node is NotFound.
func (s *Store) RestoreNode(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM nodes WHERE id = $1)`, id).Scan(&exists); err != nil {
			return mapErr("restore node", err)
		}
		if !exists {
			return memerr.Ef(memerr.NotFound, "node %d not found", id)
		}
		return restoreTx(ctx, tx, id)
	})
}

func restoreTx(ctx context.Context, tx pgx.Tx, id int64) error {
	if _, err := tx.Exec(ctx,
		`UPDATE nodes SET deleted_at = NULL, updated_at = now() WHERE id = $1`, id); err != nil {
		return mapErr("restore node", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE node_tags SET deleted_at = NULL WHERE node_id = $1`, id); err != nil {
		return mapErr("restore node tags", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE robot_nodes SET deleted_at = NULL WHERE node_id = $1`, id); err != nil {
		return mapErr("restore robot links", err)
	}
	return nil
}

// HardDelete physically removes a node and its link rows. The confirm token
// must equal ConfirmHardDelete. Tag vocabulary rows are left in place even
// when orphaned; the ontology outlives its members.
func (s *Store) HardDelete(ctx context.Context, id int64, confirm string) error {
	if confirm != ConfirmHardDelete {
		return memerr.Ef(memerr.Validation,
			"hard delete requires confirm token %q", ConfirmHardDelete)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
		if err != nil {
			return mapErr("hard delete node", err)
		}
		if ct.RowsAffected() == 0 {
			return memerr.Ef(memerr.NotFound, "node %d not found", id)
		}
		return nil
	})
}

// UpdateEmbedding stores the (already normalized and padded) vector and its
// pre-padding dimension. Idempotent: re-running an embed job overwrites with
// the same value.
func (s *Store) UpdateEmbedding(ctx context.Context, id int64, vec []float32, actualDim int) error {
	if len(vec) == 0 || len(vec) > MaxEmbeddingDimensions {
		return memerr.Ef(memerr.Validation,
			"embedding dimension %d outside [1, %d]", len(vec), MaxEmbeddingDimensions)
	}
	if actualDim <= 0 {
		actualDim = len(vec)
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	ct, err := conn.Exec(ctx,
		`UPDATE nodes SET embedding = $2, embedding_dimension = $3, updated_at = now()
		 WHERE id = $1`,
		id, pgvector.NewVector(vec), actualDim)
	if err != nil {
		return mapErr("update embedding", err)
	}
	if ct.RowsAffected() == 0 {
		return memerr.Ef(memerr.NotFound, "node %d not found", id)
	}
	return nil
}

// TouchLastAccessed bumps last_accessed on the given nodes. Retrieval calls
// this for every returned result; failures are the caller's to log, not to
// surface.
func (s *Store) TouchLastAccessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx,
		`UPDATE nodes SET last_accessed = now() WHERE id = ANY($1)`, ids); err != nil {
		return mapErr("touch last accessed", err)
	}
	return nil
}

// ListRecentNodes returns live nodes ordered newest first, for status and
// browse surfaces.
func (s *Store) ListRecentNodes(ctx context.Context, limit int) ([]*Node, error) {
	if limit <= 0 {
		limit = 20
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, mapErr("list recent nodes", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, mapErr("list recent nodes", rows.Err())
}

// NodesByIDs fetches live nodes in bulk, keyed by id. Missing or
// soft-deleted ids are simply absent from the map.
func (s *Store) NodesByIDs(ctx context.Context, ids []int64) (map[int64]*Node, error) {
	out := make(map[int64]*Node, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ANY($1) AND deleted_at IS NULL`, ids)
	if err != nil {
		return nil, mapErr("nodes by ids", err)
	}
	defer rows.Close()

	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out[n.ID] = n
	}
	return out, mapErr("nodes by ids", rows.Err())
}

// CountNodes returns live and soft-deleted node counts.
func (s *Store) CountNodes(ctx context.Context) (live, deleted int64, err error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Release()
	err = conn.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE deleted_at IS NULL),
		       count(*) FILTER (WHERE deleted_at IS NOT NULL)
		FROM nodes`).Scan(&live, &deleted)
	if err != nil {
		return 0, 0, mapErr("count nodes", err)
	}
	return live, deleted, nil
}

// scanNode reads one node row from any pgx row shape.
func scanNode(row pgx.Row) (*Node, error) {
	var (
		n         Node
		emb       *pgvector.Vector
		embDim    *int
		createdAt time.Time
	)
	err := row.Scan(&n.ID, &n.Content, &n.ContentHash, &n.TokenCount, &emb,
		&embDim, &n.Metadata, &n.SourceID, &n.ChunkPosition,
		&createdAt, &n.UpdatedAt, &n.LastAccessed, &n.DeletedAt)
	if err != nil {
		return nil, mapErr("scan node", err)
	}
	n.CreatedAt = createdAt
	if emb != nil {
		n.Embedding = emb.Slice()
	}
	if embDim != nil {
		n.EmbeddingDimension = *embDim
	}
	return &n, nil
}
