package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/orneryd/muninn/pkg/tags"
)

// AttachTags links the given tag names, plus all their hierarchy ancestors,
// to a node in one transaction. Names are assumed already sanitized (see
// tags.Service). Existing vocabulary rows are reused; new names grow the
// vocabulary. Re-attaching clears any tombstone on the link.
func (s *Store) AttachTags(ctx context.Context, nodeID int64, names []string) error {
	full := tags.WithAncestors(names)
	if len(full) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, name := range full {
			var tagID int64
			err := tx.QueryRow(ctx, `
				INSERT INTO tags (name) VALUES ($1)
				ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id`, name).Scan(&tagID)
			if err != nil {
				return mapErr("upsert tag", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO node_tags (node_id, tag_id) VALUES ($1, $2)
				ON CONFLICT (node_id, tag_id) DO UPDATE SET deleted_at = NULL`,
				nodeID, tagID); err != nil {
				return mapErr("attach tag", err)
			}
		}
		return nil
	})
}

// NodeTags lists the live tag names attached to a node.
func (s *Store) NodeTags(ctx context.Context, nodeID int64) ([]string, error) {
	m, err := s.TagsForNodes(ctx, []int64{nodeID})
	if err != nil {
		return nil, err
	}
	return m[nodeID], nil
}

// TagsForNodes returns live tag names per node id, for the hybrid-search tag
// boost.
func (s *Store) TagsForNodes(ctx context.Context, nodeIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return out, nil
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT nt.node_id, t.name
		FROM node_tags nt
		JOIN tags t ON t.id = nt.tag_id
		WHERE nt.node_id = ANY($1) AND nt.deleted_at IS NULL
		ORDER BY nt.node_id, t.name`, nodeIDs)
	if err != nil {
		return nil, mapErr("tags for nodes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, mapErr("tags for nodes", err)
		}
		out[id] = append(out[id], name)
	}
	return out, mapErr("tags for nodes", rows.Err())
}

// ListRecentTags returns the newest tag names, bounded, as the ontology
// snapshot fed to tag extraction.
func (s *Store) ListRecentTags(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = tags.OntologySnapshotSize
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx,
		`SELECT name FROM tags ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, mapErr("list recent tags", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, mapErr("list recent tags", err)
		}
		out = append(out, name)
	}
	return out, mapErr("list recent tags", rows.Err())
}

// ExistingTagNames filters names down to those present in the vocabulary.
// Query tags that don't exist cannot boost anything, so search resolves them
// up front.
func (s *Store) ExistingTagNames(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx,
		`SELECT name FROM tags WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, mapErr("existing tag names", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, mapErr("existing tag names", err)
		}
		out = append(out, name)
	}
	return out, mapErr("existing tag names", rows.Err())
}
