package store

import (
	"context"
	"fmt"
)

// EnsureSchema creates extensions, tables, and indexes idempotently. The
// embedding column dimension is fixed at creation; changing the configured
// dimension against an existing database requires a manual migration.
func (s *Store) EnsureSchema(ctx context.Context) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS nodes (
			id                  BIGSERIAL PRIMARY KEY,
			content             TEXT NOT NULL,
			content_hash        TEXT NOT NULL,
			token_count         INTEGER NOT NULL DEFAULT 0,
			embedding           vector(%d),
			embedding_dimension INTEGER,
			metadata            JSONB NOT NULL DEFAULT '{}'::jsonb,
			source_id           BIGINT,
			chunk_position      INTEGER,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_accessed       TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at          TIMESTAMPTZ
		)`, s.dimensions),
		`CREATE UNIQUE INDEX IF NOT EXISTS nodes_content_hash_key ON nodes (content_hash)`,
		`CREATE INDEX IF NOT EXISTS nodes_created_at_idx ON nodes (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS nodes_deleted_at_idx ON nodes (deleted_at) WHERE deleted_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS nodes_fulltext_idx ON nodes
			USING gin (to_tsvector('english', content))`,
		`CREATE INDEX IF NOT EXISTS nodes_content_trgm_idx ON nodes
			USING gin (content gin_trgm_ops)`,
		`CREATE INDEX IF NOT EXISTS nodes_embedding_hnsw_idx ON nodes
			USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64)`,

		`CREATE TABLE IF NOT EXISTS tags (
			id         BIGSERIAL PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS tags_created_at_idx ON tags (created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS node_tags (
			node_id    BIGINT NOT NULL REFERENCES nodes (id) ON DELETE CASCADE,
			tag_id     BIGINT NOT NULL REFERENCES tags (id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ,
			PRIMARY KEY (node_id, tag_id)
		)`,
		`CREATE INDEX IF NOT EXISTS node_tags_tag_idx ON node_tags (tag_id)`,

		`CREATE TABLE IF NOT EXISTS robots (
			id         BIGSERIAL PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			group_name TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS robot_nodes (
			robot_id            BIGINT NOT NULL REFERENCES robots (id) ON DELETE CASCADE,
			node_id             BIGINT NOT NULL REFERENCES nodes (id) ON DELETE CASCADE,
			remember_count      INTEGER NOT NULL DEFAULT 1,
			in_working_memory   BOOLEAN NOT NULL DEFAULT FALSE,
			first_remembered_at TIMESTAMPTZ,
			last_remembered_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at          TIMESTAMPTZ,
			PRIMARY KEY (robot_id, node_id)
		)`,
		`CREATE INDEX IF NOT EXISTS robot_nodes_wm_idx
			ON robot_nodes (robot_id) WHERE in_working_memory`,

		`CREATE TABLE IF NOT EXISTS file_sources (
			id           BIGSERIAL PRIMARY KEY,
			path         TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			chunk_count  INTEGER NOT NULL DEFAULT 0,
			imported_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id          UUID PRIMARY KEY,
			kind        TEXT NOT NULL,
			node_id     BIGINT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			run_after   TIMESTAMPTZ NOT NULL DEFAULT now(),
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_run_after_idx ON jobs (run_after)`,
	}

	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return mapErr("ensure schema", err)
		}
	}
	s.logger.Debug("schema ensured")
	return nil
}
