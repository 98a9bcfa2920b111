package muninn

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/jobs"
	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/store"
)

// importChunkChars sizes external-content chunks. Files are split larger
// than conversational memories so a document section stays one node.
const importChunkChars = 2000

// ImportResult reports how a file import resolved.
type ImportResult struct {
	SourceID int64 `json:"source_id"`
	// Skipped is true when the file hash matched the previous import.
	Skipped bool    `json:"skipped"`
	Chunks  int     `json:"chunks"`
	NodeIDs []int64 `json:"node_ids,omitempty"`
}

// LoadFile imports a file from disk. See LoadExternalContent.
func (m *Memory) LoadFile(ctx context.Context, path string) (*ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, memerr.E(memerr.Validation, "read import file", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return m.LoadExternalContent(ctx, abs, string(data))
}

// LoadExternalContent imports external text as chunked memories linked to a
// file source. Unchanged content (by hash) is skipped entirely; changed
// content re-imports every chunk, deduplicating unchanged chunks against
// their existing nodes. Imported chunks bypass working memory.
func (m *Memory) LoadExternalContent(ctx context.Context, path, content string) (*ImportResult, error) {
	normalized := store.NormalizeContent(content)
	if strings.TrimSpace(normalized) == "" {
		return nil, memerr.Ef(memerr.Validation, "file %q has no content", path)
	}

	src, unchanged, err := m.storage.UpsertFileSource(ctx, path, store.ContentHash(normalized))
	if err != nil {
		return nil, err
	}
	if unchanged {
		m.logger.Debug("import skipped, content unchanged", zap.String("path", path))
		return &ImportResult{SourceID: src.ID, Skipped: true, Chunks: src.ChunkCount}, nil
	}

	chunks := embed.ChunkText(normalized, importChunkChars, 0)
	res := &ImportResult{SourceID: src.ID, Chunks: len(chunks)}

	for i, chunk := range chunks {
		pos := i
		created, err := m.storage.CreateNode(ctx, store.CreateParams{
			Content:       chunk,
			TokenCount:    m.counter.CountTokens(chunk),
			Metadata:      map[string]any{"source": path, "chunk": pos},
			SourceID:      &src.ID,
			ChunkPosition: &pos,
			RobotID:       m.robot.ID,
		})
		if err != nil {
			return nil, err
		}
		res.NodeIDs = append(res.NodeIDs, created.Node.ID)
		if created.Created || created.Restored {
			m.enqueue(ctx, jobs.NewJob(jobs.KindEmbed, created.Node.ID))
			m.enqueue(ctx, jobs.NewJob(jobs.KindTag, created.Node.ID))
		}
	}

	if err := m.storage.SetChunkCount(ctx, src.ID, len(chunks)); err != nil {
		m.logger.Warn("record chunk count failed",
			zap.String("path", path), zap.Error(err))
	}
	m.logger.Info("imported external content",
		zap.String("path", path), zap.Int("chunks", len(chunks)))
	return res, nil
}
