package store

import "time"

// Node is one memory row.
type Node struct {
	ID                 int64
	Content            string
	ContentHash        string
	TokenCount         int
	Embedding          []float32
	EmbeddingDimension int
	Metadata           map[string]any
	SourceID           *int64
	ChunkPosition      *int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastAccessed       time.Time
	DeletedAt          *time.Time
}

// Deleted reports whether the node is soft-deleted.
func (n *Node) Deleted() bool { return n.DeletedAt != nil }

// Robot is a registered agent identity.
type Robot struct {
	ID        int64
	Name      string
	GroupName string
	CreatedAt time.Time
}

// FileSource records an imported external file and its content hash, used to
// skip re-imports of unchanged files.
type FileSource struct {
	ID          int64
	Path        string
	ContentHash string
	ChunkCount  int
	ImportedAt  time.Time
}

// Candidate is a scored row from one retrieval lane, before fusion. Score is
// lane-specific: ts_rank_cd for fulltext, cosine similarity for vector.
type Candidate struct {
	ID        int64
	Content   string
	Score     float64
	CreatedAt time.Time
}

// Timeframe bounds candidate queries to [Start, End). A zero Timeframe means
// no time filter.
type Timeframe struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether no bounds are set.
func (t Timeframe) IsZero() bool { return t.Start.IsZero() && t.End.IsZero() }
