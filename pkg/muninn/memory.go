// Package muninn is the service facade: one Memory value tying together the
// node store, the retrieval engine, asynchronous enrichment, per-robot
// working memory, and optional group synchronization.
//
// The write path is synchronous only up to durability: Remember persists the
// node, enqueues embedding and tagging jobs, places the node in working
// memory, and returns. Enrichment happens in the background; a memory is
// findable by fulltext immediately and by vector search once its embedding
// job lands.
//
// Example:
//
//	mem, err := muninn.Open(ctx, cfg, logger)
//	if err != nil { ... }
//	defer mem.Close()
//
//	res, _ := mem.Remember(ctx, "prod postgres moved to pgbouncer", muninn.RememberOptions{})
//	hits, _ := mem.Recall(ctx, muninn.RecallOptions{Query: "connection pooling"})
package muninn

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/breaker"
	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/group"
	"github.com/orneryd/muninn/pkg/jobs"
	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/metrics"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/store"
	"github.com/orneryd/muninn/pkg/token"
	"github.com/orneryd/muninn/pkg/wm"
)

// MaxContentBytes bounds a single memory's content (1 MiB).
const MaxContentBytes = 1 << 20

// Storage is the persistence surface the facade depends on. *store.Store
// implements it; tests substitute an in-memory fake.
type Storage interface {
	CreateNode(ctx context.Context, p store.CreateParams) (store.CreateResult, error)
	GetNode(ctx context.Context, id int64, includeDeleted bool) (*store.Node, error)
	SoftDelete(ctx context.Context, id int64) error
	RestoreNode(ctx context.Context, id int64) error
	HardDelete(ctx context.Context, id int64, confirm string) error
	UpdateEmbedding(ctx context.Context, id int64, vec []float32, actualDim int) error
	AttachTags(ctx context.Context, nodeID int64, names []string) error
	NodeTags(ctx context.Context, nodeID int64) ([]string, error)
	ListRecentTags(ctx context.Context, limit int) ([]string, error)
	EnsureRobot(ctx context.Context, name, groupName string) (*store.Robot, error)
	SetWorkingMemoryFlag(ctx context.Context, robotID, nodeID int64, inWM bool) error
	ClearWorkingMemoryFlags(ctx context.Context, robotID int64) error
	WorkingMemoryNodeIDs(ctx context.Context, robotID int64) ([]int64, error)
	NodesByIDs(ctx context.Context, ids []int64) (map[int64]*store.Node, error)
	CountNodes(ctx context.Context) (live, deleted int64, err error)
	UpsertFileSource(ctx context.Context, path, contentHash string) (*store.FileSource, bool, error)
	SetChunkCount(ctx context.Context, sourceID int64, count int) error
}

// Searcher runs retrieval requests. *search.Engine implements it.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]search.Result, error)
}

// Memory is the assembled service.
type Memory struct {
	cfg     config.Config
	storage Storage
	search  Searcher
	jobs    jobs.Backend
	counter token.Counter
	metrics *metrics.Metrics
	logger  *zap.Logger

	robot *store.Robot
	wm    *wm.WorkingMemory
	group *group.Group

	// db is the concrete store when opened via Open; health checks need
	// its pool statistics.
	db *store.Store

	breakers map[string]*breaker.Breaker

	// closers run in reverse order on Close.
	closers []func() error
}

// Options carries the assembled dependencies for New. Production wiring
// lives in Open; New exists so tests can inject fakes.
type Options struct {
	Config   config.Config
	Storage  Storage
	Searcher Searcher
	Jobs     jobs.Backend
	Counter  token.Counter
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Group    *group.Group
	Breakers map[string]*breaker.Breaker
}

// New assembles a Memory from explicit dependencies and registers the
// robot.
func New(ctx context.Context, opts Options) (*Memory, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Counter == nil {
		opts.Counter = token.Heuristic{}
	}

	m := &Memory{
		cfg:      opts.Config,
		storage:  opts.Storage,
		search:   opts.Searcher,
		jobs:     opts.Jobs,
		counter:  opts.Counter,
		metrics:  opts.Metrics,
		logger:   logger,
		group:    opts.Group,
		breakers: opts.Breakers,
	}

	robotName := opts.Config.Memory.RobotName
	if robotName == "" {
		robotName = defaultRobotName()
	}

	if m.group != nil {
		member, err := m.group.AddRobot(ctx, robotName)
		if err != nil {
			return nil, err
		}
		m.robot = member.Robot
		m.wm = member.WM
	} else {
		robot, err := opts.Storage.EnsureRobot(ctx, robotName, opts.Config.Memory.GroupName)
		if err != nil {
			return nil, err
		}
		m.robot = robot
		m.wm = wm.New(opts.Config.Memory.MaxTokens)
		if m.metrics != nil {
			m.wm.SetUtilizationFunc(func(u float64) {
				m.metrics.SetWorkingMemoryUtilization(robotName, u)
			})
		}
		if err := m.restoreWorkingMemory(ctx); err != nil {
			logger.Warn("working-memory restore failed", zap.Error(err))
		}
	}
	return m, nil
}

// Robot returns this instance's robot registration.
func (m *Memory) Robot() *store.Robot { return m.robot }

// WorkingMemory returns this robot's working memory.
func (m *Memory) WorkingMemory() *wm.WorkingMemory { return m.wm }

// Metrics returns the Prometheus registry holder, nil when not wired.
func (m *Memory) Metrics() *metrics.Metrics { return m.metrics }

// RememberOptions tunes a write.
type RememberOptions struct {
	// Metadata is stored verbatim on the node.
	Metadata map[string]any
	// Tags are attached immediately, alongside the async extraction.
	Tags []string
	// SkipWorkingMemory persists without touching working memory (bulk
	// imports).
	SkipWorkingMemory bool
}

// RememberResult reports how the write resolved.
type RememberResult struct {
	NodeID int64 `json:"node_id"`
	// Created is false when the content deduplicated onto an existing node.
	Created bool `json:"created"`
	// Restored is true when a soft-deleted node came back.
	Restored bool `json:"restored"`
	// Evicted lists nodes pushed out of working memory by this write.
	Evicted []int64 `json:"evicted,omitempty"`
}

// Remember stores content as this robot's memory. Identical content (after
// normalization) folds onto the existing node. New and restored nodes get
// embedding and tag jobs; deduplicated live nodes are already enriched and
// only re-enter working memory.
func (m *Memory) Remember(ctx context.Context, content string, opts RememberOptions) (*RememberResult, error) {
	normalized := store.NormalizeContent(content)
	if strings.TrimSpace(normalized) == "" {
		return nil, memerr.Ef(memerr.Validation, "content must not be empty")
	}
	if len(normalized) > MaxContentBytes {
		return nil, memerr.Ef(memerr.Validation,
			"content of %d bytes exceeds the %d byte limit", len(normalized), MaxContentBytes)
	}

	tokens := m.counter.CountTokens(normalized)
	res, err := m.storage.CreateNode(ctx, store.CreateParams{
		Content:    normalized,
		TokenCount: tokens,
		Metadata:   opts.Metadata,
		RobotID:    m.robot.ID,
	})
	if err != nil {
		return nil, err
	}
	node := res.Node

	if len(opts.Tags) > 0 {
		if err := m.storage.AttachTags(ctx, node.ID, opts.Tags); err != nil {
			m.logger.Warn("explicit tag attach failed",
				zap.Int64("node_id", node.ID), zap.Error(err))
		}
	}

	if res.Created || res.Restored {
		m.enqueue(ctx, jobs.NewJob(jobs.KindEmbed, node.ID))
		m.enqueue(ctx, jobs.NewJob(jobs.KindTag, node.ID))
	}

	out := &RememberResult{NodeID: node.ID, Created: res.Created, Restored: res.Restored}
	if !opts.SkipWorkingMemory {
		evicted, err := m.placeInWorkingMemory(ctx, node, false)
		if err != nil {
			return nil, err
		}
		out.Evicted = evicted
	}

	m.logger.Info("remembered",
		zap.Int64("node_id", node.ID),
		zap.Bool("created", res.Created),
		zap.Bool("restored", res.Restored),
		zap.Int("tokens", tokens))
	return out, nil
}

// RecallOptions tunes a read.
type RecallOptions struct {
	Query         string
	Strategy      string // fulltext|vector|hybrid; empty means hybrid
	Limit         int
	Timeframe     store.Timeframe
	TimeframeExpr string // phrase, date, or ":auto"
	Tags          []string
	// Raw skips working-memory promotion (inspection queries).
	Raw bool
	// Vector short-circuits query embedding.
	Vector []float32
}

// Recall retrieves matching memories and, unless Raw, promotes them into
// working memory so the next context assembly includes them.
func (m *Memory) Recall(ctx context.Context, opts RecallOptions) ([]search.Result, error) {
	results, err := m.search.Search(ctx, search.Request{
		Query:         opts.Query,
		Strategy:      opts.Strategy,
		Limit:         opts.Limit,
		Timeframe:     opts.Timeframe,
		TimeframeExpr: opts.TimeframeExpr,
		TagFilter:     opts.Tags,
		Vector:        opts.Vector,
	})
	if err != nil {
		return nil, err
	}

	if !opts.Raw {
		for _, r := range results {
			node, err := m.storage.GetNode(ctx, r.ID, false)
			if err != nil {
				continue
			}
			if _, err := m.placeInWorkingMemory(ctx, node, true); err != nil {
				m.logger.Warn("recall promotion failed",
					zap.Int64("node_id", r.ID), zap.Error(err))
			}
		}
	}
	return results, nil
}

// Forget soft-deletes a memory and removes it from working memory. With
// hard set, the row is physically removed; confirm must then equal
// store.ConfirmHardDelete.
func (m *Memory) Forget(ctx context.Context, nodeID int64, hard bool, confirm string) error {
	if hard {
		if err := m.storage.HardDelete(ctx, nodeID, confirm); err != nil {
			return err
		}
	} else {
		if err := m.storage.SoftDelete(ctx, nodeID); err != nil {
			return err
		}
	}

	if m.group != nil {
		return m.group.RemoveNode(ctx, nodeID)
	}
	if m.wm.Remove(nodeID) {
		if err := m.storage.SetWorkingMemoryFlag(ctx, m.robot.ID, nodeID, false); err != nil {
			m.logger.Warn("clear working-memory flag failed",
				zap.Int64("node_id", nodeID), zap.Error(err))
		}
	}
	return nil
}

// Restore brings a soft-deleted memory back.
func (m *Memory) Restore(ctx context.Context, nodeID int64) error {
	return m.storage.RestoreNode(ctx, nodeID)
}

// AssembleContext renders working memory into one LLM context string.
func (m *Memory) AssembleContext(strategy wm.Strategy, budget int) string {
	return m.wm.AssembleContext(strategy, budget)
}

// placeInWorkingMemory inserts via the group when present, else locally
// with flag persistence. Returns evicted node ids.
func (m *Memory) placeInWorkingMemory(ctx context.Context, node *store.Node, fromRecall bool) ([]int64, error) {
	if m.group != nil {
		return nil, m.group.AddNode(ctx, node)
	}

	evicted, err := m.wm.Add(wm.Entry{
		NodeID:     node.ID,
		Content:    node.Content,
		TokenCount: node.TokenCount,
		AddedAt:    time.Now(),
		FromRecall: fromRecall,
	})
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.CountCacheOp("add")
	}

	if err := m.storage.SetWorkingMemoryFlag(ctx, m.robot.ID, node.ID, true); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(evicted))
	for _, ev := range evicted {
		ids = append(ids, ev.NodeID)
		if err := m.storage.SetWorkingMemoryFlag(ctx, m.robot.ID, ev.NodeID, false); err != nil {
			m.logger.Warn("persist eviction failed",
				zap.Int64("node_id", ev.NodeID), zap.Error(err))
		}
		if m.metrics != nil {
			m.metrics.CountCacheOp("evict")
		}
	}
	return ids, nil
}

// restoreWorkingMemory reloads this robot's persisted working-memory set
// after a restart.
func (m *Memory) restoreWorkingMemory(ctx context.Context) error {
	ids, err := m.storage.WorkingMemoryNodeIDs(ctx, m.robot.ID)
	if err != nil {
		return err
	}
	nodes, err := m.storage.NodesByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if _, err := m.wm.Add(wm.Entry{
			NodeID:     node.ID,
			Content:    node.Content,
			TokenCount: node.TokenCount,
			AddedAt:    node.LastAccessed,
		}); err != nil {
			m.logger.Warn("skipping working-memory entry on restore",
				zap.Int64("node_id", node.ID), zap.Error(err))
		}
	}
	return nil
}

func (m *Memory) enqueue(ctx context.Context, job jobs.Job) {
	if m.jobs == nil {
		return
	}
	if err := m.jobs.Enqueue(ctx, job); err != nil {
		// The write already landed; enrichment catches up on the next
		// remember of this node or via reconciliation tooling.
		m.logger.Error("enqueue failed",
			zap.String("kind", string(job.Kind)),
			zap.Int64("node_id", job.NodeID),
			zap.Error(err))
	}
}

// Close shuts down background components in reverse start order.
func (m *Memory) Close() error {
	var first error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
