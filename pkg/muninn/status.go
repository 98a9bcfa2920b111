package muninn

import (
	"context"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/group"
	"github.com/orneryd/muninn/pkg/health"
	"github.com/orneryd/muninn/pkg/jobs"
)

// Status is the service snapshot surfaced by the CLI and the HTTP API.
type Status struct {
	Robot            string            `json:"robot"`
	LiveNodes        int64             `json:"live_nodes"`
	DeletedNodes     int64             `json:"deleted_nodes"`
	WorkingMemory    WorkingMemoryInfo `json:"working_memory"`
	Group            *group.Status     `json:"group,omitempty"`
	Breakers         map[string]string `json:"breakers,omitempty"`
	JobBackend       string            `json:"job_backend"`
	PoolUtilization  float64           `json:"pool_utilization"`
	DatabaseHealthy  bool              `json:"database_healthy"`
}

// WorkingMemoryInfo summarizes this robot's working memory.
type WorkingMemoryInfo struct {
	Nodes       int     `json:"nodes"`
	Tokens      int     `json:"tokens"`
	MaxTokens   int     `json:"max_tokens"`
	Utilization float64 `json:"utilization"`
}

// HealthChecker builds the /health prober over the live database and the
// provider breakers. Nil when the Memory was assembled without a concrete
// store (tests).
func (m *Memory) HealthChecker(logger *zap.Logger) *health.Checker {
	if m.db == nil {
		return nil
	}
	return health.New(m.db, m.breakers, logger)
}

// Status reports node counts, working-memory load, group membership, and
// provider breaker states.
func (m *Memory) Status(ctx context.Context) (*Status, error) {
	live, deleted, err := m.storage.CountNodes(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Robot:        m.robot.Name,
		LiveNodes:    live,
		DeletedNodes: deleted,
		WorkingMemory: WorkingMemoryInfo{
			Nodes:       m.wm.NodeCount(),
			Tokens:      m.wm.TokenCount(),
			MaxTokens:   m.wm.MaxTokens(),
			Utilization: m.wm.Utilization(),
		},
		JobBackend:      jobs.BackendName(m.cfg.Jobs),
		DatabaseHealthy: true,
	}

	if m.group != nil {
		gs := m.group.Status(ctx)
		st.Group = &gs
	}
	if len(m.breakers) > 0 {
		st.Breakers = make(map[string]string, len(m.breakers))
		for name, b := range m.breakers {
			st.Breakers[name] = b.State().String()
		}
	}
	if m.db != nil {
		st.PoolUtilization = m.db.PoolUtilization()
		if m.metrics != nil {
			m.metrics.PoolUtilization.Set(st.PoolUtilization)
		}
		if err := m.db.Ping(ctx); err != nil {
			st.DatabaseHealthy = false
		}
	}
	return st, nil
}
