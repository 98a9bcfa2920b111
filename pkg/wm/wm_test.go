package wm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/memerr"
)

func TestAdd_BudgetInvariantWithEviction(t *testing.T) {
	m := New(100)
	base := time.Now()

	for i := int64(1); i <= 3; i++ {
		_, err := m.Add(Entry{
			NodeID:     i,
			Content:    fmt.Sprintf("entry %d", i),
			TokenCount: 40,
			AddedAt:    base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, m.TokenCount(), 100, "budget invariant after add %d", i)
	}

	// Third add of 40 over 80/100 evicts exactly one entry.
	assert.Equal(t, 2, m.NodeCount())
	assert.Equal(t, 80, m.TokenCount())
	// The oldest, least-accessed entry goes first.
	assert.False(t, m.Contains(1))
	assert.True(t, m.Contains(2))
	assert.True(t, m.Contains(3))
}

func TestAdd_ReturnsEvictedEntries(t *testing.T) {
	m := New(100)
	base := time.Now()
	_, err := m.Add(Entry{NodeID: 1, TokenCount: 60, AddedAt: base})
	require.NoError(t, err)
	_, err = m.Add(Entry{NodeID: 2, TokenCount: 30, AddedAt: base.Add(time.Second)})
	require.NoError(t, err)

	evicted, err := m.Add(Entry{NodeID: 3, TokenCount: 50, AddedAt: base.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, int64(1), evicted[0].NodeID)
	assert.LessOrEqual(t, m.TokenCount(), 100)
}

func TestAdd_DuplicateBumpsAccessCount(t *testing.T) {
	m := New(100)
	_, err := m.Add(Entry{NodeID: 1, TokenCount: 40})
	require.NoError(t, err)

	evicted, err := m.Add(Entry{NodeID: 1, TokenCount: 40})
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Equal(t, 1, m.NodeCount())
	assert.Equal(t, 40, m.TokenCount())

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].AccessCount)
}

func TestAdd_OversizeEntryRejected(t *testing.T) {
	m := New(100)
	_, err := m.Add(Entry{NodeID: 1, TokenCount: 101})
	require.Error(t, err)
	assert.Equal(t, memerr.Validation, memerr.KindOf(err))
	assert.Equal(t, 0, m.NodeCount())
}

func TestEviction_PrefersLowAccessOverRecentHighAccess(t *testing.T) {
	m := New(100)
	base := time.Now()
	_, err := m.Add(Entry{NodeID: 1, TokenCount: 40, AddedAt: base})
	require.NoError(t, err)
	_, err = m.Add(Entry{NodeID: 2, TokenCount: 40, Importance: 0.5, AddedAt: base.Add(time.Second)})
	require.NoError(t, err)

	// Node 1 is older but heavily accessed and more important; node 2 is
	// newer yet scores lower overall and should be the victim.
	for i := 0; i < 10; i++ {
		m.Touch(1)
	}

	evicted, err := m.Add(Entry{NodeID: 3, TokenCount: 40, AddedAt: base.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, int64(2), evicted[0].NodeID)
}

func TestRemoveAndClear(t *testing.T) {
	m := New(100)
	_, _ = m.Add(Entry{NodeID: 1, TokenCount: 10})
	_, _ = m.Add(Entry{NodeID: 2, TokenCount: 20})

	assert.True(t, m.Remove(1))
	assert.False(t, m.Remove(1))
	assert.Equal(t, 20, m.TokenCount())

	assert.Equal(t, 1, m.Clear())
	assert.Equal(t, 0, m.TokenCount())
	assert.Equal(t, 0, m.NodeCount())
}

func TestUtilization(t *testing.T) {
	m := New(200)
	assert.Zero(t, m.Utilization())
	_, _ = m.Add(Entry{NodeID: 1, TokenCount: 50})
	assert.InDelta(t, 0.25, m.Utilization(), 1e-9)
}

func TestAssembleContext_Recent(t *testing.T) {
	m := New(1000)
	base := time.Now()
	_, _ = m.Add(Entry{NodeID: 1, Content: "oldest", TokenCount: 10, AddedAt: base})
	_, _ = m.Add(Entry{NodeID: 2, Content: "middle", TokenCount: 10, AddedAt: base.Add(time.Second)})
	_, _ = m.Add(Entry{NodeID: 3, Content: "newest", TokenCount: 10, AddedAt: base.Add(2 * time.Second)})

	assert.Equal(t, "newest\n\nmiddle\n\noldest", m.AssembleContext(StrategyRecent, 0))
}

func TestAssembleContext_Important(t *testing.T) {
	m := New(1000)
	base := time.Now()
	_, _ = m.Add(Entry{NodeID: 1, Content: "low", TokenCount: 10, Importance: 0.2, AddedAt: base})
	_, _ = m.Add(Entry{NodeID: 2, Content: "high", TokenCount: 10, Importance: 0.9, AddedAt: base})
	_, _ = m.Add(Entry{NodeID: 3, Content: "mid", TokenCount: 10, Importance: 0.5, AddedAt: base})

	assert.Equal(t, "high\n\nmid\n\nlow", m.AssembleContext(StrategyImportant, 0))
}

func TestAssembleContext_Balanced(t *testing.T) {
	m := New(1000)
	base := time.Now()
	// Highest importance is the oldest; most recent has low importance.
	_, _ = m.Add(Entry{NodeID: 1, Content: "important-old", TokenCount: 10, Importance: 0.9, AddedAt: base})
	_, _ = m.Add(Entry{NodeID: 2, Content: "plain-mid", TokenCount: 10, Importance: 0.3, AddedAt: base.Add(time.Second)})
	_, _ = m.Add(Entry{NodeID: 3, Content: "recent-low", TokenCount: 10, Importance: 0.1, AddedAt: base.Add(2 * time.Second)})

	// importance pick, then recency pick, then next importance.
	assert.Equal(t, "important-old\n\nrecent-low\n\nplain-mid",
		m.AssembleContext(StrategyBalanced, 0))
}

func TestAssembleContext_RespectsBudget(t *testing.T) {
	m := New(1000)
	base := time.Now()
	_, _ = m.Add(Entry{NodeID: 1, Content: "a", TokenCount: 30, AddedAt: base})
	_, _ = m.Add(Entry{NodeID: 2, Content: "b", TokenCount: 30, AddedAt: base.Add(time.Second)})
	_, _ = m.Add(Entry{NodeID: 3, Content: "c", TokenCount: 30, AddedAt: base.Add(2 * time.Second)})

	got := m.AssembleContext(StrategyRecent, 60)
	assert.Equal(t, "c\n\nb", got)
}

func TestUtilizationObserver(t *testing.T) {
	m := New(100)
	var last float64
	m.SetUtilizationFunc(func(u float64) { last = u })

	_, _ = m.Add(Entry{NodeID: 1, TokenCount: 25})
	assert.InDelta(t, 0.25, last, 1e-9)
	m.Remove(1)
	assert.Zero(t, last)
}
