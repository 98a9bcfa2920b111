// Package wm implements per-robot working memory: an in-process,
// token-budgeted set of nodes used to assemble LLM context strings.
//
// The invariant is simple and absolute: the sum of entry token counts never
// exceeds the budget after any public operation returns. Adding past the
// budget evicts the entries with the lowest composite score (recency, access
// frequency, importance) until the newcomer fits; evicted entries are
// returned so the caller can clear the working_memory flag on the
// authoritative store.
//
// A single mutex guards the entry map and the token accounting. No I/O
// happens under the lock - persistence of eviction side effects is the
// caller's job.
//
// Example:
//
//	m := wm.New(128000)
//	evicted, err := m.Add(wm.Entry{NodeID: 7, Content: "...", TokenCount: 42})
//	ctxStr := m.AssembleContext(wm.StrategyRecent, 4000)
package wm

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orneryd/muninn/pkg/memerr"
)

// DefaultMaxTokens is the working-memory budget when none is configured.
const DefaultMaxTokens = 128000

// Eviction score weights: recency and access dominate, importance breaks
// the balance.
const (
	weightRecency    = 0.4
	weightAccess     = 0.4
	weightImportance = 0.2
)

// Strategy selects the ordering used by AssembleContext.
type Strategy string

const (
	// StrategyRecent orders by AddedAt descending.
	StrategyRecent Strategy = "recent"
	// StrategyImportant orders by Importance descending, AddedAt breaking ties.
	StrategyImportant Strategy = "important"
	// StrategyBalanced interleaves importance and recency picks.
	StrategyBalanced Strategy = "balanced"
)

// Entry is one node held in working memory. Importance is in-memory
// metadata only; it is never persisted to the node row.
type Entry struct {
	NodeID      int64
	Content     string
	TokenCount  int
	AddedAt     time.Time
	AccessCount int
	Importance  float64
	FromRecall  bool
}

// WorkingMemory is the token-budgeted entry set for one robot.
type WorkingMemory struct {
	mu        sync.Mutex
	maxTokens int
	tokens    int
	entries   map[int64]*Entry

	// onUtilization, when set, observes utilization after each mutation
	// (drives the per-robot gauge). Called outside the lock.
	onUtilization func(float64)
}

// New creates a working memory with the given token budget.
// maxTokens <= 0 uses DefaultMaxTokens.
func New(maxTokens int) *WorkingMemory {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &WorkingMemory{
		maxTokens: maxTokens,
		entries:   make(map[int64]*Entry),
	}
}

// SetUtilizationFunc registers an observer for utilization changes.
func (m *WorkingMemory) SetUtilizationFunc(fn func(float64)) {
	m.mu.Lock()
	m.onUtilization = fn
	m.mu.Unlock()
}

// Add inserts an entry, evicting low-score entries when the budget would
// overflow. If the node is already present its access count is bumped and
// no eviction happens. Returns the evicted entries.
//
// An entry larger than the whole budget is a Validation error.
func (m *WorkingMemory) Add(e Entry) ([]Entry, error) {
	if e.TokenCount < 0 {
		return nil, memerr.Ef(memerr.Validation, "negative token count %d", e.TokenCount)
	}
	if e.TokenCount > m.maxTokens {
		return nil, memerr.Ef(memerr.Validation,
			"entry of %d tokens exceeds working-memory budget %d", e.TokenCount, m.maxTokens)
	}
	if e.Importance == 0 {
		e.Importance = 1.0
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}

	m.mu.Lock()
	if existing, ok := m.entries[e.NodeID]; ok {
		existing.AccessCount++
		m.mu.Unlock()
		m.observe()
		return nil, nil
	}

	var evicted []Entry
	for m.tokens+e.TokenCount > m.maxTokens {
		victim := m.lowestScoreLocked()
		if victim == nil {
			break // empty map; cannot happen given the size check above
		}
		m.tokens -= victim.TokenCount
		delete(m.entries, victim.NodeID)
		evicted = append(evicted, *victim)
	}

	cp := e
	m.entries[e.NodeID] = &cp
	m.tokens += e.TokenCount
	m.mu.Unlock()
	m.observe()
	return evicted, nil
}

// Remove drops a node from working memory. Reports whether it was present.
func (m *WorkingMemory) Remove(nodeID int64) bool {
	m.mu.Lock()
	e, ok := m.entries[nodeID]
	if ok {
		m.tokens -= e.TokenCount
		delete(m.entries, nodeID)
	}
	m.mu.Unlock()
	if ok {
		m.observe()
	}
	return ok
}

// Clear empties the working memory and returns how many entries were held.
func (m *WorkingMemory) Clear() int {
	m.mu.Lock()
	n := len(m.entries)
	m.entries = make(map[int64]*Entry)
	m.tokens = 0
	m.mu.Unlock()
	m.observe()
	return n
}

// Contains reports whether a node is in working memory.
func (m *WorkingMemory) Contains(nodeID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[nodeID]
	return ok
}

// Touch bumps the access count of a present node.
func (m *WorkingMemory) Touch(nodeID int64) {
	m.mu.Lock()
	if e, ok := m.entries[nodeID]; ok {
		e.AccessCount++
	}
	m.mu.Unlock()
}

// NodeCount returns the number of entries.
func (m *WorkingMemory) NodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// TokenCount returns the current token total.
func (m *WorkingMemory) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens
}

// MaxTokens returns the budget.
func (m *WorkingMemory) MaxTokens() int { return m.maxTokens }

// Utilization returns tokens/budget in [0, 1].
func (m *WorkingMemory) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.tokens) / float64(m.maxTokens)
}

// NodeIDs returns the ids of all entries, unordered.
func (m *WorkingMemory) NodeIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	return out
}

// Snapshot returns copies of all entries, unordered.
func (m *WorkingMemory) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

// AssembleContext concatenates entry contents per the strategy, bounded by
// budget tokens (the full working-memory budget when budget <= 0).
func (m *WorkingMemory) AssembleContext(strategy Strategy, budget int) string {
	if budget <= 0 {
		budget = m.maxTokens
	}
	ordered := m.ordered(strategy)

	var b strings.Builder
	used := 0
	for _, e := range ordered {
		if used+e.TokenCount > budget {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(e.Content)
		used += e.TokenCount
	}
	return b.String()
}

func (m *WorkingMemory) ordered(strategy Strategy) []Entry {
	entries := m.Snapshot()
	switch strategy {
	case StrategyImportant:
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Importance != entries[j].Importance {
				return entries[i].Importance > entries[j].Importance
			}
			return entries[i].AddedAt.After(entries[j].AddedAt)
		})
	case StrategyBalanced:
		return interleave(entries)
	default: // StrategyRecent
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].AddedAt.After(entries[j].AddedAt)
		})
	}
	return entries
}

// interleave alternates between the highest-importance and the most recent
// remaining entry, de-duplicating as it goes.
func interleave(entries []Entry) []Entry {
	byImportance := make([]Entry, len(entries))
	copy(byImportance, entries)
	sort.Slice(byImportance, func(i, j int) bool {
		if byImportance[i].Importance != byImportance[j].Importance {
			return byImportance[i].Importance > byImportance[j].Importance
		}
		return byImportance[i].AddedAt.After(byImportance[j].AddedAt)
	})
	byRecency := make([]Entry, len(entries))
	copy(byRecency, entries)
	sort.Slice(byRecency, func(i, j int) bool {
		return byRecency[i].AddedAt.After(byRecency[j].AddedAt)
	})

	taken := make(map[int64]struct{}, len(entries))
	out := make([]Entry, 0, len(entries))
	ii, ri := 0, 0
	pickImportant := true
	for len(out) < len(entries) {
		var src []Entry
		var idx *int
		if pickImportant {
			src, idx = byImportance, &ii
		} else {
			src, idx = byRecency, &ri
		}
		for *idx < len(src) {
			e := src[*idx]
			*idx++
			if _, ok := taken[e.NodeID]; !ok {
				taken[e.NodeID] = struct{}{}
				out = append(out, e)
				break
			}
		}
		pickImportant = !pickImportant
	}
	return out
}

// lowestScoreLocked returns the entry with the lowest composite eviction
// score. Caller holds the lock.
func (m *WorkingMemory) lowestScoreLocked() *Entry {
	if len(m.entries) == 0 {
		return nil
	}

	var oldest, newest time.Time
	maxAccess := 0
	first := true
	for _, e := range m.entries {
		if first {
			oldest, newest = e.AddedAt, e.AddedAt
			first = false
		}
		if e.AddedAt.Before(oldest) {
			oldest = e.AddedAt
		}
		if e.AddedAt.After(newest) {
			newest = e.AddedAt
		}
		if e.AccessCount > maxAccess {
			maxAccess = e.AccessCount
		}
	}
	span := newest.Sub(oldest)

	var victim *Entry
	var lowest float64
	for _, e := range m.entries {
		recency := 1.0
		if span > 0 {
			recency = float64(e.AddedAt.Sub(oldest)) / float64(span)
		}
		access := 1.0
		if maxAccess > 0 {
			access = float64(e.AccessCount) / float64(maxAccess)
		} else {
			access = 0
		}
		score := weightRecency*recency + weightAccess*access + weightImportance*e.Importance

		if victim == nil || score < lowest {
			victim = e
			lowest = score
		}
	}
	return victim
}

func (m *WorkingMemory) observe() {
	m.mu.Lock()
	fn := m.onUtilization
	util := float64(m.tokens) / float64(m.maxTokens)
	m.mu.Unlock()
	if fn != nil {
		fn(util)
	}
}
