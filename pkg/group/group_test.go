package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/store"
	"github.com/orneryd/muninn/pkg/wm"
)

func wmEntryFor(n *store.Node) wm.Entry {
	return wm.Entry{NodeID: n.ID, Content: n.Content, TokenCount: n.TokenCount, AddedAt: time.Now()}
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "wm_assembly_line", ChannelName("Assembly Line"))
	assert.Equal(t, "wm_team_7", ChannelName("team-7"))
	assert.Equal(t, "wm_ops", ChannelName("  ops  "))
}

// memNotifier is an in-process Notifier: published events are recorded and
// can be injected as if they arrived from a remote instance.
type memNotifier struct {
	published []Event
	events    chan Event
}

func newMemNotifier() *memNotifier {
	return &memNotifier{events: make(chan Event, 64)}
}

func (n *memNotifier) Publish(_ context.Context, ev Event) error {
	n.published = append(n.published, ev)
	return nil
}

func (n *memNotifier) Events() <-chan Event { return n.events }
func (n *memNotifier) Close() error         { return nil }

// fakeStorage keeps robots, nodes, and working-memory flags in maps.
type fakeStorage struct {
	nextRobotID int64
	robots      map[string]*store.Robot
	nodes       map[int64]*store.Node
	wmFlags     map[int64]map[int64]bool // robotID -> nodeID -> flag
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		robots:  make(map[string]*store.Robot),
		nodes:   make(map[int64]*store.Node),
		wmFlags: make(map[int64]map[int64]bool),
	}
}

func (f *fakeStorage) addNode(id int64, tokens int) *store.Node {
	n := &store.Node{ID: id, Content: "node", TokenCount: tokens, LastAccessed: time.Now()}
	f.nodes[id] = n
	return n
}

func (f *fakeStorage) EnsureRobot(_ context.Context, name, group string) (*store.Robot, error) {
	if r, ok := f.robots[name]; ok {
		return r, nil
	}
	f.nextRobotID++
	r := &store.Robot{ID: f.nextRobotID, Name: name, GroupName: group}
	f.robots[name] = r
	f.wmFlags[r.ID] = make(map[int64]bool)
	return r, nil
}

func (f *fakeStorage) GetNode(_ context.Context, id int64, _ bool) (*store.Node, error) {
	if n, ok := f.nodes[id]; ok {
		return n, nil
	}
	return nil, memerr.Ef(memerr.NotFound, "node %d", id)
}

func (f *fakeStorage) WorkingMemoryNodeIDs(_ context.Context, robotID int64) ([]int64, error) {
	var out []int64
	for id, set := range f.wmFlags[robotID] {
		if set {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeStorage) SetWorkingMemoryFlag(_ context.Context, robotID, nodeID int64, inWM bool) error {
	f.wmFlags[robotID][nodeID] = inWM
	return nil
}

func (f *fakeStorage) ClearWorkingMemoryFlags(_ context.Context, robotID int64) error {
	f.wmFlags[robotID] = make(map[int64]bool)
	return nil
}

func (f *fakeStorage) NodesByIDs(_ context.Context, ids []int64) (map[int64]*store.Node, error) {
	out := make(map[int64]*store.Node)
	for _, id := range ids {
		if n, ok := f.nodes[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func newTestGroup(t *testing.T, s *fakeStorage, n Notifier) *Group {
	t.Helper()
	return New("assembly", s, n, 1000, time.Minute, nil, nil)
}

func TestAddRobot_FirstActiveRestPassive(t *testing.T) {
	s := newFakeStorage()
	g := newTestGroup(t, s, newMemNotifier())
	ctx := context.Background()

	r2d2, err := g.AddRobot(ctx, "r2d2")
	require.NoError(t, err)
	_, err = g.AddRobot(ctx, "c3po")
	require.NoError(t, err)

	assert.Same(t, r2d2, g.Active())

	// Re-adding is a no-op.
	again, err := g.AddRobot(ctx, "r2d2")
	require.NoError(t, err)
	assert.Same(t, r2d2, again)
	assert.Len(t, g.Members(), 2)
}

func TestAddRobot_JoinerSeededFromActive(t *testing.T) {
	s := newFakeStorage()
	g := newTestGroup(t, s, newMemNotifier())
	ctx := context.Background()

	_, err := g.AddRobot(ctx, "r2d2")
	require.NoError(t, err)
	node := s.addNode(1, 10)
	require.NoError(t, g.AddNode(ctx, node))

	joiner, err := g.AddRobot(ctx, "c3po")
	require.NoError(t, err)
	assert.True(t, joiner.WM.Contains(1))
}

func TestAddNode_MirrorsPersistsPublishes(t *testing.T) {
	s := newFakeStorage()
	n := newMemNotifier()
	g := newTestGroup(t, s, n)
	ctx := context.Background()

	active, _ := g.AddRobot(ctx, "r2d2")
	passive, _ := g.AddRobot(ctx, "c3po")

	node := s.addNode(1, 10)
	require.NoError(t, g.AddNode(ctx, node))

	assert.True(t, active.WM.Contains(1))
	assert.True(t, passive.WM.Contains(1), "passive mirrors synchronously")
	assert.True(t, s.wmFlags[active.Robot.ID][1], "flag persisted")

	require.Len(t, n.published, 1)
	assert.Equal(t, EventAdded, n.published[0].Event)
	assert.Equal(t, "r2d2", n.published[0].OriginRobotID)
}

func TestAddNode_EvictionPersistedAndPublished(t *testing.T) {
	s := newFakeStorage()
	n := newMemNotifier()
	g := New("assembly", s, n, 25, time.Minute, nil, nil)
	ctx := context.Background()

	active, _ := g.AddRobot(ctx, "r2d2")

	require.NoError(t, g.AddNode(ctx, s.addNode(1, 10)))
	require.NoError(t, g.AddNode(ctx, s.addNode(2, 10)))
	require.NoError(t, g.AddNode(ctx, s.addNode(3, 10))) // evicts one

	assert.Equal(t, 2, active.WM.NodeCount())

	var evictedEvents int
	for _, ev := range n.published {
		if ev.Event == EventEvicted {
			evictedEvents++
			assert.False(t, s.wmFlags[active.Robot.ID][ev.NodeID], "evicted flag cleared")
		}
	}
	assert.Equal(t, 1, evictedEvents)
}

func TestConsume_RemoteEventApplied_LocalSuppressed(t *testing.T) {
	s := newFakeStorage()
	n := newMemNotifier()
	g := newTestGroup(t, s, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	member, _ := g.AddRobot(ctx, "r2d2")
	s.addNode(5, 10)
	g.Start(ctx)
	defer func() { _ = g.Shutdown() }()

	// Remote origin: applied.
	n.events <- Event{Event: EventAdded, NodeID: 5, OriginRobotID: "remote-bot"}
	require.Eventually(t, func() bool { return member.WM.Contains(5) },
		2*time.Second, 5*time.Millisecond)

	// Local origin: suppressed. The remote sentinel event behind it proves
	// the local one was consumed and skipped, not just still queued.
	member.WM.Remove(5)
	s.addNode(6, 10)
	n.events <- Event{Event: EventAdded, NodeID: 5, OriginRobotID: "r2d2"}
	n.events <- Event{Event: EventAdded, NodeID: 6, OriginRobotID: "remote-bot"}
	require.Eventually(t, func() bool { return member.WM.Contains(6) },
		2*time.Second, 5*time.Millisecond)
	assert.False(t, member.WM.Contains(5), "event from a local robot is not re-applied")
}

func TestFailover(t *testing.T) {
	s := newFakeStorage()
	g := newTestGroup(t, s, newMemNotifier())
	ctx := context.Background()

	_, _ = g.AddRobot(ctx, "r2d2")
	_, _ = g.AddRobot(ctx, "c3po")

	promoted, err := g.Failover(ctx, "r2d2")
	require.NoError(t, err)
	assert.Equal(t, "c3po", promoted.Robot.Name)
	assert.Equal(t, "c3po", g.Active().Robot.Name)

	// The failed robot leaves the group entirely.
	st := g.Status(ctx)
	assert.Equal(t, "c3po", st.Active)
	assert.Empty(t, st.Passive)
	assert.True(t, st.Degraded)

	// Idempotent: the failed robot is no longer active.
	promoted, err = g.Failover(ctx, "r2d2")
	require.NoError(t, err)
	assert.Equal(t, "c3po", promoted.Robot.Name)
}

func TestFailover_NoPassive(t *testing.T) {
	s := newFakeStorage()
	g := newTestGroup(t, s, newMemNotifier())
	ctx := context.Background()
	_, _ = g.AddRobot(ctx, "r2d2")

	// No passive to promote: the group empties without error and reports
	// Degraded.
	promoted, err := g.Failover(ctx, "r2d2")
	require.NoError(t, err)
	assert.Nil(t, promoted)
	assert.Nil(t, g.Active())
	assert.True(t, g.Status(ctx).Degraded)

	// Repeating the failover on the emptied group stays a no-op.
	promoted, err = g.Failover(ctx, "r2d2")
	require.NoError(t, err)
	assert.Nil(t, promoted)
}

func TestReconcile_ConvergesDivergedMember(t *testing.T) {
	s := newFakeStorage()
	g := newTestGroup(t, s, newMemNotifier())
	ctx := context.Background()

	_, _ = g.AddRobot(ctx, "r2d2")
	passive, _ := g.AddRobot(ctx, "c3po")

	require.NoError(t, g.AddNode(ctx, s.addNode(1, 10)))
	require.NoError(t, g.AddNode(ctx, s.addNode(2, 10)))

	// Diverge the passive: drop one node, add a stray.
	passive.WM.Remove(1)
	s.addNode(99, 10)
	_, err := passive.WM.Add(wmEntryFor(s.nodes[99]))
	require.NoError(t, err)
	assert.False(t, g.Status(ctx).InSync)

	g.Reconcile(ctx)

	st := g.Status(ctx)
	assert.True(t, st.InSync)
	assert.True(t, passive.WM.Contains(1))
	assert.False(t, passive.WM.Contains(99))
}

func TestClear(t *testing.T) {
	s := newFakeStorage()
	g := newTestGroup(t, s, newMemNotifier())
	ctx := context.Background()

	active, _ := g.AddRobot(ctx, "r2d2")
	require.NoError(t, g.AddNode(ctx, s.addNode(1, 10)))
	require.NoError(t, g.Clear(ctx))

	assert.Equal(t, 0, active.WM.NodeCount())
	assert.Empty(t, s.wmFlags[active.Robot.ID])
}

func TestStatus_Degraded(t *testing.T) {
	s := newFakeStorage()
	g := newTestGroup(t, s, newMemNotifier())
	ctx := context.Background()

	st := g.Status(ctx)
	assert.True(t, st.Degraded)
	assert.Empty(t, st.Active)

	_, _ = g.AddRobot(ctx, "r2d2")
	assert.True(t, g.Status(ctx).Degraded, "one member cannot fail over")

	_, _ = g.AddRobot(ctx, "c3po")
	assert.False(t, g.Status(ctx).Degraded)
}
