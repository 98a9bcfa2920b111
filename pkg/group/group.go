package group

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/metrics"
	"github.com/orneryd/muninn/pkg/store"
	"github.com/orneryd/muninn/pkg/wm"
)

// Storage is the slice of the node store the group needs.
type Storage interface {
	EnsureRobot(ctx context.Context, name, groupName string) (*store.Robot, error)
	GetNode(ctx context.Context, id int64, includeDeleted bool) (*store.Node, error)
	WorkingMemoryNodeIDs(ctx context.Context, robotID int64) ([]int64, error)
	SetWorkingMemoryFlag(ctx context.Context, robotID, nodeID int64, inWM bool) error
	ClearWorkingMemoryFlags(ctx context.Context, robotID int64) error
	NodesByIDs(ctx context.Context, ids []int64) (map[int64]*store.Node, error)
}

// Member is one robot in the group: its registration plus its in-process
// working memory.
type Member struct {
	Robot *store.Robot
	WM    *wm.WorkingMemory
}

// Status is the group health snapshot.
type Status struct {
	Group            string   `json:"group"`
	Active           string   `json:"active"`
	Passive          []string `json:"passive"`
	NodeCount        int      `json:"node_count"`
	TokenUtilization float64  `json:"token_utilization"`
	InSync           bool     `json:"in_sync"`
	Degraded         bool     `json:"degraded"`
}

// Group coordinates the working memories of its members. members[0] is the
// active robot; the rest are passive mirrors. All mutations flow through
// the active member, get persisted as working-memory flags, and fan out to
// passives over the notification channel.
type Group struct {
	name     string
	storage  Storage
	notifier Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics

	reconcileInterval time.Duration
	maxTokens         int

	mu      sync.Mutex
	members []*Member

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a group. Call Start to begin consuming events and
// reconciling. maxTokens is the per-member working-memory budget.
func New(name string, storage Storage, notifier Notifier, maxTokens int, reconcileInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reconcileInterval <= 0 {
		reconcileInterval = 30 * time.Second
	}
	return &Group{
		name:              name,
		storage:           storage,
		notifier:          notifier,
		logger:            logger.With(zap.String("group", name)),
		metrics:           m,
		reconcileInterval: reconcileInterval,
		maxTokens:         maxTokens,
	}
}

// AddRobot registers a robot into the group. The first robot becomes
// active; later ones join passive and are immediately synced to the active
// member's persisted working-memory set. Re-adding a present robot is a
// no-op returning the existing member.
func (g *Group) AddRobot(ctx context.Context, robotName string) (*Member, error) {
	robot, err := g.storage.EnsureRobot(ctx, robotName, g.name)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	for _, m := range g.members {
		if m.Robot.Name == robotName {
			g.mu.Unlock()
			return m, nil
		}
	}
	member := &Member{Robot: robot, WM: wm.New(g.maxTokens)}
	joinsPassive := len(g.members) > 0
	g.members = append(g.members, member)
	g.mu.Unlock()

	if g.metrics != nil {
		robotLabel := robotName
		member.WM.SetUtilizationFunc(func(u float64) {
			g.metrics.SetWorkingMemoryUtilization(robotLabel, u)
		})
	}

	if joinsPassive {
		if err := g.syncMember(ctx, member); err != nil {
			g.logger.Warn("initial member sync failed",
				zap.String("robot", robotName), zap.Error(err))
		}
	}
	g.logger.Info("robot joined group",
		zap.String("robot", robotName), zap.Bool("passive", joinsPassive))
	return member, nil
}

// Active returns the current active member, or nil for an empty group.
func (g *Group) Active() *Member {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) == 0 {
		return nil
	}
	return g.members[0]
}

// Members returns all members, active first.
func (g *Group) Members() []*Member {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Member, len(g.members))
	copy(out, g.members)
	return out
}

// AddNode inserts a node into the active member's working memory, persists
// the flag, mirrors to local passives, and publishes to remote members.
// Evictions triggered by the insert are persisted and published too.
func (g *Group) AddNode(ctx context.Context, node *store.Node) error {
	active := g.Active()
	if active == nil {
		return memerr.Ef(memerr.ResourceUnavailable, "group %q has no members", g.name)
	}

	evicted, err := active.WM.Add(wm.Entry{
		NodeID:     node.ID,
		Content:    node.Content,
		TokenCount: node.TokenCount,
		AddedAt:    time.Now(),
	})
	if err != nil {
		return err
	}

	if err := g.storage.SetWorkingMemoryFlag(ctx, active.Robot.ID, node.ID, true); err != nil {
		return err
	}
	for _, ev := range evicted {
		if err := g.storage.SetWorkingMemoryFlag(ctx, active.Robot.ID, ev.NodeID, false); err != nil {
			g.logger.Warn("persist eviction failed",
				zap.Int64("node_id", ev.NodeID), zap.Error(err))
		}
	}

	g.applyToPassives(ctx, active.Robot.Name, Event{Event: EventAdded, NodeID: node.ID})
	for _, ev := range evicted {
		g.applyToPassives(ctx, active.Robot.Name, Event{Event: EventEvicted, NodeID: ev.NodeID})
	}

	g.publish(ctx, Event{Event: EventAdded, NodeID: node.ID, OriginRobotID: active.Robot.Name})
	for _, ev := range evicted {
		g.publish(ctx, Event{Event: EventEvicted, NodeID: ev.NodeID, OriginRobotID: active.Robot.Name})
	}
	return nil
}

// RemoveNode drops a node from every member and persists the change.
func (g *Group) RemoveNode(ctx context.Context, nodeID int64) error {
	active := g.Active()
	if active == nil {
		return memerr.Ef(memerr.ResourceUnavailable, "group %q has no members", g.name)
	}
	for _, m := range g.Members() {
		m.WM.Remove(nodeID)
		if err := g.storage.SetWorkingMemoryFlag(ctx, m.Robot.ID, nodeID, false); err != nil {
			g.logger.Warn("persist removal failed",
				zap.String("robot", m.Robot.Name), zap.Error(err))
		}
	}
	g.publish(ctx, Event{Event: EventEvicted, NodeID: nodeID, OriginRobotID: active.Robot.Name})
	return nil
}

// Clear empties every member's working memory.
func (g *Group) Clear(ctx context.Context) error {
	active := g.Active()
	if active == nil {
		return memerr.Ef(memerr.ResourceUnavailable, "group %q has no members", g.name)
	}
	for _, m := range g.Members() {
		m.WM.Clear()
		if err := g.storage.ClearWorkingMemoryFlags(ctx, m.Robot.ID); err != nil {
			g.logger.Warn("persist clear failed",
				zap.String("robot", m.Robot.Name), zap.Error(err))
		}
	}
	g.publish(ctx, Event{Event: EventCleared, OriginRobotID: active.Robot.Name})
	return nil
}

// Failover removes the named robot from the group when it is the active
// member and promotes the first passive. Idempotent: failing over a robot
// that is not (or no longer) active is a no-op, so repeated failure
// detections are harmless. With no passive member left the group is empty
// and Status reports Degraded; that is not an error.
func (g *Group) Failover(ctx context.Context, failedRobot string) (*Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.members) == 0 {
		return nil, nil
	}
	if g.members[0].Robot.Name != failedRobot {
		return g.members[0], nil
	}

	g.members = g.members[1:]
	if len(g.members) == 0 {
		g.logger.Warn("group failover left no members",
			zap.String("group", g.name), zap.String("failed", failedRobot))
		return nil, nil
	}

	promoted := g.members[0]
	g.logger.Warn("group failover",
		zap.String("failed", failedRobot),
		zap.String("promoted", promoted.Robot.Name))
	return promoted, nil
}

// Status reports membership, the active member's working-memory load, and
// whether all members currently hold the same node set.
func (g *Group) Status(ctx context.Context) Status {
	members := g.Members()
	st := Status{Group: g.name, Degraded: len(members) < 2, InSync: true}
	if len(members) == 0 {
		return st
	}

	active := members[0]
	st.Active = active.Robot.Name
	st.NodeCount = active.WM.NodeCount()
	st.TokenUtilization = active.WM.Utilization()

	want := idSet(active.WM.NodeIDs())
	for _, m := range members[1:] {
		st.Passive = append(st.Passive, m.Robot.Name)
		if !sameSet(want, idSet(m.WM.NodeIDs())) {
			st.InSync = false
		}
	}
	return st
}

// Start launches the event consumer and the reconciliation loop.
func (g *Group) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.consume(ctx)
	}()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Reconcile(ctx)
			}
		}
	}()
}

// Shutdown stops the loops and closes the notifier.
func (g *Group) Shutdown() error {
	if g.cancel != nil {
		g.cancel()
	}
	err := g.notifier.Close()
	g.wg.Wait()
	return err
}

// consume applies remote events to local members, suppressing events that
// originated from a local member (those were applied synchronously).
func (g *Group) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-g.notifier.Events():
			if !ok {
				return
			}
			if g.metrics != nil {
				g.metrics.CountChannelNotification(g.name)
			}
			if g.isLocal(ev.OriginRobotID) {
				continue
			}
			g.applyToAll(ctx, ev)
		}
	}
}

func (g *Group) isLocal(robotName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m.Robot.Name == robotName {
			return true
		}
	}
	return false
}

// applyToAll mirrors one event into every local member.
func (g *Group) applyToAll(ctx context.Context, ev Event) {
	for _, m := range g.Members() {
		g.applyToMember(ctx, m, ev)
	}
}

// applyToPassives mirrors an event into local members other than origin.
func (g *Group) applyToPassives(ctx context.Context, origin string, ev Event) {
	for _, m := range g.Members() {
		if m.Robot.Name == origin {
			continue
		}
		g.applyToMember(ctx, m, ev)
	}
}

func (g *Group) applyToMember(ctx context.Context, m *Member, ev Event) {
	switch ev.Event {
	case EventAdded:
		node, err := g.storage.GetNode(ctx, ev.NodeID, false)
		if err != nil {
			// Deleted or not yet visible; reconciliation covers it.
			g.logger.Debug("skipping added event for unavailable node",
				zap.Int64("node_id", ev.NodeID), zap.Error(err))
			return
		}
		if _, err := m.WM.Add(wm.Entry{
			NodeID:     node.ID,
			Content:    node.Content,
			TokenCount: node.TokenCount,
			AddedAt:    time.Now(),
		}); err != nil {
			g.logger.Warn("mirror add failed",
				zap.String("robot", m.Robot.Name),
				zap.Int64("node_id", node.ID), zap.Error(err))
		}
	case EventEvicted:
		m.WM.Remove(ev.NodeID)
	case EventCleared:
		m.WM.Clear()
	default:
		g.logger.Warn("unknown group event", zap.String("event", ev.Event))
	}
}

// Reconcile forces every member's working memory to the active member's
// persisted set. This is the safety net under missed notifications and
// listener reconnects.
func (g *Group) Reconcile(ctx context.Context) {
	members := g.Members()
	if len(members) == 0 {
		return
	}
	active := members[0]

	ids, err := g.storage.WorkingMemoryNodeIDs(ctx, active.Robot.ID)
	if err != nil {
		g.logger.Warn("reconcile read failed", zap.Error(err))
		return
	}
	nodes, err := g.storage.NodesByIDs(ctx, ids)
	if err != nil {
		g.logger.Warn("reconcile fetch failed", zap.Error(err))
		return
	}
	want := idSet(ids)

	for _, m := range members {
		for _, id := range m.WM.NodeIDs() {
			if _, ok := want[id]; !ok {
				m.WM.Remove(id)
			}
		}
		for id, node := range nodes {
			if m.WM.Contains(id) {
				continue
			}
			if _, err := m.WM.Add(wm.Entry{
				NodeID:     node.ID,
				Content:    node.Content,
				TokenCount: node.TokenCount,
				AddedAt:    node.LastAccessed,
			}); err != nil {
				g.logger.Warn("reconcile add failed",
					zap.String("robot", m.Robot.Name),
					zap.Int64("node_id", id), zap.Error(err))
			}
		}
	}
}

// syncMember seeds a joining member from the active member's persisted set.
func (g *Group) syncMember(ctx context.Context, m *Member) error {
	active := g.Active()
	if active == nil || active == m {
		return nil
	}
	ids, err := g.storage.WorkingMemoryNodeIDs(ctx, active.Robot.ID)
	if err != nil {
		return err
	}
	nodes, err := g.storage.NodesByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if _, err := m.WM.Add(wm.Entry{
			NodeID:     node.ID,
			Content:    node.Content,
			TokenCount: node.TokenCount,
			AddedAt:    node.LastAccessed,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) publish(ctx context.Context, ev Event) {
	if err := g.notifier.Publish(ctx, ev); err != nil {
		g.logger.Warn("group publish failed",
			zap.String("event", ev.Event), zap.Error(err))
	}
}

func idSet(ids []int64) map[int64]struct{} {
	s := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func sameSet(a, b map[int64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
