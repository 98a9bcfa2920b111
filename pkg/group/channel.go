// Package group synchronizes working memory across a group of robots using
// PostgreSQL LISTEN/NOTIFY. Every working-memory mutation on one member is
// published to the group channel; the other members mirror it, so any member
// can answer with the same context. When the active member disappears, a
// passive member is promoted without losing state, because the authoritative
// set lives in the database.
package group

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/memerr"
)

// Working-memory event names carried on the channel.
const (
	EventAdded   = "added"
	EventEvicted = "evicted"
	EventCleared = "cleared"
)

// Event is the JSON payload published per working-memory mutation.
type Event struct {
	Event         string    `json:"event"`
	NodeID        int64     `json:"node_id,omitempty"`
	OriginRobotID string    `json:"origin_robot_id"`
	TS            time.Time `json:"ts"`
}

// Notifier is the pub/sub surface the Group uses. The production
// implementation is Channel; tests use an in-memory loopback.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	Events() <-chan Event
	Close() error
}

var channelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// ChannelName derives the pg notification channel for a group:
// "wm_" plus the lowercased group name with invalid runes collapsed to "_".
func ChannelName(group string) string {
	name := strings.ToLower(strings.TrimSpace(group))
	name = channelSanitizer.ReplaceAllString(name, "_")
	return "wm_" + name
}

// Reconnect bounds for the pq listener.
const (
	listenMinReconnect = time.Second
	listenMaxReconnect = 30 * time.Second
)

// Channel is the Postgres-backed Notifier. Publishes go through the shared
// pgx pool; the subscription holds its own lib/pq listener connection, which
// reconnects itself and re-issues LISTEN after outages.
type Channel struct {
	name     string
	pool     *pgxpool.Pool
	listener *pq.Listener
	logger   *zap.Logger
	events   chan Event
	done     chan struct{}
}

// Listen opens the group channel: a pq listener on the derived channel name
// plus a decode loop feeding Events.
func Listen(dsn string, pool *pgxpool.Pool, groupName string, logger *zap.Logger) (*Channel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := ChannelName(groupName)

	listener := pq.NewListener(dsn, listenMinReconnect, listenMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("group listener event",
					zap.Int("event", int(ev)), zap.Error(err))
			}
		})
	if err := listener.Listen(name); err != nil {
		_ = listener.Close()
		return nil, memerr.E(memerr.ServiceUnavailable, "listen on group channel", err)
	}

	c := &Channel{
		name:     name,
		pool:     pool,
		listener: listener,
		logger:   logger,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	go c.pump()
	logger.Info("group channel open", zap.String("channel", name))
	return c, nil
}

// Name returns the pg channel name.
func (c *Channel) Name() string { return c.name }

// Publish sends one event to every listener on the channel, including this
// process (origin suppression happens at the consumer).
func (c *Channel) Publish(ctx context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return memerr.E(memerr.Internal, "marshal group event", err)
	}
	if _, err := c.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, c.name, string(payload)); err != nil {
		return memerr.E(memerr.ServiceUnavailable, "publish group event", err)
	}
	return nil
}

// Events returns the decoded notification stream.
func (c *Channel) Events() <-chan Event { return c.events }

// pump converts pq notifications into Events. A nil notification signals a
// reconnect; the reconciliation pass covers anything missed while away.
func (c *Channel) pump() {
	defer close(c.events)
	for {
		select {
		case <-c.done:
			return
		case n, ok := <-c.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				c.logger.Info("group listener reconnected", zap.String("channel", c.name))
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				c.logger.Warn("discarding malformed group event",
					zap.String("payload", n.Extra), zap.Error(err))
				continue
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}

// Close stops the pump and the listener connection.
func (c *Channel) Close() error {
	close(c.done)
	return c.listener.Close()
}
