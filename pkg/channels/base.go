// Package channels hosts the platform clients: each one listens for
// native events, canonicalizes them, and produces events for the worker.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/logger"
	"github.com/sipeed/chatbridge/pkg/store"
)

// Channel is one connected platform client.
type Channel interface {
	Name() string
	// Run connects and blocks until the context is canceled or the
	// connection fails terminally.
	Run(ctx context.Context) error
	IsRunning() bool
}

// BaseChannel carries the plumbing every platform listener shares: the
// event queue, the topology gate, and the record store.
type BaseChannel struct {
	name     string
	bus      *bus.MessageBus
	topology *bridge.Topology
	store    store.Store
	running  atomic.Bool
}

func NewBaseChannel(name string, b *bus.MessageBus, topology *bridge.Topology, st store.Store) *BaseChannel {
	return &BaseChannel{
		name:     name,
		bus:      b,
		topology: topology,
		store:    st,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) SetRunning(running bool) {
	c.running.Store(running)
}

// Bridged reports whether the channel ID participates in the topology.
// Listeners drop events from unbridged chats before any further work.
func (c *BaseChannel) Bridged(group string) bool {
	return c.topology.Contains(group)
}

// Topology exposes the bridge topology to the concrete channel.
func (c *BaseChannel) Topology() *bridge.Topology {
	return c.topology
}

// Store exposes the record store to the concrete channel.
func (c *BaseChannel) Store() store.Store {
	return c.store
}

// PublishForward enqueues a canonical message for fan-out.
func (c *BaseChannel) PublishForward(msg *bus.Message) {
	logger.InfoCF(c.name, "incoming message", map[string]any{
		"from_group": msg.FromGroup,
		"system":     msg.System,
	})
	c.bus.Publish(bus.Event{Message: msg})
}

// PublishTask enqueues an internal edit/delete/command task.
func (c *BaseChannel) PublishTask(task *bus.Task) {
	logger.InfoCF(c.name, "internal task", map[string]any{
		"action": string(task.Action),
	})
	c.bus.Publish(bus.Event{Task: task})
}

// ResolveReply looks up the stored record a native reply points at. The
// record comes back with bridge_messages intact so senders can resolve the
// reply target on each peer. A nil return means the referenced message was
// never bridged.
func (c *BaseChannel) ResolveReply(ctx context.Context, group string, replyID int64) *bus.Record {
	rec, err := c.store.FindByMember(ctx, group, replyID)
	if err != nil {
		logger.WarnCF(c.name, "reply lookup failed", map[string]any{
			"group": group,
			"id":    replyID,
			"error": err.Error(),
		})
		return nil
	}
	return rec
}
