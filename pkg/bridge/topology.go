// Package bridge derives the relay topology from the Bridge config section
// and implements the outbound-only update rule.
package bridge

import (
	"fmt"
	"strings"

	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/logger"
)

// Platform prefixes of a channel ID.
const (
	PlatformIRC      = "irc"
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
)

// SplitChannelID splits "<platform>/<native_id>" into its parts.
func SplitChannelID(id string) (platform, native string, err error) {
	platform, native, ok := strings.Cut(id, "/")
	if !ok || platform == "" || native == "" {
		return "", "", fmt.Errorf("malformed channel id %q", id)
	}
	return platform, native, nil
}

// ChannelID assembles a channel ID from a platform prefix and a native id.
func ChannelID(platform, native string) string {
	return platform + "/" + native
}

// Topology maps each channel ID to its outbound peers. It is directed: a
// group's updates propagate only to the peers declared in its own config
// group.
type Topology struct {
	peers map[string][]string
}

// New builds a Topology from the Bridge config groups. A channel that
// appears in more than one group keeps the peers of the last group listing
// it, with a warning.
func New(groups [][]string) *Topology {
	peers := make(map[string][]string)
	for _, group := range groups {
		for _, member := range group {
			if _, ok := peers[member]; ok {
				logger.WarnCF("bridge", "duplicate mapping in config, previous mapping will be overwritten", map[string]any{
					"group": member,
				})
			}
			out := make([]string, 0, len(group)-1)
			for _, other := range group {
				if other != member {
					out = append(out, other)
				}
			}
			peers[member] = out
		}
	}
	return &Topology{peers: peers}
}

// Peers returns the outbound peer channel IDs of a group, in config order.
// Unknown groups have no peers.
func (t *Topology) Peers(group string) []string {
	return t.peers[group]
}

// Contains reports whether the channel ID is part of the bridge.
func (t *Topology) Contains(group string) bool {
	_, ok := t.peers[group]
	return ok
}

// GroupsOn returns the native ids of every bridged channel on the given
// platform, without the platform prefix.
func (t *Topology) GroupsOn(platform string) []string {
	prefix := strings.ToLower(platform) + "/"
	var ids []string
	for group := range t.peers {
		if strings.HasPrefix(group, prefix) {
			ids = append(ids, strings.TrimPrefix(group, prefix))
		}
	}
	return ids
}

// Channels returns every bridged channel ID.
func (t *Topology) Channels() []string {
	ids := make([]string, 0, len(t.peers))
	for group := range t.peers {
		ids = append(ids, group)
	}
	return ids
}

// UpdateTargets filters a record's bridge entries down to the peers an
// edit or delete originating in origin may touch: entries whose group is
// among origin's declared peers. The origin itself is never a target, so a
// message that traveled A→C→D propagates a delete in C only to D.
func (t *Topology) UpdateTargets(rec *bus.Record, origin string) []bus.BridgeMessage {
	outbound := make(map[string]bool, len(t.peers[origin]))
	for _, peer := range t.peers[origin] {
		outbound[peer] = true
	}
	var targets []bus.BridgeMessage
	for _, bm := range rec.BridgeMessages {
		if outbound[bm.Group] {
			targets = append(targets, bm)
		}
	}
	return targets
}
