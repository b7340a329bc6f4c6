// Package worker implements the single consumer of the event queue: it
// fans new messages out to peer channels, dispatches edit and delete
// propagation, and answers IRC lookup commands.
package worker

import (
	"context"
	"strconv"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/filter"
	"github.com/sipeed/chatbridge/pkg/format"
	"github.com/sipeed/chatbridge/pkg/logger"
	"github.com/sipeed/chatbridge/pkg/store"
)

// IRCSender is the worker's view of the IRC client.
type IRCSender interface {
	// Send relays text to a channel and returns the possibly rewritten
	// text (e.g. after a long-message upload) for reuse on other IRC
	// peers.
	Send(ctx context.Context, channel, text string) (string, error)
	Names(ctx context.Context, channel, target string) (string, error)
	Whois(ctx context.Context, nick string) (string, error)
	Whowas(ctx context.Context, nick string) (string, error)
}

// TelegramSender is the worker's view of the Telegram client.
type TelegramSender interface {
	SendMessage(ctx context.Context, chatID int64, text string, files []bus.File, forceDocument bool) ([]int64, error)
	EditMessage(ctx context.Context, chatID, id int64, text string, files []bus.File, forceDocument bool) error
	DeleteMessages(ctx context.Context, chatID int64, ids []int64) error
}

// DiscordSender is the worker's view of the Discord client.
type DiscordSender interface {
	SendMessage(ctx context.Context, channelID int64, text string, files []bus.File, replyTo *int64) (int64, error)
	EditMessage(ctx context.Context, channelID, messageID int64, text string, files []bus.File) error
	DeleteMessage(ctx context.Context, channelID, messageID int64) error
}

// Worker consumes the event queue. It is the only fan-out mutator, so no
// locking is needed beyond the queue and the store.
type Worker struct {
	bus      *bus.MessageBus
	store    store.Store
	topology *bridge.Topology
	filter   *filter.Engine
	irc      IRCSender
	telegram TelegramSender
	discord  DiscordSender
}

func New(b *bus.MessageBus, st store.Store, topology *bridge.Topology, f *filter.Engine, irc IRCSender, telegram TelegramSender, discord DiscordSender) *Worker {
	return &Worker{
		bus:      b,
		store:    st,
		topology: topology,
		filter:   f,
		irc:      irc,
		telegram: telegram,
		discord:  discord,
	}
}

// Run consumes events until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		ev, ok := w.bus.Consume(ctx)
		if !ok {
			return ctx.Err()
		}
		w.Handle(ctx, ev)
	}
}

// Handle processes a single dequeued event.
func (w *Worker) Handle(ctx context.Context, ev bus.Event) {
	switch {
	case ev.Message != nil:
		w.handleForward(ctx, ev.Message)
	case ev.Task != nil:
		w.handleTask(ctx, ev.Task)
	}
}

func (w *Worker) handleTask(ctx context.Context, task *bus.Task) {
	switch task.Action {
	case bus.ActionDelete:
		w.handleDelete(ctx, task)
	case bus.ActionEdit:
		w.handleEdit(ctx, task)
	case bus.ActionIRCNames, bus.ActionIRCWhois, bus.ActionWhowas:
		w.handleCommand(ctx, task)
	default:
		logger.WarnCF("worker", "unknown internal action", map[string]any{
			"action": string(task.Action),
		})
	}
}

// handleForward relays a new message to every peer of its origin and
// persists the resulting record. Per-peer failures must not abort the
// rest of the fan-out: failed peers get a null message id.
func (w *Worker) handleForward(ctx context.Context, msg *bus.Message) {
	logger.InfoCF("worker", "outgoing message", map[string]any{
		"from_group": msg.FromGroup,
	})

	bridgeMessages := []bus.BridgeMessage{{
		Group:     msg.FromGroup,
		MessageID: msg.FromMessageID,
	}}

	// Long IRC messages are rewritten once (uploaded and truncated); the
	// rewritten text is reused for any further IRC peer.
	ircText := ""

	for _, target := range w.topology.Peers(msg.FromGroup) {
		platform, nativeID, err := bridge.SplitChannelID(target)
		if err != nil {
			logger.WarnCF("worker", "unknown platform, check your Bridge config", map[string]any{
				"target": target,
			})
			bridgeMessages = append(bridgeMessages, bus.BridgeMessage{})
			continue
		}

		// The filter runs per peer: a receive rule can block one
		// destination while the message still reaches the others.
		if w.filter != nil && w.filter.Test(ctx, msg, target) {
			logger.InfoCF("worker", "message blocked by filter", map[string]any{
				"from_group": msg.FromGroup,
				"to_group":   target,
			})
			continue
		}

		relayText := format.RelayText(msg, platform)
		replyTo := replyIDOn(msg, target)

		switch platform {
		case bridge.PlatformIRC:
			text := relayText
			if ircText != "" {
				text = ircText
			}
			sent, err := w.irc.Send(ctx, nativeID, text)
			if err != nil {
				logger.WarnCF("worker", "irc send failed", map[string]any{
					"to_group": target,
					"error":    err.Error(),
				})
			} else {
				ircText = sent
			}
			// IRC messages have no ids.
			bridgeMessages = append(bridgeMessages, bus.BridgeMessage{Group: target})

		case bridge.PlatformTelegram:
			chatID, convErr := strconv.ParseInt(nativeID, 10, 64)
			if convErr != nil {
				logger.WarnCF("worker", "bad telegram chat id", map[string]any{"target": target})
				bridgeMessages = append(bridgeMessages, bus.BridgeMessage{Group: target})
				continue
			}
			ids, err := w.telegram.SendMessage(ctx, chatID, relayText, msg.Files, forceDocument(msg))
			if err != nil {
				logger.WarnCF("worker", "telegram send failed", map[string]any{
					"to_group": target,
					"error":    err.Error(),
				})
				bridgeMessages = append(bridgeMessages, bus.BridgeMessage{Group: target})
				continue
			}
			// Albums produce several messages; every id is recorded so
			// deletes can reap them all.
			for i := range ids {
				bridgeMessages = append(bridgeMessages, bus.BridgeMessage{
					Group:     target,
					MessageID: &ids[i],
				})
			}

		case bridge.PlatformDiscord:
			channelID, convErr := strconv.ParseInt(nativeID, 10, 64)
			if convErr != nil {
				logger.WarnCF("worker", "bad discord channel id", map[string]any{"target": target})
				bridgeMessages = append(bridgeMessages, bus.BridgeMessage{Group: target})
				continue
			}
			id, err := w.discord.SendMessage(ctx, channelID, relayText, msg.Files, replyTo)
			if err != nil {
				logger.WarnCF("worker", "discord send failed", map[string]any{
					"to_group": target,
					"error":    err.Error(),
				})
				bridgeMessages = append(bridgeMessages, bus.BridgeMessage{Group: target})
				continue
			}
			bridgeMessages = append(bridgeMessages, bus.BridgeMessage{Group: target, MessageID: &id})

		default:
			logger.WarnCF("worker", "unknown platform, check your Bridge config", map[string]any{
				"target": target,
			})
			bridgeMessages = append(bridgeMessages, bus.BridgeMessage{})
		}
	}

	rec := &bus.Record{
		System:         msg.System,
		CreatedAt:      msg.CreatedAt,
		EditedAt:       msg.EditedAt,
		FromUserID:     msg.FromUserID,
		FromNick:       msg.FromNick,
		Text:           msg.Text,
		FwdFrom:        msg.FwdFrom,
		Files:          msg.Files,
		BridgeMessages: bridgeMessages,
	}
	if rec.Files == nil {
		rec.Files = []bus.File{}
	}
	if msg.ReplyTo != nil {
		rec.ReplyTo = &msg.ReplyTo.ID
	}
	if _, err := w.store.Insert(ctx, rec); err != nil {
		logger.ErrorCF("worker", "persisting record failed", map[string]any{"error": err.Error()})
	}
}

// replyIDOn resolves the reply target on a peer by scanning the replied
// record's bridge entries for that group.
func replyIDOn(msg *bus.Message, group string) *int64 {
	if msg.ReplyTo == nil {
		return nil
	}
	return msg.ReplyTo.MessageIDIn(group)
}

// forceDocument mirrors the source fidelity: a message downloaded as a
// document re-uploads as a document.
func forceDocument(msg *bus.Message) bool {
	return len(msg.Files) > 0 && msg.Files[0].Type == "document"
}

// handleDelete propagates deletions to the peers recorded in each task
// record. The records are already marked deleted and pre-filtered to their
// update targets by the producing listener. IRC channels get one notice
// per batch.
func (w *Worker) handleDelete(ctx context.Context, task *bus.Task) {
	ircNotified := make(map[string]bool)
	for _, rec := range task.Records {
		for _, bm := range rec.BridgeMessages {
			platform, nativeID, err := bridge.SplitChannelID(bm.Group)
			if err != nil {
				logger.WarnCF("worker", "unknown platform in delete, please report this bug", map[string]any{
					"group": bm.Group,
				})
				continue
			}
			switch platform {
			case bridge.PlatformIRC:
				if ircNotified[nativeID] {
					continue
				}
				if _, err := w.irc.Send(ctx, nativeID, format.DeletedNotice(task.Records)); err != nil {
					logger.WarnCF("worker", "irc delete notice failed", map[string]any{
						"channel": nativeID,
						"error":   err.Error(),
					})
				}
				ircNotified[nativeID] = true

			case bridge.PlatformTelegram:
				if bm.MessageID == nil {
					continue
				}
				chatID, convErr := strconv.ParseInt(nativeID, 10, 64)
				if convErr != nil {
					continue
				}
				if err := w.telegram.DeleteMessages(ctx, chatID, []int64{*bm.MessageID}); err != nil {
					logger.WarnCF("worker", "telegram delete failed", map[string]any{
						"group": bm.Group,
						"id":    *bm.MessageID,
						"error": err.Error(),
					})
				}

			case bridge.PlatformDiscord:
				if bm.MessageID == nil {
					continue
				}
				channelID, convErr := strconv.ParseInt(nativeID, 10, 64)
				if convErr != nil {
					continue
				}
				if err := w.discord.DeleteMessage(ctx, channelID, *bm.MessageID); err != nil {
					logger.WarnCF("worker", "discord delete failed", map[string]any{
						"group": bm.Group,
						"id":    *bm.MessageID,
						"error": err.Error(),
					})
				}

			default:
				logger.WarnCF("worker", "unknown platform in delete, please report this bug", map[string]any{
					"group": bm.Group,
				})
			}
		}
	}
}

// handleEdit propagates an edit to the record's update targets. Telegram
// albums relay as several messages per group; only the first one is
// edited, the rest keep their original media.
func (w *Worker) handleEdit(ctx context.Context, task *bus.Task) {
	rec, msg := task.Record, task.NewMessage
	if rec == nil || msg == nil {
		return
	}

	groupsEdited := make(map[string]bool)
	for _, bm := range rec.BridgeMessages {
		platform, nativeID, err := bridge.SplitChannelID(bm.Group)
		if err != nil {
			logger.WarnCF("worker", "unknown platform in edit, please report this bug", map[string]any{
				"group": bm.Group,
			})
			continue
		}
		relayText := format.RelayText(msg, platform)

		switch platform {
		case bridge.PlatformIRC:
			if groupsEdited[bm.Group] {
				continue
			}
			if _, err := w.irc.Send(ctx, nativeID, format.EditedNotice(rec, msg)); err != nil {
				logger.WarnCF("worker", "irc edit notice failed", map[string]any{
					"channel": nativeID,
					"error":   err.Error(),
				})
			}

		case bridge.PlatformTelegram:
			if groupsEdited[bm.Group] || bm.MessageID == nil {
				continue
			}
			chatID, convErr := strconv.ParseInt(nativeID, 10, 64)
			if convErr != nil {
				continue
			}
			files := msg.Files
			if len(files) > 1 {
				files = files[:1]
			}
			if err := w.telegram.EditMessage(ctx, chatID, *bm.MessageID, relayText, files, forceDocument(msg)); err != nil {
				logger.WarnCF("worker", "telegram edit failed", map[string]any{
					"group": bm.Group,
					"id":    *bm.MessageID,
					"error": err.Error(),
				})
			}

		case bridge.PlatformDiscord:
			if bm.MessageID == nil {
				continue
			}
			channelID, convErr := strconv.ParseInt(nativeID, 10, 64)
			if convErr != nil {
				continue
			}
			if err := w.discord.EditMessage(ctx, channelID, *bm.MessageID, relayText, msg.Files); err != nil {
				logger.WarnCF("worker", "discord edit failed", map[string]any{
					"group": bm.Group,
					"id":    *bm.MessageID,
					"error": err.Error(),
				})
			}

		default:
			logger.WarnCF("worker", "unknown platform in edit, please report this bug", map[string]any{
				"group": bm.Group,
			})
		}
		groupsEdited[bm.Group] = true
	}
}

// handleCommand answers an IRC lookup invoked from another platform. The
// lookup runs against the first IRC channel bridged to the origin.
func (w *Worker) handleCommand(ctx context.Context, task *bus.Task) {
	if task.Reply == nil {
		return
	}

	ircChannel := ""
	for _, peer := range w.topology.Peers(task.FromGroup) {
		platform, nativeID, err := bridge.SplitChannelID(peer)
		if err == nil && platform == bridge.PlatformIRC {
			ircChannel = nativeID
			break
		}
	}
	if ircChannel == "" {
		if err := task.Reply(ctx, "This channel is not bridged to any IRC channel."); err != nil {
			logger.WarnCF("worker", "command reply failed", map[string]any{"error": err.Error()})
		}
		return
	}

	var reply string
	var err error
	switch task.Action {
	case bus.ActionIRCNames:
		reply, err = w.irc.Names(ctx, ircChannel, task.Target)
	case bus.ActionIRCWhois:
		reply, err = w.irc.Whois(ctx, task.Target)
	case bus.ActionWhowas:
		reply, err = w.irc.Whowas(ctx, task.Target)
	}
	if err != nil {
		reply = "Error: " + err.Error()
	}
	if reply == "" {
		reply = "Error: no such user"
	}
	if err := task.Reply(ctx, reply); err != nil {
		logger.WarnCF("worker", "command reply failed", map[string]any{"error": err.Error()})
	}
}
