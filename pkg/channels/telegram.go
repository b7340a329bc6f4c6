package channels

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/config"
	"github.com/sipeed/chatbridge/pkg/logger"
	"github.com/sipeed/chatbridge/pkg/media"
	"github.com/sipeed/chatbridge/pkg/store"
)

// albumFlushDelay is how long the album collector waits for further items
// of a grouped message burst before treating the album as complete.
const albumFlushDelay = time.Second

// Telegram is the MTProto listener and sender.
type Telegram struct {
	*BaseChannel

	cfg     config.TelegramConfig
	hosting *media.Hosting

	client     *telegram.Client
	dispatcher tg.UpdateDispatcher

	mu     sync.Mutex
	api    *tg.Client
	peers  map[int64]tg.InputPeerClass // bot-API style chat id -> input peer
	albums map[int64]*pendingAlbum
}

type pendingAlbum struct {
	messages []*tg.Message
	users    map[int64]*tg.User
	timer    *time.Timer
}

func NewTelegram(cfg config.TelegramConfig, b *bus.MessageBus, topology *bridge.Topology, st store.Store, hosting *media.Hosting) *Telegram {
	c := &Telegram{
		BaseChannel: NewBaseChannel(bridge.PlatformTelegram, b, topology, st),
		cfg:         cfg,
		hosting:     hosting,
		peers:       make(map[int64]tg.InputPeerClass),
		albums:      make(map[int64]*pendingAlbum),
	}
	c.dispatcher = tg.NewUpdateDispatcher()
	c.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.Session + ".session.json"},
		UpdateHandler:  c.dispatcher,
	})
	c.registerListeners()
	return c
}

// apiClient returns the raw MTProto client, or an error before the first
// successful connect.
func (c *Telegram) apiClient() (*tg.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil {
		return nil, fmt.Errorf("telegram client is not connected yet")
	}
	return c.api, nil
}

// Run connects, authenticates the bot, and processes updates until the
// context is canceled.
func (c *Telegram) Run(ctx context.Context) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		status, err := c.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("checking telegram auth status: %w", err)
		}
		if !status.Authorized {
			if _, err := c.client.Auth().Bot(ctx, c.cfg.BotToken); err != nil {
				return fmt.Errorf("telegram bot login: %w", err)
			}
		}
		c.mu.Lock()
		c.api = c.client.API()
		c.mu.Unlock()
		c.SetRunning(true)
		defer c.SetRunning(false)
		logger.InfoCF("telegram", "connected", nil)
		<-ctx.Done()
		return ctx.Err()
	})
}

func (c *Telegram) registerListeners() {
	c.dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.collectEntities(e)
		c.onNewMessage(ctx, e, u.Message)
		return nil
	})
	c.dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.collectEntities(e)
		c.onNewMessage(ctx, e, u.Message)
		return nil
	})
	c.dispatcher.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		c.collectEntities(e)
		c.onEditedMessage(ctx, e, u.Message)
		return nil
	})
	c.dispatcher.OnEditMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		c.collectEntities(e)
		c.onEditedMessage(ctx, e, u.Message)
		return nil
	})
	// Push delete notifications carry a channel only for supergroups;
	// plain-group deletes are recovered by the poller instead. They are
	// nowhere near reliable either way, the poller is authoritative.
	c.dispatcher.OnDeleteChannelMessages(func(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
		c.onDeletedMessages(ctx, joinChatID(chatKindChannel, u.ChannelID), u.Messages)
		return nil
	})
}

// collectEntities caches input peers from update metadata so sends can
// address chats the bot has seen.
func (c *Telegram) collectEntities(e tg.Entities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, channel := range e.Channels {
		c.peers[joinChatID(chatKindChannel, id)] = &tg.InputPeerChannel{
			ChannelID:  channel.ID,
			AccessHash: channel.AccessHash,
		}
	}
	for id := range e.Chats {
		c.peers[joinChatID(chatKindChat, id)] = &tg.InputPeerChat{ChatID: id}
	}
	for id, user := range e.Users {
		c.peers[joinChatID(chatKindUser, id)] = &tg.InputPeerUser{
			UserID:     user.ID,
			AccessHash: user.AccessHash,
		}
	}
}

// inputPeer resolves a bot-API style chat id to a cached input peer.
func (c *Telegram) inputPeer(chatID int64) (tg.InputPeerClass, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if peer, ok := c.peers[chatID]; ok {
		return peer, nil
	}
	return nil, fmt.Errorf("telegram peer %d not seen yet", chatID)
}

// nickOf renders a user's display name per the configured nick style.
func (c *Telegram) nickOf(user *tg.User) string {
	username := user.Username
	firstLast := user.FirstName
	if user.LastName != "" {
		firstLast += " " + user.LastName
	}
	if c.cfg.NickStyle == "username" {
		if username != "" {
			return username
		}
		return firstLast
	}
	if firstLast != "" {
		return firstLast
	}
	return username
}

func (c *Telegram) onNewMessage(ctx context.Context, e tg.Entities, msg tg.MessageClass) {
	m, ok := msg.(*tg.Message)
	if !ok || m.Out {
		return
	}
	chatID := peerChatID(m.PeerID)
	group := bridge.ChannelID(bridge.PlatformTelegram, strconv.FormatInt(chatID, 10))
	if !c.Bridged(group) {
		return
	}

	// Album items arrive as consecutive updates sharing a grouped id; the
	// collector assembles them into one canonical message.
	if gid, ok := m.GetGroupedID(); ok && gid != 0 {
		c.collectAlbumItem(gid, m, e)
		return
	}

	canonical := c.canonicalize(ctx, m, e)
	if file := c.downloadMedia(ctx, m); file != nil {
		canonical.Files = []bus.File{*file}
	}
	c.PublishForward(canonical)
}

// collectAlbumItem buffers one album message and (re)arms the flush timer.
func (c *Telegram) collectAlbumItem(groupedID int64, m *tg.Message, e tg.Entities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	album, ok := c.albums[groupedID]
	if !ok {
		album = &pendingAlbum{users: make(map[int64]*tg.User)}
		album.timer = time.AfterFunc(albumFlushDelay, func() {
			c.flushAlbum(groupedID)
		})
		c.albums[groupedID] = album
	}
	album.messages = append(album.messages, m)
	for id, user := range e.Users {
		album.users[id] = user
	}
	album.timer.Reset(albumFlushDelay)
}

// flushAlbum turns a completed album burst into a single canonical message
// whose files carry per-item captions as descriptions. Only the caption of
// the first message is relayed as text.
func (c *Telegram) flushAlbum(groupedID int64) {
	c.mu.Lock()
	album, ok := c.albums[groupedID]
	delete(c.albums, groupedID)
	c.mu.Unlock()
	if !ok || len(album.messages) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	entities := tg.Entities{Users: album.users}
	var files []bus.File
	for _, m := range album.messages {
		file := c.downloadMedia(ctx, m)
		if file == nil {
			continue
		}
		if m.Message != "" {
			file.Metadata.Description = m.Message
		}
		files = append(files, *file)
	}
	if len(files) > bus.MaxFilesPerMessage {
		files = files[:bus.MaxFilesPerMessage]
	}

	canonical := c.canonicalize(ctx, album.messages[0], entities)
	canonical.Files = files
	c.PublishForward(canonical)
}

// canonicalize maps a Telegram message to the platform-neutral form.
func (c *Telegram) canonicalize(ctx context.Context, m *tg.Message, e tg.Entities) *bus.Message {
	chatID := peerChatID(m.PeerID)
	group := bridge.ChannelID(bridge.PlatformTelegram, strconv.FormatInt(chatID, 10))

	nick := "Anonymous"
	userID := ""
	if from, ok := m.GetFromID(); ok {
		if peerUser, ok := from.(*tg.PeerUser); ok {
			userID = strconv.FormatInt(peerUser.UserID, 10)
			if user, ok := e.Users[peerUser.UserID]; ok {
				if n := c.nickOf(user); n != "" {
					nick = n
				}
			}
		}
	}

	msgID := int64(m.ID)
	canonical := &bus.Message{
		Text:           m.Message,
		FromUserID:     userID,
		FromNick:       nick,
		FromGroup:      group,
		FromMessageID:  &msgID,
		PlatformPrefix: c.cfg.PlatformPrefix,
		CreatedAt:      time.Unix(int64(m.Date), 0).UTC(),
	}
	if editDate, ok := m.GetEditDate(); ok {
		t := time.Unix(int64(editDate), 0).UTC()
		canonical.EditedAt = &t
	}

	if fwd, ok := m.GetFwdFrom(); ok {
		canonical.FwdFrom = c.forwardSource(fwd, e)
	}

	if reply, ok := m.GetReplyTo(); ok {
		if header, ok := reply.(*tg.MessageReplyHeader); ok {
			if replyID, ok := header.GetReplyToMsgID(); ok {
				canonical.ReplyTo = c.ResolveReply(ctx, group, int64(replyID))
			}
		}
	}
	return canonical
}

// forwardSource picks a display name for a forward header: the original
// sender, the source chat title, or the hidden-sender name.
func (c *Telegram) forwardSource(fwd tg.MessageFwdHeader, e tg.Entities) string {
	if from, ok := fwd.GetFromID(); ok {
		switch peer := from.(type) {
		case *tg.PeerUser:
			if user, ok := e.Users[peer.UserID]; ok {
				return c.nickOf(user)
			}
		case *tg.PeerChannel:
			if channel, ok := e.Channels[peer.ChannelID]; ok {
				return channel.Title
			}
		case *tg.PeerChat:
			if chat, ok := e.Chats[peer.ChatID]; ok {
				return chat.Title
			}
		}
	}
	if name, ok := fwd.GetFromName(); ok {
		return name
	}
	return ""
}

func (c *Telegram) onEditedMessage(ctx context.Context, e tg.Entities, msg tg.MessageClass) {
	m, ok := msg.(*tg.Message)
	if !ok || m.Out {
		return
	}
	chatID := peerChatID(m.PeerID)
	group := bridge.ChannelID(bridge.PlatformTelegram, strconv.FormatInt(chatID, 10))
	if !c.Bridged(group) {
		return
	}

	rec, err := c.Store().FindForUpdate(ctx, group, int64(m.ID))
	if err != nil {
		logger.WarnCF("telegram", "edit lookup failed", map[string]any{"error": err.Error()})
		return
	}
	if rec == nil {
		return
	}

	var files []bus.File
	if file := c.downloadMedia(ctx, m); file != nil {
		files = []bus.File{*file}
	}

	editedAt := time.Now().UTC()
	if editDate, ok := m.GetEditDate(); ok {
		editedAt = time.Unix(int64(editDate), 0).UTC()
	}
	if err := c.Store().MarkEdited(ctx, rec.ID, editedAt, m.Message, files); err != nil {
		logger.ErrorCF("telegram", "recording edit failed", map[string]any{"error": err.Error()})
		return
	}

	canonical := c.canonicalize(ctx, m, e)
	canonical.Files = files
	c.PublishTask(&bus.Task{
		Action:     bus.ActionEdit,
		Record:     rec,
		NewMessage: canonical,
		FromGroup:  group,
	})
}

func (c *Telegram) onDeletedMessages(ctx context.Context, chatID int64, ids []int) {
	group := bridge.ChannelID(bridge.PlatformTelegram, strconv.FormatInt(chatID, 10))
	if !c.Bridged(group) {
		return
	}
	var toDelete []*bus.Record
	for _, id := range ids {
		rec, err := c.Store().FindForUpdate(ctx, group, int64(id))
		if err != nil {
			logger.WarnCF("telegram", "delete lookup failed", map[string]any{"error": err.Error()})
			continue
		}
		if rec == nil || rec.Deleted {
			continue
		}
		if err := c.Store().MarkDeleted(ctx, rec); err != nil {
			logger.ErrorCF("telegram", "recording delete failed", map[string]any{"error": err.Error()})
			continue
		}
		toDelete = append(toDelete, rec)
	}
	if len(toDelete) == 0 {
		return
	}
	c.PublishTask(&bus.Task{
		Action:    bus.ActionDelete,
		Records:   toDelete,
		FromGroup: group,
	})
}

// randomID generates the client-side random id MTProto send requests need.
func randomID() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}
