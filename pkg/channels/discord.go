package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/config"
	"github.com/sipeed/chatbridge/pkg/logger"
	"github.com/sipeed/chatbridge/pkg/media"
	"github.com/sipeed/chatbridge/pkg/store"
)

// Discord is the Discord listener and sender.
type Discord struct {
	*BaseChannel

	cfg     config.DiscordConfig
	session *discordgo.Session
	hosting *media.Hosting
	client  *http.Client
}

func NewDiscord(cfg config.DiscordConfig, b *bus.MessageBus, topology *bridge.Topology, st store.Store, hosting *media.Hosting) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	c := &Discord{
		BaseChannel: NewBaseChannel(bridge.PlatformDiscord, b, topology, st),
		cfg:         cfg,
		session:     session,
		hosting:     hosting,
		client:      &http.Client{Timeout: time.Minute},
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	c.registerListeners()
	return c, nil
}

// Run opens the gateway connection and blocks until the context is
// canceled.
func (c *Discord) Run(ctx context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}
	c.SetRunning(true)
	defer c.SetRunning(false)
	<-ctx.Done()
	if err := c.session.Close(); err != nil {
		logger.WarnCF("discord", "gateway close failed", map[string]any{"error": err.Error()})
	}
	return ctx.Err()
}

var ircCommands = []*discordgo.ApplicationCommand{
	{
		Name:        "ircnames",
		Description: "列出 IRC 频道所有用户，或查看目标是否在频道中",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "target",
			Description: "要查看是否在线的昵称，可选",
		}},
	},
	{
		Name:        "ircwhois",
		Description: "查看 IRC 在线用户的 WHOIS 信息",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "target",
			Description: "要查看的昵称，必须在线",
			Required:    true,
		}},
	},
	{
		Name:        "ircwhowas",
		Description: "查看 IRC 离线用户的 WHOWAS 信息",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "target",
			Description: "要查看的昵称，必须离线",
			Required:    true,
		}},
	},
}

func (c *Discord) registerListeners() {
	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		for _, cmd := range ircCommands {
			if _, err := s.ApplicationCommandCreate(s.State.User.ID, "", cmd); err != nil {
				logger.WarnCF("discord", "slash command registration failed", map[string]any{
					"command": cmd.Name,
					"error":   err.Error(),
				})
			}
		}
		logger.InfoCF("discord", "logged in", map[string]any{"user": s.State.User.Username})
	})

	c.session.AddHandler(c.onMessageCreate)
	c.session.AddHandler(c.onMessageUpdate)
	c.session.AddHandler(c.onMessageDelete)
	c.session.AddHandler(c.onMessageDeleteBulk)
	c.session.AddHandler(c.onInteraction)
}

// nickOf renders the author name per the configured nick style.
func (c *Discord) nickOf(m *discordgo.Message) string {
	if c.cfg.NickStyle == "nickname" {
		if m.Member != nil && m.Member.Nick != "" {
			return m.Member.Nick
		}
		if m.Author.GlobalName != "" {
			return m.Author.GlobalName
		}
	}
	return m.Author.Username
}

func (c *Discord) groupOf(channelID string) string {
	return bridge.ChannelID(bridge.PlatformDiscord, channelID)
}

func (c *Discord) isSelf(author *discordgo.User) bool {
	return author != nil && c.session.State.User != nil && author.ID == c.session.State.User.ID
}

func (c *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || c.isSelf(m.Author) {
		return
	}
	group := c.groupOf(m.ChannelID)
	if !c.Bridged(group) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	canonical := c.canonicalize(ctx, m.Message)
	canonical.Files = c.downloadAttachments(ctx, m.Message)
	c.PublishForward(canonical)
}

func (c *Discord) canonicalize(ctx context.Context, m *discordgo.Message) *bus.Message {
	group := c.groupOf(m.ChannelID)
	canonical := &bus.Message{
		Text:           m.Content,
		FromUserID:     m.Author.ID,
		FromNick:       c.nickOf(m),
		FromGroup:      group,
		PlatformPrefix: c.cfg.PlatformPrefix,
		CreatedAt:      m.Timestamp.UTC(),
	}
	if id, err := strconv.ParseInt(m.ID, 10, 64); err == nil {
		canonical.FromMessageID = &id
	}
	if m.EditedTimestamp != nil {
		t := m.EditedTimestamp.UTC()
		canonical.EditedAt = &t
	}

	// The reference field is also set for crossposts and pins; replies in
	// the same channel are the only case that bridges.
	if ref := m.MessageReference; ref != nil && ref.ChannelID == m.ChannelID && m.Type == discordgo.MessageTypeReply {
		if replyID, err := strconv.ParseInt(ref.MessageID, 10, 64); err == nil {
			canonical.ReplyTo = c.ResolveReply(ctx, group, replyID)
		}
	}
	return canonical
}

// downloadAttachments saves message attachments under random local names.
// Failed downloads are skipped so one broken file never blocks the relay.
func (c *Discord) downloadAttachments(ctx context.Context, m *discordgo.Message) []bus.File {
	var files []bus.File
	for _, attachment := range m.Attachments {
		if len(files) == bus.MaxFilesPerMessage {
			break
		}
		mediaType, ext := media.SplitContentType(attachment.ContentType)
		path := media.GenerateName(c.hosting.Dir(), ext)
		if err := c.saveURL(ctx, attachment.URL, path); err != nil {
			logger.WarnCF("discord", "attachment download failed", map[string]any{
				"filename": attachment.Filename,
				"error":    err.Error(),
			})
			continue
		}
		if mediaType == "" {
			mediaType, ext = media.DetectType(path)
		}
		file := bus.File{
			Type:      mediaType,
			LocalPath: path,
			PublicURL: c.hosting.PublicURL(path),
			Ext:       ext,
			Metadata: bus.FileMetadata{
				Width:     attachment.Width,
				Height:    attachment.Height,
				Size:      int64(attachment.Size),
				Filename:  attachment.Filename,
				IsSpoiler: strings.HasPrefix(attachment.Filename, "SPOILER_"),
			},
		}
		files = append(files, file)
	}
	return files
}

func (c *Discord) saveURL(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func (c *Discord) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Author == nil || c.isSelf(m.Author) {
		return
	}
	group := c.groupOf(m.ChannelID)
	if !c.Bridged(group) {
		return
	}
	messageID, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rec, err := c.Store().FindForUpdate(ctx, group, messageID)
	if err != nil {
		logger.WarnCF("discord", "edit lookup failed", map[string]any{"error": err.Error()})
		return
	}
	if rec == nil {
		return
	}

	files := c.downloadAttachments(ctx, m.Message)
	editedAt := time.Now().UTC()
	if m.EditedTimestamp != nil {
		editedAt = m.EditedTimestamp.UTC()
	}
	if err := c.Store().MarkEdited(ctx, rec.ID, editedAt, m.Content, files); err != nil {
		logger.ErrorCF("discord", "recording edit failed", map[string]any{"error": err.Error()})
		return
	}

	canonical := c.canonicalize(ctx, m.Message)
	canonical.Files = files
	c.PublishTask(&bus.Task{
		Action:     bus.ActionEdit,
		Record:     rec,
		NewMessage: canonical,
		FromGroup:  group,
	})
}

func (c *Discord) onMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	c.handleDeleted(m.ChannelID, []string{m.ID})
}

// Bulk deletes happen when e.g. an admin bans a member and purges their
// messages. A bulk delete may also fire per-message deletes; the deleted
// flag check makes the second pass a no-op.
func (c *Discord) onMessageDeleteBulk(s *discordgo.Session, m *discordgo.MessageDeleteBulk) {
	c.handleDeleted(m.ChannelID, m.Messages)
}

func (c *Discord) handleDeleted(channelID string, messageIDs []string) {
	group := c.groupOf(channelID)
	if !c.Bridged(group) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var toDelete []*bus.Record
	for _, rawID := range messageIDs {
		messageID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			continue
		}
		rec, err := c.Store().FindForUpdate(ctx, group, messageID)
		if err != nil {
			logger.WarnCF("discord", "delete lookup failed", map[string]any{"error": err.Error()})
			continue
		}
		if rec == nil || rec.Deleted {
			continue
		}
		if err := c.Store().MarkDeleted(ctx, rec); err != nil {
			logger.ErrorCF("discord", "recording delete failed", map[string]any{"error": err.Error()})
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

func (c *Discord) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()

	var action bus.Action
	switch data.Name {
	case "ircnames":
		action = bus.ActionIRCNames
	case "ircwhois":
		action = bus.ActionIRCWhois
	case "ircwhowas":
		action = bus.ActionWhowas
	default:
		return
	}

	group := c.groupOf(i.ChannelID)
	if !c.Bridged(group) {
		return
	}

	target := ""
	for _, opt := range data.Options {
		if opt.Name == "target" {
			target = opt.StringValue()
		}
	}

	interaction := i.Interaction
	c.PublishTask(&bus.Task{
		Action:    action,
		Target:    target,
		FromGroup: group,
		Reply: func(ctx context.Context, text string) error {
			return s.InteractionRespond(interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{Content: text},
			})
		},
	})
}

// SendMessage posts the relay text with attachments, referencing replyTo
// when the original was a reply that bridged here.
func (c *Discord) SendMessage(ctx context.Context, channelID int64, text string, files []bus.File, replyTo *int64) (int64, error) {
	send := &discordgo.MessageSend{Content: text}
	for _, f := range files {
		df, err := c.openFile(f)
		if err != nil {
			logger.WarnCF("discord", "attachment open failed", map[string]any{
				"path":  f.LocalPath,
				"error": err.Error(),
			})
			continue
		}
		defer df.close()
		send.Files = append(send.Files, df.file)
	}
	if replyTo != nil {
		send.Reference = &discordgo.MessageReference{
			MessageID: strconv.FormatInt(*replyTo, 10),
			ChannelID: strconv.FormatInt(channelID, 10),
		}
	}

	sent, err := c.session.ChannelMessageSendComplex(strconv.FormatInt(channelID, 10), send, discordgo.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("sending discord message: %w", err)
	}
	id, err := strconv.ParseInt(sent.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing sent message id %q: %w", sent.ID, err)
	}
	return id, nil
}

// EditMessage replaces a relayed message's content and attachments.
func (c *Discord) EditMessage(ctx context.Context, channelID, messageID int64, text string, files []bus.File) error {
	edit := &discordgo.MessageEdit{
		Channel: strconv.FormatInt(channelID, 10),
		ID:      strconv.FormatInt(messageID, 10),
		Content: &text,
	}
	for _, f := range files {
		df, err := c.openFile(f)
		if err != nil {
			continue
		}
		defer df.close()
		edit.Files = append(edit.Files, df.file)
	}
	if _, err := c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("editing discord message %d in %d: %w", messageID, channelID, err)
	}
	return nil
}

// DeleteMessage removes one relayed message.
func (c *Discord) DeleteMessage(ctx context.Context, channelID, messageID int64) error {
	err := c.session.ChannelMessageDelete(
		strconv.FormatInt(channelID, 10),
		strconv.FormatInt(messageID, 10),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("deleting discord message %d in %d: %w", messageID, channelID, err)
	}
	return nil
}

type discordFile struct {
	file   *discordgo.File
	reader *os.File
}

func (d *discordFile) close() {
	if d.reader != nil {
		d.reader.Close()
	}
}

// openFile prepares a local file for upload, preserving the original
// filename when known and the spoiler marker via the SPOILER_ prefix.
func (c *Discord) openFile(f bus.File) (*discordFile, error) {
	if f.IsEmpty() {
		return nil, fmt.Errorf("file has no local content")
	}
	reader, err := os.Open(f.LocalPath)
	if err != nil {
		return nil, err
	}
	name := f.Metadata.Filename
	if name == "" {
		name = "attachment"
		if f.Ext != "" {
			name += "." + strings.TrimPrefix(f.Ext, ".")
		}
	}
	if f.Metadata.IsSpoiler && !strings.HasPrefix(name, "SPOILER_") {
		name = "SPOILER_" + name
	}
	return &discordFile{
		file:   &discordgo.File{Name: name, Reader: reader},
		reader: reader,
	}, nil
}
