package channels

import (
	"context"
	"fmt"
	"sort"

	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/logger"
)

// SendMessage relays text and media into a chat. Images are sent as one
// album carrying the relay text as caption; remaining files go one by one,
// reply-chained to the first sent message. Every produced message id is
// returned in send order.
func (c *Telegram) SendMessage(ctx context.Context, chatID int64, text string, files []bus.File, forceDocument bool) ([]int64, error) {
	peer, err := c.inputPeer(chatID)
	if err != nil {
		return nil, err
	}
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}
	clean, entities := parseMarkup(text)

	if len(files) == 0 {
		updates, err := api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:      peer,
			Message:   clean,
			Entities:  entities,
			RandomID:  randomID(),
			NoWebpage: true,
		})
		if err != nil {
			return nil, fmt.Errorf("sending telegram message: %w", err)
		}
		return sentMessageIDs(updates), nil
	}

	var images, others []bus.File
	for _, f := range files {
		if f.IsEmpty() {
			continue
		}
		if f.IsImage() && !forceDocument {
			images = append(images, f)
		} else {
			others = append(others, f)
		}
	}

	var ids []int64
	if len(images) > 0 {
		sent, err := c.sendImages(ctx, peer, images, clean, entities)
		if err != nil {
			return ids, err
		}
		ids = append(ids, sent...)
	}

	var replyTo *int64
	if len(ids) > 0 {
		replyTo = &ids[0]
	}
	for _, f := range others {
		caption, captionEntities := "", []tg.MessageEntityClass(nil)
		if replyTo == nil {
			// Only the first produced message carries the relay text.
			caption, captionEntities = clean, entities
		}
		sent, err := c.sendDocument(ctx, peer, f, caption, captionEntities, forceDocument, replyTo)
		if err != nil {
			logger.WarnCF("telegram", "file send failed", map[string]any{
				"path":  f.LocalPath,
				"error": err.Error(),
			})
			continue
		}
		ids = append(ids, sent...)
		if replyTo == nil && len(ids) > 0 {
			replyTo = &ids[0]
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no telegram message was produced")
	}
	return ids, nil
}

// sendImages sends one photo directly or several as an album.
func (c *Telegram) sendImages(ctx context.Context, peer tg.InputPeerClass, images []bus.File, caption string, entities []tg.MessageEntityClass) ([]int64, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}
	up := uploader.NewUploader(api)

	if len(images) == 1 {
		f, err := up.FromPath(ctx, images[0].LocalPath)
		if err != nil {
			return nil, fmt.Errorf("uploading photo: %w", err)
		}
		updates, err := api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer: peer,
			Media: &tg.InputMediaUploadedPhoto{
				File:    f,
				Spoiler: images[0].Metadata.IsSpoiler,
			},
			Message:  caption,
			Entities: entities,
			RandomID: randomID(),
		})
		if err != nil {
			return nil, fmt.Errorf("sending photo: %w", err)
		}
		return sentMessageIDs(updates), nil
	}

	// Albums need their media materialized through messages.uploadMedia
	// first so each item can be referenced by id in sendMultiMedia.
	var multi []tg.InputSingleMedia
	for i, img := range images {
		f, err := up.FromPath(ctx, img.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("uploading album item: %w", err)
		}
		uploaded, err := api.MessagesUploadMedia(ctx, &tg.MessagesUploadMediaRequest{
			Peer: peer,
			Media: &tg.InputMediaUploadedPhoto{
				File:    f,
				Spoiler: img.Metadata.IsSpoiler,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("materializing album item: %w", err)
		}
		input, err := referenceMedia(uploaded)
		if err != nil {
			return nil, err
		}
		single := tg.InputSingleMedia{
			Media:    input,
			RandomID: randomID(),
		}
		if i == 0 {
			single.Message = caption
			single.Entities = entities
		}
		multi = append(multi, single)
	}

	updates, err := api.MessagesSendMultiMedia(ctx, &tg.MessagesSendMultiMediaRequest{
		Peer:       peer,
		MultiMedia: multi,
	})
	if err != nil {
		return nil, fmt.Errorf("sending album: %w", err)
	}
	return sentMessageIDs(updates), nil
}

func (c *Telegram) sendDocument(ctx context.Context, peer tg.InputPeerClass, f bus.File, caption string, entities []tg.MessageEntityClass, forceDocument bool, replyTo *int64) ([]int64, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}
	up := uploader.NewUploader(api)
	uploaded, err := up.FromPath(ctx, f.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("uploading document: %w", err)
	}

	var attrs []tg.DocumentAttributeClass
	if f.Metadata.Filename != "" {
		attrs = append(attrs, &tg.DocumentAttributeFilename{FileName: f.Metadata.Filename})
	}
	req := &tg.MessagesSendMediaRequest{
		Peer: peer,
		Media: &tg.InputMediaUploadedDocument{
			File:       uploaded,
			Attributes: attrs,
			ForceFile:  forceDocument,
			Spoiler:    f.Metadata.IsSpoiler,
		},
		Message:  caption,
		Entities: entities,
		RandomID: randomID(),
	}
	if replyTo != nil {
		req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: int(*replyTo)}
	}
	updates, err := api.MessagesSendMedia(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sending document: %w", err)
	}
	return sentMessageIDs(updates), nil
}

// EditMessage updates a relayed message's text and, when the edit carries
// media, its first attachment.
func (c *Telegram) EditMessage(ctx context.Context, chatID, id int64, text string, files []bus.File, forceDocument bool) error {
	peer, err := c.inputPeer(chatID)
	if err != nil {
		return err
	}
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	clean, entities := parseMarkup(text)

	req := &tg.MessagesEditMessageRequest{
		Peer:     peer,
		ID:       int(id),
		Message:  clean,
		Entities: entities,
	}
	if len(files) > 0 && !files[0].IsEmpty() {
		up := uploader.NewUploader(api)
		uploaded, err := up.FromPath(ctx, files[0].LocalPath)
		if err != nil {
			return fmt.Errorf("uploading edited media: %w", err)
		}
		if files[0].IsImage() && !forceDocument {
			req.Media = &tg.InputMediaUploadedPhoto{File: uploaded, Spoiler: files[0].Metadata.IsSpoiler}
		} else {
			var attrs []tg.DocumentAttributeClass
			if files[0].Metadata.Filename != "" {
				attrs = append(attrs, &tg.DocumentAttributeFilename{FileName: files[0].Metadata.Filename})
			}
			req.Media = &tg.InputMediaUploadedDocument{
				File:       uploaded,
				Attributes: attrs,
				ForceFile:  forceDocument,
				Spoiler:    files[0].Metadata.IsSpoiler,
			}
		}
	}
	if _, err := api.MessagesEditMessage(ctx, req); err != nil {
		return fmt.Errorf("editing telegram message %d in %d: %w", id, chatID, err)
	}
	return nil
}

// DeleteMessages removes relayed messages from a chat.
func (c *Telegram) DeleteMessages(ctx context.Context, chatID int64, ids []int64) error {
	intIDs := make([]int, 0, len(ids))
	for _, id := range ids {
		intIDs = append(intIDs, int(id))
	}

	api, err := c.apiClient()
	if err != nil {
		return err
	}
	kind, bare := splitChatID(chatID)
	if kind == chatKindChannel {
		peer, err := c.inputPeer(chatID)
		if err != nil {
			return err
		}
		channel, ok := peer.(*tg.InputPeerChannel)
		if !ok {
			return fmt.Errorf("telegram peer %d is not a channel", chatID)
		}
		_, err = api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: channel.ChannelID, AccessHash: channel.AccessHash},
			ID:      intIDs,
		})
		if err != nil {
			return fmt.Errorf("deleting messages in channel %d: %w", bare, err)
		}
		return nil
	}

	if _, err := api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		Revoke: true,
		ID:     intIDs,
	}); err != nil {
		return fmt.Errorf("deleting messages in %d: %w", chatID, err)
	}
	return nil
}

// GetMessages fetches the given message ids and reports, per requested id,
// whether the slot came back empty. An empty slot is a confirmed deletion.
func (c *Telegram) GetMessages(ctx context.Context, chatID int64, ids []int64) ([]bool, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}
	kind, _ := splitChatID(chatID)

	present := make(map[int]bool, len(ids))
	record := func(messages []tg.MessageClass) {
		for _, msg := range messages {
			switch m := msg.(type) {
			case *tg.Message:
				present[m.ID] = true
			case *tg.MessageService:
				present[m.ID] = true
			}
		}
	}

	inputIDs := make([]tg.InputMessageClass, 0, len(ids))
	for _, id := range ids {
		inputIDs = append(inputIDs, &tg.InputMessageID{ID: int(id)})
	}

	if kind == chatKindChannel {
		peer, err := c.inputPeer(chatID)
		if err != nil {
			return nil, err
		}
		channel, ok := peer.(*tg.InputPeerChannel)
		if !ok {
			return nil, fmt.Errorf("telegram peer %d is not a channel", chatID)
		}
		resp, err := api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: channel.ChannelID, AccessHash: channel.AccessHash},
			ID:      inputIDs,
		})
		if err != nil {
			return nil, err
		}
		switch msgs := resp.(type) {
		case *tg.MessagesChannelMessages:
			record(msgs.Messages)
		case *tg.MessagesMessages:
			record(msgs.Messages)
		}
	} else {
		resp, err := api.MessagesGetMessages(ctx, inputIDs)
		if err != nil {
			return nil, err
		}
		switch msgs := resp.(type) {
		case *tg.MessagesMessages:
			record(msgs.Messages)
		case *tg.MessagesMessagesSlice:
			record(msgs.Messages)
		}
	}

	empty := make([]bool, len(ids))
	for i, id := range ids {
		empty[i] = !present[int(id)]
	}
	return empty, nil
}

// referenceMedia converts the server-materialized media returned by
// messages.uploadMedia into the by-reference input form albums require.
func referenceMedia(m tg.MessageMediaClass) (tg.InputMediaClass, error) {
	switch v := m.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := v.Photo.(*tg.Photo)
		if !ok {
			return nil, fmt.Errorf("uploaded photo came back empty")
		}
		return &tg.InputMediaPhoto{
			ID: &tg.InputPhoto{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
			},
			Spoiler: v.Spoiler,
		}, nil
	case *tg.MessageMediaDocument:
		doc, ok := v.Document.(*tg.Document)
		if !ok {
			return nil, fmt.Errorf("uploaded document came back empty")
		}
		return &tg.InputMediaDocument{
			ID: &tg.InputDocument{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
			Spoiler: v.Spoiler,
		}, nil
	}
	return nil, fmt.Errorf("unexpected uploaded media %T", m)
}

// sentMessageIDs extracts the ids of messages produced by a send request,
// in ascending order.
func sentMessageIDs(u tg.UpdatesClass) []int64 {
	var ids []int64
	seen := make(map[int64]bool)
	add := func(id int64) {
		if id != 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	collect := func(updates []tg.UpdateClass) {
		for _, update := range updates {
			switch v := update.(type) {
			case *tg.UpdateMessageID:
				add(int64(v.ID))
			case *tg.UpdateNewChannelMessage:
				if m, ok := v.Message.(*tg.Message); ok {
					add(int64(m.ID))
				}
			case *tg.UpdateNewMessage:
				if m, ok := v.Message.(*tg.Message); ok {
					add(int64(m.ID))
				}
			case *tg.UpdateNewScheduledMessage:
				if m, ok := v.Message.(*tg.Message); ok {
					add(int64(m.ID))
				}
			}
		}
	}

	switch v := u.(type) {
	case *tg.Updates:
		collect(v.Updates)
	case *tg.UpdatesCombined:
		collect(v.Updates)
	case *tg.UpdateShort:
		collect([]tg.UpdateClass{v.Update})
	case *tg.UpdateShortSentMessage:
		add(int64(v.ID))
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
