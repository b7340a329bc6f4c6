package channels

import (
	"context"
	"mime"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/logger"
	"github.com/sipeed/chatbridge/pkg/media"
)

// downloadMedia fetches a message's attachment into local storage and
// returns it as a File, or nil when the message has no supported media or
// the download failed.
func (c *Telegram) downloadMedia(ctx context.Context, m *tg.Message) *bus.File {
	mediaClass, ok := m.GetMedia()
	if !ok {
		return nil
	}

	switch mm := mediaClass.(type) {
	case *tg.MessageMediaPhoto:
		return c.downloadPhoto(ctx, mm)
	case *tg.MessageMediaDocument:
		return c.downloadDocument(ctx, mm)
	default:
		// Geo, polls, dice, invoices and the rest relay as text only.
		return nil
	}
}

func (c *Telegram) downloadPhoto(ctx context.Context, mm *tg.MessageMediaPhoto) *bus.File {
	photoClass, ok := mm.GetPhoto()
	if !ok {
		return nil
	}
	photo, ok := photoClass.(*tg.Photo)
	if !ok {
		return nil
	}

	meta := bus.FileMetadata{IsSpoiler: mm.Spoiler}
	thumbType := ""
	for _, sizeClass := range photo.Sizes {
		if size, ok := sizeClass.(*tg.PhotoSize); ok {
			if size.W >= meta.Width {
				meta.Width = size.W
				meta.Height = size.H
				meta.Size = int64(size.Size)
				thumbType = size.Type
			}
		}
	}

	api, err := c.apiClient()
	if err != nil {
		logger.WarnCF("telegram", "photo download skipped", map[string]any{"error": err.Error()})
		return nil
	}
	path := media.GenerateName(c.hosting.Dir(), "jpg")
	location := &tg.InputPhotoFileLocation{
		ID:            photo.ID,
		AccessHash:    photo.AccessHash,
		FileReference: photo.FileReference,
		ThumbSize:     thumbType,
	}
	if _, err := downloader.NewDownloader().Download(api, location).ToPath(ctx, path); err != nil {
		logger.WarnCF("telegram", "photo download failed", map[string]any{"error": err.Error()})
		return nil
	}

	file := &bus.File{Type: "photo", LocalPath: path, Ext: "jpg", Metadata: meta}
	c.publishFile(file)
	return file
}

func (c *Telegram) downloadDocument(ctx context.Context, mm *tg.MessageMediaDocument) *bus.File {
	docClass, ok := mm.GetDocument()
	if !ok {
		return nil
	}
	doc, ok := docClass.(*tg.Document)
	if !ok {
		return nil
	}

	meta := bus.FileMetadata{IsSpoiler: mm.Spoiler, Size: doc.Size}
	mediaType := "document"
	for _, attrClass := range doc.Attributes {
		switch attr := attrClass.(type) {
		case *tg.DocumentAttributeFilename:
			meta.Filename = attr.FileName
		case *tg.DocumentAttributeImageSize:
			meta.Width = attr.W
			meta.Height = attr.H
			mediaType = "image"
		case *tg.DocumentAttributeVideo:
			meta.Width = attr.W
			meta.Height = attr.H
			meta.Duration = attr.Duration
			mediaType = "video"
		case *tg.DocumentAttributeAudio:
			meta.Duration = float64(attr.Duration)
			if attr.Voice {
				mediaType = "voice"
			} else {
				mediaType = "document"
			}
		case *tg.DocumentAttributeSticker:
			meta.Alt = attr.Alt
			mediaType = "sticker"
		case *tg.DocumentAttributeAnimated:
			mediaType = "gif"
		}
	}

	ext := ""
	if exts, err := mime.ExtensionsByType(doc.MimeType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	api, err := c.apiClient()
	if err != nil {
		logger.WarnCF("telegram", "document download skipped", map[string]any{"error": err.Error()})
		return nil
	}
	path := media.GenerateName(c.hosting.Dir(), ext)
	location := &tg.InputDocumentFileLocation{
		ID:            doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
	}
	if _, err := downloader.NewDownloader().Download(api, location).ToPath(ctx, path); err != nil {
		logger.WarnCF("telegram", "document download failed", map[string]any{"error": err.Error()})
		return nil
	}

	file := &bus.File{Type: mediaType, LocalPath: path, Ext: ext, Metadata: meta}
	c.publishFile(file)
	return file
}

// publishFile assigns the hosted URL so IRC peers can link the file.
func (c *Telegram) publishFile(f *bus.File) {
	if url := c.hosting.PublicURL(f.LocalPath); url != "" {
		f.PublicURL = url
	}
}
