package bus

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MaxFilesPerMessage caps media attachments per message. Both Telegram
// albums and Discord uploads stop at ten.
const MaxFilesPerMessage = 10

// FileMetadata carries the platform-reported attributes of a media file.
type FileMetadata struct {
	Width       int     `bson:"width,omitempty" json:"width,omitempty"`
	Height      int     `bson:"height,omitempty" json:"height,omitempty"`
	Size        int64   `bson:"size,omitempty" json:"size,omitempty"`
	Duration    float64 `bson:"duration,omitempty" json:"duration,omitempty"`
	Filename    string  `bson:"filename,omitempty" json:"filename,omitempty"`
	Alt         string  `bson:"alt,omitempty" json:"alt,omitempty"`
	IsSpoiler   bool    `bson:"is_spoiler,omitempty" json:"is_spoiler,omitempty"`
	Description string  `bson:"description,omitempty" json:"description,omitempty"`
}

// File is one media attachment: downloaded to local storage, optionally
// published under a public URL.
type File struct {
	Type      string       `bson:"type" json:"type"`
	LocalPath string       `bson:"path" json:"path"`
	PublicURL string       `bson:"url" json:"url"`
	Ext       string       `bson:"ext" json:"ext"`
	Metadata  FileMetadata `bson:"metadata" json:"metadata"`
}

// IsEmpty reports whether the file has no local content, e.g. after a
// failed download.
func (f File) IsEmpty() bool {
	return f.LocalPath == ""
}

// IsImage reports whether the file can be a member of a Telegram album.
func (f File) IsImage() bool {
	switch f.Type {
	case "image", "photo", "video":
		return true
	}
	return false
}

// BridgeMessage is one (group, message id) binding of a stored record.
// MessageID is nil for IRC relays and for peers that failed to send.
type BridgeMessage struct {
	Group     string `bson:"group" json:"group"`
	MessageID *int64 `bson:"message_id" json:"message_id"`
}

// Record is the persisted form of one logical cross-platform message.
// BridgeMessages[0] is always the origin; the rest are relays in fan-out
// order. Records are soft-deleted only.
type Record struct {
	ID             primitive.ObjectID  `bson:"_id,omitempty" json:"_id,omitempty"`
	System         bool                `bson:"system" json:"system"`
	Deleted        bool                `bson:"deleted" json:"deleted"`
	CreatedAt      time.Time           `bson:"created_at" json:"created_at"`
	EditedAt       *time.Time          `bson:"edited_at" json:"edited_at"`
	DeletedAt      *time.Time          `bson:"deleted_at" json:"deleted_at"`
	FromUserID     string              `bson:"from_user_id" json:"from_user_id"`
	FromNick       string              `bson:"from_nick" json:"from_nick"`
	Text           string              `bson:"text" json:"text"`
	FwdFrom        string              `bson:"fwd_from,omitempty" json:"fwd_from,omitempty"`
	ReplyTo        *primitive.ObjectID `bson:"reply_to,omitempty" json:"reply_to,omitempty"`
	Files          []File              `bson:"files" json:"files"`
	BridgeMessages []BridgeMessage     `bson:"bridge_messages" json:"bridge_messages"`
}

// MessageIDIn returns the native message id this record has in the given
// group, or nil when the record was never relayed there (or the relay
// failed).
func (r *Record) MessageIDIn(group string) *int64 {
	for _, bm := range r.BridgeMessages {
		if bm.Group == group && bm.MessageID != nil {
			return bm.MessageID
		}
	}
	return nil
}

// Message is the platform-neutral representation produced by listeners and
// consumed by the worker.
type Message struct {
	System         bool
	Text           string
	FromUserID     string
	FromNick       string
	FromGroup      string
	FromMessageID  *int64
	PlatformPrefix string
	CreatedAt      time.Time
	EditedAt       *time.Time
	FwdFrom        string
	ReplyTo        *Record
	Files          []File
}

func (m *Message) String() string {
	id := "-"
	if m.FromMessageID != nil {
		id = fmt.Sprintf("%d", *m.FromMessageID)
	}
	return fmt.Sprintf("[%s] %s:%s -> [%s - %s (%s)] %s [%d file(s)]",
		m.CreatedAt.Format(time.RFC3339), m.FromGroup, id,
		m.PlatformPrefix, m.FromNick, m.FromUserID, m.Text, len(m.Files))
}

// Action tags an internal task payload.
type Action string

const (
	ActionDelete   Action = "delete"
	ActionEdit     Action = "edit"
	ActionIRCNames Action = "ircnames"
	ActionIRCWhois Action = "ircwhois"
	ActionWhowas   Action = "ircwhowas"
)

// ReplyFunc answers the interaction a command task originated from.
type ReplyFunc func(ctx context.Context, text string) error

// Task is the internal payload variant of the event queue: edit/delete
// propagation and IRC lookup commands.
type Task struct {
	Action Action

	// Delete: records already marked deleted by the producing listener.
	Records []*Record

	// Edit: the record to update (bridge_messages pre-filtered to the
	// update targets) and the canonical form of the edited message.
	Record     *Record
	NewMessage *Message

	// Commands: target nick and the originating interaction.
	Target    string
	FromGroup string
	Reply     ReplyFunc
}

// Event is the tagged union carried by the queue: exactly one of Message
// (a forward) or Task (an internal action) is set.
type Event struct {
	Message *Message
	Task    *Task
}
