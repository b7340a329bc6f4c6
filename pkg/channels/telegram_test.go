package channels

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestSplitChatID(t *testing.T) {
	tests := []struct {
		name   string
		chatID int64
		kind   chatKind
		bare   int64
	}{
		{name: "user", chatID: 314797898, kind: chatKindUser, bare: 314797898},
		{name: "basic group", chatID: -456, kind: chatKindChat, bare: 456},
		{name: "channel", chatID: -1001389787734, kind: chatKindChannel, bare: 1389787734},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, bare := splitChatID(tt.chatID)
			if kind != tt.kind || bare != tt.bare {
				t.Fatalf("splitChatID(%d) = (%v, %d), want (%v, %d)",
					tt.chatID, kind, bare, tt.kind, tt.bare)
			}
			if back := joinChatID(kind, bare); back != tt.chatID {
				t.Fatalf("joinChatID round trip = %d, want %d", back, tt.chatID)
			}
		})
	}
}

func TestPeerChatID(t *testing.T) {
	tests := []struct {
		name string
		peer tg.PeerClass
		want int64
	}{
		{name: "channel", peer: &tg.PeerChannel{ChannelID: 1389787734}, want: -1001389787734},
		{name: "chat", peer: &tg.PeerChat{ChatID: 456}, want: -456},
		{name: "user", peer: &tg.PeerUser{UserID: 314}, want: 314},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := peerChatID(tt.peer); got != tt.want {
				t.Fatalf("peerChatID = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseMarkup(t *testing.T) {
	t.Run("bold nick", func(t *testing.T) {
		clean, entities := parseMarkup("[T - **alice**] hello")
		if clean != "[T - alice] hello" {
			t.Fatalf("clean = %q", clean)
		}
		if len(entities) != 1 {
			t.Fatalf("entities = %d, want 1", len(entities))
		}
		bold, ok := entities[0].(*tg.MessageEntityBold)
		if !ok {
			t.Fatalf("entity type %T", entities[0])
		}
		if bold.Offset != 5 || bold.Length != 5 {
			t.Fatalf("bold at (%d, %d), want (5, 5)", bold.Offset, bold.Length)
		}
	})

	t.Run("inline code", func(t *testing.T) {
		clean, entities := parseMarkup("`<IRC: alice has quit>`")
		if clean != "<IRC: alice has quit>" {
			t.Fatalf("clean = %q", clean)
		}
		if len(entities) != 1 {
			t.Fatalf("entities = %d, want 1", len(entities))
		}
		if _, ok := entities[0].(*tg.MessageEntityCode); !ok {
			t.Fatalf("entity type %T", entities[0])
		}
	})

	t.Run("utf16 offsets for multibyte text", func(t *testing.T) {
		clean, entities := parseMarkup("中文 **名字** 后缀")
		if clean != "中文 名字 后缀" {
			t.Fatalf("clean = %q", clean)
		}
		bold := entities[0].(*tg.MessageEntityBold)
		// "中文 " is three UTF-16 units.
		if bold.Offset != 3 || bold.Length != 2 {
			t.Fatalf("bold at (%d, %d), want (3, 2)", bold.Offset, bold.Length)
		}
	})

	t.Run("unterminated markers stay literal", func(t *testing.T) {
		clean, entities := parseMarkup("a ** b ` c")
		if clean != "a ** b ` c" {
			t.Fatalf("clean = %q", clean)
		}
		if len(entities) != 0 {
			t.Fatalf("entities = %d, want 0", len(entities))
		}
	})
}

func TestSentMessageIDs(t *testing.T) {
	t.Run("short sent message", func(t *testing.T) {
		ids := sentMessageIDs(&tg.UpdateShortSentMessage{ID: 42})
		if len(ids) != 1 || ids[0] != 42 {
			t.Fatalf("ids = %v, want [42]", ids)
		}
	})

	t.Run("album updates deduplicate", func(t *testing.T) {
		ids := sentMessageIDs(&tg.Updates{Updates: []tg.UpdateClass{
			&tg.UpdateMessageID{ID: 11},
			&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 10}},
			&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 11}},
			&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 12}},
		}})
		if len(ids) != 3 || ids[0] != 10 || ids[2] != 12 {
			t.Fatalf("ids = %v, want [10 11 12]", ids)
		}
	})

	t.Run("empty updates", func(t *testing.T) {
		if ids := sentMessageIDs(&tg.Updates{}); len(ids) != 0 {
			t.Fatalf("ids = %v, want none", ids)
		}
	})
}
