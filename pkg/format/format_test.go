package format

import (
	"strings"
	"testing"

	"github.com/sipeed/chatbridge/pkg/bus"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "short stays", in: "hello", max: 50, want: "hello"},
		{name: "exact stays", in: "12345", max: 5, want: "12345"},
		{name: "long cut", in: "123456", max: 5, want: "12345..."},
		{name: "multibyte counts runes", in: "这是一条很长的消息", max: 4, want: "这是一条..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in, tt.max); got != tt.want {
				t.Fatalf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestRelayTextPlain(t *testing.T) {
	msg := &bus.Message{
		Text:           "hello",
		FromNick:       "alice",
		PlatformPrefix: "I",
	}

	tests := []struct {
		platform string
		want     string
	}{
		{platform: "telegram", want: "[I - **alice**] hello"},
		{platform: "discord", want: "[I - **alice**] hello"},
		{platform: "irc", want: "[I - \x02alice\x02] hello"},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			if got := RelayText(msg, tt.platform); got != tt.want {
				t.Fatalf("RelayText(%s) = %q, want %q", tt.platform, got, tt.want)
			}
		})
	}
}

func TestRelayTextSystem(t *testing.T) {
	msg := &bus.Message{System: true, Text: "<IRC: alice has quit>"}
	if got, want := RelayText(msg, "telegram"), "`<IRC: alice has quit>`"; got != want {
		t.Fatalf("telegram system = %q, want %q", got, want)
	}
	if got, want := RelayText(msg, "irc"), "<IRC: alice has quit>"; got != want {
		t.Fatalf("irc system = %q, want %q", got, want)
	}
}

func TestRelayTextForward(t *testing.T) {
	msg := &bus.Message{
		Text:           "check this",
		FromNick:       "bob",
		PlatformPrefix: "T",
		FwdFrom:        "Some Channel",
	}
	got := RelayText(msg, "discord")
	if want := "[T - **bob**] Fwd Some Channel: check this"; got != want {
		t.Fatalf("RelayText = %q, want %q", got, want)
	}
}

func TestRelayTextReplyOnlyOnIRC(t *testing.T) {
	msg := &bus.Message{
		Text:           "agreed",
		FromNick:       "bob",
		PlatformPrefix: "T",
		ReplyTo: &bus.Record{
			FromNick: "alice",
			Text:     strings.Repeat("x", 60),
		},
	}

	irc := RelayText(msg, "irc")
	wantIRC := "[T - \x02bob\x02] Re alice 「" + strings.Repeat("x", 50) + "...」: agreed"
	if irc != wantIRC {
		t.Fatalf("irc reply = %q, want %q", irc, wantIRC)
	}

	if tg := RelayText(msg, "telegram"); strings.Contains(tg, "Re ") {
		t.Fatalf("telegram rendering should not inline the reply: %q", tg)
	}
}

func TestRelayTextReplyDefaults(t *testing.T) {
	msg := &bus.Message{
		Text:           "nice",
		FromNick:       "bob",
		PlatformPrefix: "D",
		ReplyTo:        &bus.Record{},
	}
	got := RelayText(msg, "irc")
	if want := "[D - \x02bob\x02] Re Anonymous 「<media>」: nice"; got != want {
		t.Fatalf("RelayText = %q, want %q", got, want)
	}
}

func TestRelayTextFiles(t *testing.T) {
	photo := bus.File{
		Type:      "photo",
		LocalPath: "/tmp/a.jpg",
		PublicURL: "https://files.example.org/a.jpg",
		Metadata:  bus.FileMetadata{Width: 640, Height: 480, Size: 2048},
	}
	doc := bus.File{Type: "document", LocalPath: "/tmp/b.pdf"}

	t.Run("irc lists files with urls", func(t *testing.T) {
		msg := &bus.Message{Text: "look", FromNick: "a", PlatformPrefix: "T", Files: []bus.File{photo}}
		got := RelayText(msg, "irc")
		want := "[T - \x02a\x02] <photo: 640x480, 2.0 KB> https://files.example.org/a.jpg look"
		if got != want {
			t.Fatalf("RelayText = %q, want %q", got, want)
		}
	})

	t.Run("album shows a count elsewhere", func(t *testing.T) {
		msg := &bus.Message{Text: "pics", FromNick: "a", PlatformPrefix: "I", Files: []bus.File{photo, doc}}
		got := RelayText(msg, "discord")
		if want := "[I - **a**] <album: 2 files> pics"; got != want {
			t.Fatalf("RelayText = %q, want %q", got, want)
		}
	})

	t.Run("single file compact descriptor without url", func(t *testing.T) {
		msg := &bus.Message{Text: "pic", FromNick: "a", PlatformPrefix: "I", Files: []bus.File{photo}}
		got := RelayText(msg, "telegram")
		if want := "[I - **a**] <photo: 640x480, 2.0 KB> pic"; got != want {
			t.Fatalf("RelayText = %q, want %q", got, want)
		}
	})
}

func TestFileStringDuration(t *testing.T) {
	f := bus.File{Type: "voice", LocalPath: "/tmp/v.ogg", Metadata: bus.FileMetadata{Duration: 75}}
	if got, want := FileString(f, false), "<voice: 01:15> "; got != want {
		t.Fatalf("FileString = %q, want %q", got, want)
	}
}

func TestEditedNotice(t *testing.T) {
	old := &bus.Record{Text: strings.Repeat("a", 60)}
	updated := &bus.Message{Text: "new text"}
	got := EditedNotice(old, updated)
	want := "\x1e" + strings.Repeat("a", 50) + "..." + "\x1e \x02\x0312was edited to:\x03\x02 new text"
	if got != want {
		t.Fatalf("EditedNotice = %q, want %q", got, want)
	}
}

func TestDeletedNotice(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		got := DeletedNotice([]*bus.Record{{Text: "bye"}})
		if want := "\x1ebye\x1e \x02\x0304was deleted\x03\x02"; got != want {
			t.Fatalf("DeletedNotice = %q, want %q", got, want)
		}
	})
	t.Run("bulk", func(t *testing.T) {
		got := DeletedNotice([]*bus.Record{{Text: "first"}, {}, {}})
		if want := "\x1efirst\x1e and 2 more messages \x02\x0304were deleted\x03\x02"; got != want {
			t.Fatalf("DeletedNotice = %q, want %q", got, want)
		}
	})
	t.Run("empty", func(t *testing.T) {
		if got := DeletedNotice(nil); got != "" {
			t.Fatalf("DeletedNotice(nil) = %q, want empty", got)
		}
	})
}
