// Package format renders canonical messages into the per-platform relay
// text, plus the IRC-only edit and delete notices.
package format

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
)

// IRC control codes used in notices.
const (
	ircBold          = "\x02"
	ircStrikethrough = "\x1e"
	ircColorBlue     = "\x0312"
	ircColorRed      = "\x0304"
	ircColorReset    = "\x03"
)

// Truncate cuts s to at most max runes, appending "..." when cut.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// FileString renders one file descriptor, e.g. `<photo: 640x480, 35.2 KB> `.
// The public URL is appended only for IRC, which has no attachment support.
func FileString(f bus.File, withURL bool) string {
	var size []string
	if f.Metadata.Width > 0 && f.Metadata.Height > 0 {
		size = append(size, fmt.Sprintf("%dx%d", f.Metadata.Width, f.Metadata.Height))
	}
	if f.Metadata.Size > 0 {
		size = append(size, strconv.FormatFloat(float64(f.Metadata.Size)/1024.0, 'f', 1, 64)+" KB")
	}
	if f.Metadata.Duration > 0 {
		minutes := int(f.Metadata.Duration) / 60
		seconds := int(f.Metadata.Duration) % 60
		size = append(size, fmt.Sprintf("%02d:%02d", minutes, seconds))
	}
	sizeStr := ""
	if len(size) > 0 {
		sizeStr = ": " + strings.Join(size, ", ")
	}
	urlStr := ""
	if withURL && f.PublicURL != "" {
		urlStr = " " + f.PublicURL
	}
	return fmt.Sprintf("%s<%s%s>%s ", f.Metadata.Alt, f.Type, sizeStr, urlStr)
}

// RelayText converts a canonical message into the text to send on the
// target platform:
//
//	[<prefix> - <bold>nick</bold>] <reply?> <fwd?> <files?> <text>
//
// System messages carry no prefix and render as inline code where the
// platform supports it.
func RelayText(msg *bus.Message, platform string) string {
	if msg.System {
		code := "`"
		if platform == bridge.PlatformIRC {
			code = ""
		}
		return code + msg.Text + code
	}

	bold := ""
	switch platform {
	case bridge.PlatformTelegram, bridge.PlatformDiscord:
		bold = "**"
	case bridge.PlatformIRC:
		bold = ircBold
	}

	fileStr := ""
	if platform == bridge.PlatformIRC {
		var sb strings.Builder
		for _, f := range msg.Files {
			sb.WriteString(FileString(f, true))
		}
		fileStr = sb.String()
	} else if len(msg.Files) > 1 {
		fileStr = fmt.Sprintf("<album: %d files>", len(msg.Files))
	} else if len(msg.Files) == 1 {
		fileStr = FileString(msg.Files[0], false)
	}
	if fileStr != "" && !strings.HasSuffix(fileStr, " ") {
		fileStr += " "
	}

	fwdStr := ""
	if msg.FwdFrom != "" {
		fwdStr = fmt.Sprintf("Fwd %s: ", msg.FwdFrom)
	}

	// Other platforms have a native reply feature, only IRC users need the
	// replied message spelled out.
	replyStr := ""
	if msg.ReplyTo != nil && platform == bridge.PlatformIRC {
		replyText := msg.ReplyTo.Text
		if replyText == "" {
			replyText = "<media>"
		}
		replyNick := msg.ReplyTo.FromNick
		if replyNick == "" {
			replyNick = "Anonymous"
		}
		replyStr = fmt.Sprintf("Re %s 「%s」: ", replyNick, Truncate(replyText, 50))
	}

	return fmt.Sprintf("[%s - %s%s%s] %s%s%s%s",
		msg.PlatformPrefix, bold, msg.FromNick, bold, replyStr, fwdStr, fileStr, msg.Text)
}

// EditedNotice is the IRC-only notice for an edited bridged message:
// the old text struck through, then the new text.
func EditedNotice(old *bus.Record, updated *bus.Message) string {
	oldText := old.Text
	if oldText == "" {
		oldText = "An unknown message"
	}
	return fmt.Sprintf("%s%s%s %s%swas edited to:%s%s %s",
		ircStrikethrough, Truncate(oldText, 50), ircStrikethrough,
		ircBold, ircColorBlue, ircColorReset, ircBold, updated.Text)
}

// DeletedNotice is the IRC-only notice for deleted bridged messages. Only
// the first message's text is shown; bulk deletions add a count.
func DeletedNotice(old []*bus.Record) string {
	if len(old) == 0 {
		return ""
	}
	oldText := old[0].Text
	if oldText == "" {
		oldText = "An unknown message"
	}
	verb := "was"
	more := ""
	if len(old) > 1 {
		more = fmt.Sprintf(" and %d more messages", len(old)-1)
		verb = "were"
	}
	return fmt.Sprintf("%s%s%s%s %s%s%s deleted%s%s",
		ircStrikethrough, Truncate(oldText, 200), ircStrikethrough, more,
		ircBold, ircColorRed, verb, ircColorReset, ircBold)
}
