package channels

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/gotd/td/tg"
)

// parseMarkup strips the markdown subset the relay format emits (**bold**
// and `inline code`) and returns the clean text plus the matching message
// entities. Telegram measures entity offsets in UTF-16 code units.
func parseMarkup(text string) (string, []tg.MessageEntityClass) {
	var (
		sb       strings.Builder
		entities []tg.MessageEntityClass
		offset   int // UTF-16 units written so far
	)

	writeRun := func(s string) {
		sb.WriteString(s)
		offset += len(utf16.Encode([]rune(s)))
	}

	for i := 0; i < len(text); {
		if strings.HasPrefix(text[i:], "**") {
			if end := strings.Index(text[i+2:], "**"); end >= 0 {
				inner := text[i+2 : i+2+end]
				start := offset
				writeRun(inner)
				entities = append(entities, &tg.MessageEntityBold{
					Offset: start,
					Length: offset - start,
				})
				i += 2 + end + 2
				continue
			}
		}
		if text[i] == '`' {
			if end := strings.IndexByte(text[i+1:], '`'); end >= 0 {
				inner := text[i+1 : i+1+end]
				start := offset
				writeRun(inner)
				entities = append(entities, &tg.MessageEntityCode{
					Offset: start,
					Length: offset - start,
				})
				i += 1 + end + 1
				continue
			}
		}

		r, size := utf8.DecodeRuneInString(text[i:])
		writeRun(string(r))
		i += size
	}
	return sb.String(), entities
}
