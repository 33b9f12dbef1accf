package format

import (
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// UTF16Len counts UTF-16 code units, which Telegram uses for entity offsets.
func UTF16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// Message accumulates text and Telegram entities so callers never have to
// escape user-supplied content for a parse mode.
type Message struct {
	b        strings.Builder
	offset   int
	entities []tgbotapi.MessageEntity
}

func (m *Message) Text(s string) *Message {
	m.b.WriteString(s)
	m.offset += UTF16Len(s)
	return m
}

func (m *Message) Bold(s string) *Message {
	return m.styled("bold", s)
}

func (m *Message) Italic(s string) *Message {
	return m.styled("italic", s)
}

func (m *Message) Code(s string) *Message {
	return m.styled("code", s)
}

func (m *Message) Line(s string) *Message {
	return m.Text(s + "\n")
}

func (m *Message) styled(kind, s string) *Message {
	if s == "" {
		return m
	}
	n := UTF16Len(s)
	m.entities = append(m.entities, tgbotapi.MessageEntity{Type: kind, Offset: m.offset, Length: n})
	m.b.WriteString(s)
	m.offset += n
	return m
}

func (m *Message) String() string {
	return strings.TrimRight(m.b.String(), " \n")
}

// Entities returns entities ordered by offset; trailing whitespace trimmed by
// String never overlaps an entity.
func (m *Message) Entities() []tgbotapi.MessageEntity {
	return m.entities
}
