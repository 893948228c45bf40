// Package compose derives canonical issue-creation requests from chat
// events.
package compose

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmaddaus/issuebridge/internal/model"
)

// maxTitleRunes mirrors the issue form's title limit on the chat side.
const maxTitleRunes = 100

// ErrEmptyContent reports that an event had no usable text after trimming.
// It is a terminal, reported outcome rather than a silent drop: an event
// must not produce a content-less issue.
var ErrEmptyContent = errors.New("empty message content")

// Compose derives a canonical issue request from a chat event. It is a pure
// function of the event: the same event always yields the same request.
func Compose(ev *model.ChatEvent) (*model.IssueRequest, error) {
	content := strings.TrimSpace(ev.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	return &model.IssueRequest{
		Title:         titleOf(content),
		Body:          bodyOf(ev, content),
		SourceEventID: ev.ID,
	}, nil
}

// titleOf takes the first line of the (already trimmed) content, truncated
// to the title limit.
func titleOf(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) > maxTitleRunes {
		runes := []rune(line)
		line = string(runes[:maxTitleRunes-1]) + "…"
	}
	return line
}

// bodyOf renders the full content plus a provenance trailer, so tracker
// issues stay traceable to their origin even if the original message is
// later edited or deleted.
func bodyOf(ev *model.ChatEvent, content string) string {
	var b strings.Builder
	b.WriteString("**Description:**\n")
	b.WriteString(content)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "Reported by `%s` in channel `%s` at %s.\n",
		ev.AuthorID, ev.ChannelID, ev.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}
