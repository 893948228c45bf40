package model

import "time"

// ChatEvent is a message-received event from the chat platform. Events are
// immutable once received. The ID is unique per delivery; the platform may
// redeliver the same logical message under the same ID after a timeout, so
// downstream processing must be idempotent on it.
type ChatEvent struct {
	ID          string    `json:"event_id"`
	ChannelID   string    `json:"channel_id"`
	AuthorID    string    `json:"author_id"`
	AuthorRoles []string  `json:"author_roles"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}
