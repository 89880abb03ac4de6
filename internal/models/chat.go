package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is the placeholder title of a session that has no user
// message yet.
const DefaultTitle = "New Chat"

// titleLimit is the number of runes of the first user message kept as the
// session title before truncation.
const titleLimit = 30

// Session represents a persisted, titled conversation containing an ordered
// list of messages. Message order is insertion order and is never reordered;
// the only trimming is deletion of the whole session.
type Session struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`

	// CreatedAt and UpdatedAt are epoch milliseconds. UpdatedAt is bumped on
	// every mutation of Messages and drives the most-recent-first ordering
	// of the persisted collection.
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// NewSession creates an empty session with a fresh id, the default title,
// and both timestamps set to now.
func NewSession() Session {
	now := Now()
	return Session{
		ID:        uuid.New().String(),
		Title:     DefaultTitle,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewUserMessage creates a completed user-authored message.
func NewUserMessage(text string) Message {
	return Message{
		ID:     uuid.New().String(),
		Text:   text,
		IsUser: true,
		State:  StateComplete,
	}
}

// NewAssistantMessage creates an empty assistant message in the pending
// state, to be filled in by the response renderer.
func NewAssistantMessage() Message {
	return Message{
		ID:    uuid.New().String(),
		State: StatePending,
	}
}

// Now returns the current time as epoch milliseconds, the unit used for all
// persisted timestamps.
func Now() int64 {
	return time.Now().UnixMilli()
}

// DeriveTitle returns the title implied by a message list: the first
// user-authored message truncated to 30 runes (with a trailing ellipsis when
// truncated), or ok=false when no user message exists and the caller should
// keep the prior title.
func DeriveTitle(messages []Message) (string, bool) {
	for _, msg := range messages {
		if !msg.IsUser {
			continue
		}
		runes := []rune(msg.Text)
		if len(runes) <= titleLimit {
			return msg.Text, true
		}
		return string(runes[:titleLimit]) + "...", true
	}
	return "", false
}

// FindMessage returns the message with the given id, if present.
func FindMessage(messages []Message, id string) (Message, bool) {
	for _, msg := range messages {
		if msg.ID == id {
			return msg, true
		}
	}
	return Message{}, false
}
