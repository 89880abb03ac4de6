package models

// Message represents one turn in a conversation, authored by either the user
// or the assistant. ID is stable for the whole lifetime of the message; it is
// never reassigned, even when streaming finishes.
type Message struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	IsUser bool   `json:"isUser"`

	// State tracks the reveal lifecycle of an assistant message. It is
	// in-memory only: everything that reaches durable storage is terminal,
	// so loaded messages are normalized to StateComplete.
	State State `json:"-"`
}

// State is the reveal lifecycle state of a message.
type State string

const (
	// StatePending means the assistant message has no content yet; the UI
	// shows a thinking affordance.
	StatePending State = "pending"
	// StateStreaming means tokens are being revealed into the message.
	StateStreaming State = "streaming"
	// StateComplete means the full text has been revealed.
	StateComplete State = "complete"
	// StateCancelled means the reveal was stopped by the user; the partial
	// text is kept, not rolled back.
	StateCancelled State = "cancelled"
	// StateFailed means the upstream completion call failed; Text holds the
	// error string shown to the user.
	StateFailed State = "failed"
)

// IsTerminal reports whether the state permits no further text mutation.
func (s State) IsTerminal() bool {
	switch s {
	case StateComplete, StateCancelled, StateFailed:
		return true
	}
	return false
}
