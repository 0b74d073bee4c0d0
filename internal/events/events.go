// ABOUTME: Typed session lifecycle events published by the store handlers and generation.
// ABOUTME: These feed the per-session SSE tail; they are notifications, not history.

package events

import "time"

// Type names one kind of session activity.
type Type string

const (
	TypeSessionCreated      Type = "session_created"
	TypeSessionDeleted      Type = "session_deleted"
	TypeMessageAppended     Type = "message_appended"
	TypeMessagesRemoved     Type = "messages_removed"
	TypeGenerationStarted   Type = "generation_started"
	TypeGenerationCompleted Type = "generation_completed"
	TypeGenerationFailed    Type = "generation_failed"
)

// Event is one session activity notification. Only the fields relevant to
// the Type are set; everything else stays at its zero value and drops out of
// the JSON encoding.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role,omitempty"`
	Content   string    `json:"content,omitempty"`
	Tokens    int       `json:"tokens,omitempty"`
	Removed   int       `json:"removed,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
