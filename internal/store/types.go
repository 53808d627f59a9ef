package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message roles. The database enforces the same set with a CHECK constraint.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation groups the message exchange for a single client session.
// SessionID is the client-facing handle; ID is the internal primary key.
type Conversation struct {
	ID        uuid.UUID       `json:"id"`
	SessionID string          `json:"session_id"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Message is a single turn in a conversation. Attachment holds the raw
// bytes of an uploaded document when the turn originated from an upload;
// it is nil for plain chat turns.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Attachment     []byte    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationStats summarizes a conversation for listing and health views.
type ConversationStats struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	MessageCount   int64      `json:"message_count"`
	UserCount      int64      `json:"user_count"`
	AssistantCount int64      `json:"assistant_count"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
}
