package conversation

import (
	"time"

	"github.com/google/uuid"
)

// ConversationID identifies a conversation. Server-assigned; opaque to the
// client core.
type ConversationID string

// MessageID identifies a message. Until the server confirms a send, the
// user message carries a client-generated local id; Finalize swaps it for
// the server id in place.
type MessageID string

const localIDPrefix = "local-"

// NewLocalMessageID returns a fresh client-side id for an optimistic message.
func NewLocalMessageID() MessageID {
	return MessageID(localIDPrefix + uuid.New().String())
}

// IsLocal reports whether the id was generated client-side and is still
// awaiting server confirmation.
func (id MessageID) IsLocal() bool {
	return len(id) > len(localIDPrefix) && id[:len(localIDPrefix)] == localIDPrefix
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Message is a single committed chat message. Content is immutable once the
// message has been finalized into a conversation.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	TokenCount     int            `json:"token_count,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewUserMessage builds an optimistic user message with a local id.
func NewUserMessage(conversationID ConversationID, text string) *Message {
	return &Message{
		ID:             NewLocalMessageID(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        text,
		CreatedAt:      time.Now(),
	}
}

// Conversation holds the metadata for one conversation. The ordered message
// list itself is owned by the store; insertion order is display order.
type Conversation struct {
	ID           ConversationID `json:"id"`
	Title        string         `json:"title"`
	MessageCount int            `json:"message_count"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TurnResult is the authoritative outcome of one completed turn, produced
// either by a stream's terminal record or by the fallback response. The
// store cannot tell the two apart.
type TurnResult struct {
	// UserMessage is the server-confirmed user message. Nil means the
	// server did not echo one back and the optimistic message stands.
	UserMessage *Message `json:"message,omitempty"`
	// AssistantMessage is the assistant reply to append.
	AssistantMessage *Message `json:"ai_message,omitempty"`
	// Conversation carries updated metadata (title, timestamps). Nil means
	// no metadata change beyond the message append.
	Conversation *Conversation `json:"conversation,omitempty"`
	// ResponseTimeMs is reported by the server on the fallback path.
	ResponseTimeMs int64 `json:"response_time_ms,omitempty"`
}
