package client

import (
	"fmt"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

// SendRequest is the semantic payload of one chat turn. The same payload is
// sent on the streaming path and, verbatim, on the fallback path.
type SendRequest struct {
	Message          string                      `json:"message"`
	ConversationID   conversation.ConversationID `json:"conversation_id,omitempty"`
	UseRAG           *bool                       `json:"use_rag,omitempty"`
	EnableTools      *bool                       `json:"enable_tools,omitempty"`
	Temperature      *float64                    `json:"temperature,omitempty"`
	ToolHandlingMode string                      `json:"tool_handling_mode,omitempty"`
}

// ChatResponse is the single-shot response shape.
type ChatResponse struct {
	Success        bool                       `json:"success"`
	Message        *conversation.Message      `json:"message"`
	AIMessage      *conversation.Message      `json:"ai_message"`
	Conversation   *conversation.Conversation `json:"conversation"`
	ResponseTimeMs int64                      `json:"response_time_ms"`
}

// ErrorResponse is the API's error payload.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// TransportError marks connection-level failures: refused connections,
// aborted reads, non-2xx responses including rejected credentials. It is
// the retryable class that triggers the fallback path; a decoded error
// record from the stream is deliberately not a TransportError.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
