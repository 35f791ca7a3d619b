package sse

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

type StreamEventType string

const (
	ContentType  StreamEventType = "content"
	ToolCallType StreamEventType = "tool_call"
	CompleteType StreamEventType = "complete"
	ErrorType    StreamEventType = "error"
)

// FinalPayload is the authoritative payload of a complete record. When the
// server includes messages or bare content, they supersede whatever was
// accumulated from the content records.
type FinalPayload struct {
	Content        string                     `json:"content,omitempty"`
	Message        *conversation.Message      `json:"message,omitempty"`
	AIMessage      *conversation.Message      `json:"ai_message,omitempty"`
	Conversation   *conversation.Conversation `json:"conversation,omitempty"`
	ResponseTimeMs int64                      `json:"response_time_ms,omitempty"`
}

// StreamEvent is one decoded semantic record from the stream. Exactly one
// of the payload fields matching Type is set.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Content  string          `json:"content,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Response *FinalPayload   `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// IsTerminal reports whether no further records follow this one.
func (e *StreamEvent) IsTerminal() bool {
	return e.Type == CompleteType || e.Type == ErrorType
}

// Interpreter decodes raw frames into StreamEvents. A malformed frame is a
// per-record decode error, not a stream failure: Interpret reports it and
// the caller keeps reading. DecodeErrors counts how many frames were
// discarded this way.
type Interpreter struct {
	decodeErrors int
}

func NewInterpreter() *Interpreter {
	return &Interpreter{}
}

func (i *Interpreter) Interpret(frame string) (*StreamEvent, error) {
	var event StreamEvent
	if err := json.Unmarshal([]byte(frame), &event); err != nil {
		i.decodeErrors++
		log.Warn().Err(err).Str("frame", frame).Msg("discarding malformed stream frame")
		return nil, errors.Wrap(err, "could not decode stream frame")
	}

	switch event.Type {
	case ContentType, ToolCallType, CompleteType, ErrorType:
		return &event, nil
	default:
		i.decodeErrors++
		log.Warn().Str("type", string(event.Type)).Msg("discarding stream frame with unknown type")
		return nil, errors.Errorf("unknown stream record type %q", event.Type)
	}
}

func (i *Interpreter) DecodeErrors() int {
	return i.decodeErrors
}
