package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

type EventType string

const (
	// EventTypePartial carries one decoded content delta plus the running
	// completion so far.
	EventTypePartial EventType = "partial"
	// EventTypeToolCall is the side channel for tool invocations reported
	// by the stream; it never alters the accumulated content.
	EventTypeToolCall EventType = "tool-call"
	// EventTypeComplete is terminal: the turn finished and its result has
	// been committed to the conversation store.
	EventTypeComplete EventType = "complete"
	// EventTypeError is terminal: the turn failed and the optimistic
	// message has been rolled back.
	EventTypeError EventType = "error"
)

// Event is the closed variant consumed by turn subscribers. One dispatch
// per decoded stream record, strictly in arrival order.
type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata correlates an event with the turn that produced it.
type EventMetadata struct {
	TurnID         uuid.UUID                   `json:"turn_id"`
	ConversationID conversation.ConversationID `json:"conversation_id"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("turn_id", em.TurnID.String())
	e.Str("conversation_id", string(em.ConversationID))
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON the event was deserialized from, if any
	payload []byte
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }
func (e *EventImpl) Payload() []byte         { return e.payload }

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

// EventPartial is emitted once per decoded content record.
type EventPartial struct {
	EventImpl
	Delta string `json:"delta"`
	// Completion is the accumulated content including this delta.
	Completion string `json:"completion"`
}

func NewPartialEvent(metadata EventMetadata, delta string, completion string) *EventPartial {
	return &EventPartial{
		EventImpl:  EventImpl{Type_: EventTypePartial, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

func (e EventPartial) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta).Str("completion", e.Completion)
}

var _ Event = &EventPartial{}

// ToolCall is a tool invocation reported mid-stream together with its
// server-side result.
type ToolCall struct {
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (tc ToolCall) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("name", tc.Name)
}

type EventToolCall struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallEvent(metadata EventMetadata, toolCall ToolCall) *EventToolCall {
	return &EventToolCall{
		EventImpl: EventImpl{Type_: EventTypeToolCall, Metadata_: metadata},
		ToolCall:  toolCall,
	}
}

func (e EventToolCall) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Object("tool_call", e.ToolCall)
}

var _ Event = &EventToolCall{}

// EventComplete carries the committed turn result. Its content is the
// authoritative text, which may differ from the accumulated partials.
type EventComplete struct {
	EventImpl
	Result *conversation.TurnResult `json:"result"`
}

func NewCompleteEvent(metadata EventMetadata, result *conversation.TurnResult) *EventComplete {
	return &EventComplete{
		EventImpl: EventImpl{Type_: EventTypeComplete, Metadata_: metadata},
		Result:    result,
	}
}

func (e EventComplete) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	if e.Result != nil && e.Result.AssistantMessage != nil {
		ev.Str("assistant_message_id", string(e.Result.AssistantMessage.ID))
	}
}

var _ Event = &EventComplete{}

// EventError reports a failed turn. Cancelled reports caller-initiated
// cancellation, which consumers should not surface as an error banner.
type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
	Cancelled   bool   `json:"cancelled,omitempty"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

func NewCancelledEvent(metadata EventMetadata, err error) *EventError {
	ret := NewErrorEvent(metadata, err)
	ret.Cancelled = true
	return ret
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString).Bool("cancelled", e.Cancelled)
}

var _ Event = &EventError{}

// NewEventFromJSON rehydrates an event published through the router.
func NewEventFromJSON(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "could not read event header")
	}

	switch hdr.Type {
	case EventTypePartial:
		return unmarshalEvent[EventPartial](b)
	case EventTypeToolCall:
		return unmarshalEvent[EventToolCall](b)
	case EventTypeComplete:
		return unmarshalEvent[EventComplete](b)
	case EventTypeError:
		return unmarshalEvent[EventError](b)
	default:
		return nil, errors.Errorf("unknown event type %q", hdr.Type)
	}
}

func unmarshalEvent[T any, PT interface {
	*T
	Event
	SetPayload([]byte)
}](b []byte) (Event, error) {
	ret := PT(new(T))
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, errors.Wrapf(err, "could not unmarshal %T", ret)
	}
	ret.SetPayload(b)
	return ret, nil
}

// SetPayload stores the raw JSON the event was decoded from.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}
