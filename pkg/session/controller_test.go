package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/figaro/pkg/client"
	"github.com/go-go-golems/figaro/pkg/conversation"
	"github.com/go-go-golems/figaro/pkg/events"
)

// eventCapture records every published turn event, decoded, in order.
type eventCapture struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *eventCapture) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range msgs {
		e, err := events.NewEventFromJSON(msg.Payload)
		if err != nil {
			return err
		}
		p.events = append(p.events, e)
	}
	return nil
}

func (p *eventCapture) Close() error { return nil }

func (p *eventCapture) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type fixture struct {
	store      *conversation.Store
	controller *Controller
	capture    *eventCapture
	chatCalls  atomic.Int32
}

// newFixture builds a controller against a test server. streamFn handles
// /api/chat/stream; chatResp, when non-nil, is served on /api/chat.
func newFixture(t *testing.T, streamFn http.HandlerFunc, chatResp *client.ChatResponse) (*fixture, func()) {
	t.Helper()
	f := &fixture{
		store:   conversation.NewStore(),
		capture: &eventCapture{},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat/stream":
			streamFn(w, r)
		case "/api/chat":
			f.chatCalls.Add(1)
			if chatResp == nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"detail":"no fallback configured"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(chatResp)
		default:
			http.NotFound(w, r)
		}
	}))

	manager := events.NewPublisherManager()
	manager.SubscribePublisher(events.DefaultTopic, f.capture)

	f.controller = NewController(
		client.NewClient(server.URL),
		f.store,
		WithPublisherManager(manager),
	)
	return f, server.Close
}

func seedConversation(store *conversation.Store) conversation.ConversationID {
	convID := conversation.ConversationID("conv-1")
	store.Seed(
		conversation.Conversation{ID: convID, Title: "greetings", UpdatedAt: time.Unix(1000, 0)},
		nil,
	)
	return convID
}

func writeFrames(w http.ResponseWriter, frames ...string) {
	flusher := w.(http.Flusher)
	for _, frame := range frames {
		_, _ = w.Write([]byte("data: " + frame + "\n"))
		flusher.Flush()
	}
}

func waitDone(t *testing.T, turn *Turn) {
	t.Helper()
	select {
	case <-turn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}
}

func eventTypes(captured []events.Event) []events.EventType {
	ret := make([]events.EventType, 0, len(captured))
	for _, e := range captured {
		ret = append(ret, e.Type())
	}
	return ret
}

func TestStreamedTurnCompletes(t *testing.T) {
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w,
			`{"type":"content","content":"Hi"}`,
			`{"type":"content","content":" there"}`,
			`{"type":"complete","response":{"message":{"id":"srv-1","role":"user","content":"Hello"},"ai_message":{"id":"srv-2","role":"assistant","content":"Hi there"}}}`,
		)
	}, nil)
	defer closeServer()

	convID := seedConversation(f.store)
	turn, err := f.controller.SendMessage(context.Background(), convID, "Hello")
	require.NoError(t, err)
	waitDone(t, turn)

	assert.Equal(t, StatusCompleted, turn.Status())
	assert.NoError(t, turn.Err())
	assert.Equal(t, "Hi there", turn.AccumulatedContent())

	snap, ok := f.store.GetSnapshot(convID)
	require.True(t, ok)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, conversation.MessageID("srv-1"), snap.Messages[0].ID)
	assert.Equal(t, "Hello", snap.Messages[0].Content)
	assert.Equal(t, conversation.MessageID("srv-2"), snap.Messages[1].ID)
	assert.Equal(t, "Hi there", snap.Messages[1].Content)
	assert.Equal(t, 2, snap.Conversation.MessageCount)
	assert.Empty(t, snap.Typing)
	assert.False(t, f.store.HasActiveTurn(convID))

	captured := f.capture.all()
	require.Equal(t, []events.EventType{
		events.EventTypePartial,
		events.EventTypePartial,
		events.EventTypeComplete,
	}, eventTypes(captured))

	first := captured[0].(*events.EventPartial)
	assert.Equal(t, "Hi", first.Delta)
	assert.Equal(t, "Hi", first.Completion)
	second := captured[1].(*events.EventPartial)
	assert.Equal(t, " there", second.Delta)
	assert.Equal(t, "Hi there", second.Completion)
	complete := captured[2].(*events.EventComplete)
	assert.Equal(t, "Hi there", complete.Result.AssistantMessage.Content)

	assert.Equal(t, int32(0), f.chatCalls.Load())
}

func TestTerminalPayloadOverridesAccumulated(t *testing.T) {
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w,
			`{"type":"content","content":"Hi ther"}`,
			`{"type":"complete","response":{"content":"Hi there, friend"}}`,
		)
	}, nil)
	defer closeServer()

	convID := seedConversation(f.store)
	turn, err := f.controller.SendMessage(context.Background(), convID, "Hello")
	require.NoError(t, err)
	waitDone(t, turn)

	require.Equal(t, StatusCompleted, turn.Status())
	snap, _ := f.store.GetSnapshot(convID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Hi there, friend", snap.Messages[1].Content)
	assert.Equal(t, conversation.RoleAssistant, snap.Messages[1].Role)
}

func TestToolCallEventsAreSideChannel(t *testing.T) {
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w,
			`{"type":"content","content":"Looking"}`,
			`{"type":"tool_call","tool":"search","result":{"hits":2}}`,
			`{"type":"content","content":" it up"}`,
			`{"type":"complete","response":{"content":"Looking it up"}}`,
		)
	}, nil)
	defer closeServer()

	convID := seedConversation(f.store)
	turn, err := f.controller.SendMessage(context.Background(), convID, "find it")
	require.NoError(t, err)
	waitDone(t, turn)

	assert.Equal(t, "Looking it up", turn.AccumulatedContent())

	captured := f.capture.all()
	require.Equal(t, []events.EventType{
		events.EventTypePartial,
		events.EventTypeToolCall,
		events.EventTypePartial,
		events.EventTypeComplete,
	}, eventTypes(captured))
	toolCall := captured[1].(*events.EventToolCall)
	assert.Equal(t, "search", toolCall.ToolCall.Name)
}

func TestFallbackAfterZeroByteStreamClose(t *testing.T) {
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		// connection closes before any record
	}, &client.ChatResponse{
		Success:   true,
		Message:   &conversation.Message{ID: "srv-1", Role: conversation.RoleUser, Content: "Ping"},
		AIMessage: &conversation.Message{ID: "srv-2", Role: conversation.RoleAssistant, Content: "Pong"},
	})
	defer closeServer()

	convID := seedConversation(f.store)
	turn, err := f.controller.SendMessage(context.Background(), convID, "Ping")
	require.NoError(t, err)
	waitDone(t, turn)

	assert.Equal(t, StatusCompleted, turn.Status())
	assert.Equal(t, int32(1), f.chatCalls.Load())

	snap, _ := f.store.GetSnapshot(convID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Ping", snap.Messages[0].Content)
	assert.Equal(t, conversation.RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "Pong", snap.Messages[1].Content)
	assert.Equal(t, 2, snap.Conversation.MessageCount)

	// same terminal event as a streamed completion
	captured := f.capture.all()
	require.Equal(t, []events.EventType{events.EventTypeComplete}, eventTypes(captured))
}

func TestFallbackAfterMidStreamTransportLoss(t *testing.T) {
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"type":"content","content":"Po"}`)
		// drop the connection before a terminal record
	}, &client.ChatResponse{
		Success:   true,
		AIMessage: &conversation.Message{ID: "srv-2", Role: conversation.RoleAssistant, Content: "Pong"},
	})
	defer closeServer()

	convID := seedConversation(f.store)
	turn, err := f.controller.SendMessage(context.Background(), convID, "Ping")
	require.NoError(t, err)
	waitDone(t, turn)

	assert.Equal(t, StatusCompleted, turn.Status())
	assert.Equal(t, int32(1), f.chatCalls.Load())

	snap, _ := f.store.GetSnapshot(convID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Pong", snap.Messages[1].Content)
	// the optimistic user message stands, not duplicated
	assert.Equal(t, "Ping", snap.Messages[0].Content)
	assert.True(t, snap.Messages[0].ID.IsLocal())
}

func TestFallbackAfterStreamOpenFailure(t *testing.T) {
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, &client.ChatResponse{
		Success:   true,
		AIMessage: &conversation.Message{ID: "srv-2", Role: conversation.RoleAssistant, Content: "Pong"},
	})
	defer closeServer()

	convID := seedConversation(f.store)
	turn, err := f.controller.SendMessage(context.Background(), convID, "Ping")
	require.NoError(t, err)
	waitDone(t, turn)

	assert.Equal(t, StatusCompleted, turn.Status())
	assert.Equal(t, int32(1), f.chatCalls.Load())
}

func TestFallbackRunsAtMostOnce(t *testing.T) {
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, nil)
	defer closeServer()

	convID := seedConversation(f.store)
	turn, err := f.controller.SendMessage(context.Background(), convID, "Ping")
	require.NoError(t, err)
	waitDone(t, turn)

	assert.Equal(t, StatusFailed, turn.Status())
	assert.Equal(t, int32(1), f.chatCalls.Load())

	snap, _ := f.store.GetSnapshot(convID)
	assert.Empty(t, snap.Messages)
	assert.NotEmpty(t, snap.LastError)
	assert.False(t, f.store.HasActiveTurn(convID))

	captured := f.capture.all()
	require.Equal(t, []events.EventType{events.EventTypeError}, eventTypes(captured))
	assert.False(t, captured[0].(*events.EventError).Cancelled)
}

func TestProtocolErrorRecordRollsBackWithoutFallback(t *testing.T) {
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w,
			`{"type":"content","content":"par"}`,
			`{"type":"error","error":"rate_limited"}`,
		)
	}, &client.ChatResponse{Success: true})
	defer closeServer()

	convID := seedConversation(f.store)
	before, _ := f.store.GetSnapshot(convID)

	turn, err := f.controller.SendMessage(context.Background(), convID, "X")
	require.NoError(t, err)
	waitDone(t, turn)

	assert.Equal(t, StatusFailed, turn.Status())
	assert.EqualError(t, turn.Err(), "rate_limited")
	// a decoded error record is definitive, never retried
	assert.Equal(t, int32(0), f.chatCalls.Load())

	after, _ := f.store.GetSnapshot(convID)
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.Conversation, after.Conversation)
	assert.Equal(t, "rate_limited", after.LastError)
	assert.Empty(t, after.Typing)

	captured := f.capture.all()
	require.NotEmpty(t, captured)
	last := captured[len(captured)-1]
	require.Equal(t, events.EventTypeError, last.Type())
	assert.Equal(t, "rate_limited", last.(*events.EventError).ErrorString)
	assert.False(t, last.(*events.EventError).Cancelled)
}

func TestCancelMidStream(t *testing.T) {
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"type":"content","content":"Hi"}`)
		<-r.Context().Done()
	}, &client.ChatResponse{Success: true})
	defer closeServer()

	convID := seedConversation(f.store)
	turn, err := f.controller.SendMessage(context.Background(), convID, "Hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return turn.AccumulatedContent() == "Hi"
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, turn.Cancel())
	waitDone(t, turn)

	assert.Equal(t, StatusFailed, turn.Status())
	assert.ErrorIs(t, turn.Err(), ErrCancelled)
	assert.True(t, turn.Cancelled())
	// cancellation never falls back
	assert.Equal(t, int32(0), f.chatCalls.Load())

	snap, _ := f.store.GetSnapshot(convID)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Typing)
	assert.False(t, f.store.HasActiveTurn(convID))

	captured := f.capture.all()
	require.NotEmpty(t, captured)
	last := captured[len(captured)-1]
	require.Equal(t, events.EventTypeError, last.Type())
	assert.True(t, last.(*events.EventError).Cancelled)
	for _, e := range captured {
		assert.NotEqual(t, events.EventTypeComplete, e.Type())
	}
}

func TestSecondSendRejectedWhileTurnActive(t *testing.T) {
	release := make(chan struct{})
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"type":"content","content":"Hi"}`)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		writeFrames(w, `{"type":"complete","response":{"content":"Hi"}}`)
	}, nil)
	defer closeServer()

	convID := seedConversation(f.store)
	turn, err := f.controller.SendMessage(context.Background(), convID, "Hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return turn.AccumulatedContent() == "Hi"
	}, 5*time.Second, 5*time.Millisecond)

	_, err = f.controller.SendMessage(context.Background(), convID, "too eager")
	require.ErrorIs(t, err, conversation.ErrTurnActive)

	close(release)
	waitDone(t, turn)

	assert.Equal(t, StatusCompleted, turn.Status())
	snap, _ := f.store.GetSnapshot(convID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Hello", snap.Messages[0].Content)
	assert.False(t, f.store.HasActiveTurn(convID))
}

func TestSendToUnknownConversationRollsBackCleanly(t *testing.T) {
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"type":"error","error":"conversation not found"}`)
	}, nil)
	defer closeServer()

	convID := conversation.ConversationID("never-seen")
	turn, err := f.controller.SendMessage(context.Background(), convID, "hi")
	require.NoError(t, err)
	waitDone(t, turn)

	assert.Equal(t, StatusFailed, turn.Status())
	_, ok := f.store.GetSnapshot(convID)
	assert.False(t, ok)
}

func TestNextSendAllowedAfterFailedTurn(t *testing.T) {
	f, closeServer := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"type":"error","error":"boom"}`)
	}, nil)
	defer closeServer()

	convID := seedConversation(f.store)
	turn, err := f.controller.SendMessage(context.Background(), convID, "first")
	require.NoError(t, err)
	waitDone(t, turn)
	require.Equal(t, StatusFailed, turn.Status())

	turn, err = f.controller.SendMessage(context.Background(), convID, "second")
	require.NoError(t, err)
	waitDone(t, turn)
}

func TestSettingsDefaultsAppliedToRequests(t *testing.T) {
	var gotReq client.SendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		writeFrames(w, `{"type":"complete","response":{"content":"ok"}}`)
	}))
	defer server.Close()

	useRAG := true
	controller := NewController(
		client.NewClient(server.URL),
		conversation.NewStore(),
		WithSettings(&client.Settings{
			BaseURL:          server.URL,
			UseRAG:           &useRAG,
			ToolHandlingMode: "auto",
		}),
	)

	turn, err := controller.SendMessage(context.Background(), "conv-1", "Hello")
	require.NoError(t, err)
	waitDone(t, turn)

	assert.Equal(t, "Hello", gotReq.Message)
	require.NotNil(t, gotReq.UseRAG)
	assert.True(t, *gotReq.UseRAG)
	assert.Equal(t, "auto", gotReq.ToolHandlingMode)
}
