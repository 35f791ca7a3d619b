package events

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu     sync.Mutex
	types  []EventType
	deltas []string
	done   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{})}
}

func (h *recordingHandler) record(t EventType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types = append(h.types, t)
}

func (h *recordingHandler) HandlePartial(_ context.Context, e *EventPartial) error {
	h.mu.Lock()
	h.deltas = append(h.deltas, e.Delta)
	h.mu.Unlock()
	h.record(EventTypePartial)
	return nil
}

func (h *recordingHandler) HandleToolCall(_ context.Context, _ *EventToolCall) error {
	h.record(EventTypeToolCall)
	return nil
}

func (h *recordingHandler) HandleComplete(_ context.Context, _ *EventComplete) error {
	h.record(EventTypeComplete)
	close(h.done)
	return nil
}

func (h *recordingHandler) HandleError(_ context.Context, _ *EventError) error {
	h.record(EventTypeError)
	close(h.done)
	return nil
}

func TestRouterDispatchesInPublishOrder(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)
	defer func() {
		_ = router.Close()
	}()

	handler := newRecordingHandler()
	router.AddTurnEventHandler("test-handler", DefaultTopic, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		_ = router.Run(ctx)
	}()
	<-router.Running()

	manager := NewPublisherManager()
	manager.SubscribePublisher(DefaultTopic, router.Publisher)

	metadata := testMetadata()
	require.NoError(t, manager.Publish(NewPartialEvent(metadata, "Hi", "Hi")))
	require.NoError(t, manager.Publish(NewPartialEvent(metadata, " there", "Hi there")))
	require.NoError(t, manager.Publish(NewCompleteEvent(metadata, nil)))

	select {
	case <-handler.done:
	case <-ctx.Done():
		t.Fatal("handler did not see the terminal event")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []EventType{EventTypePartial, EventTypePartial, EventTypeComplete}, handler.types)
	assert.Equal(t, []string{"Hi", " there"}, handler.deltas)
}

func TestPublisherManagerStampsSequenceNumbers(t *testing.T) {
	manager := NewPublisherManager()
	capture := &capturePublisher{}
	manager.SubscribePublisher("topic-a", capture)

	metadata := testMetadata()
	require.NoError(t, manager.Publish(NewPartialEvent(metadata, "a", "a")))
	require.NoError(t, manager.Publish(NewCompleteEvent(metadata, nil)))

	require.Len(t, capture.messages, 2)
	for i, msg := range capture.messages {
		seq, err := strconv.Atoi(msg.Metadata.Get("sequence_number"))
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}
	assert.Equal(t, string(EventTypePartial), capture.messages[0].Metadata.Get("event_type"))
	assert.Equal(t, string(EventTypeComplete), capture.messages[1].Metadata.Get("event_type"))
}

type capturePublisher struct {
	mu       sync.Mutex
	messages []*message.Message
}

func (p *capturePublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msgs...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }
