package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/figaro/pkg/client"
	"github.com/go-go-golems/figaro/pkg/conversation"
	"github.com/go-go-golems/figaro/pkg/events"
	"github.com/go-go-golems/figaro/pkg/sse"
	"github.com/go-go-golems/figaro/pkg/tokens"
)

// Controller drives chat turns end-to-end: it opens the stream, folds
// decoded events into the turn in arrival order, commits the result to the
// conversation store and publishes lifecycle events. When the streaming
// transport fails before a terminal record it dispatches exactly one
// single-shot fallback whose result is indistinguishable from a streamed
// completion.
type Controller struct {
	client    *client.Client
	store     *conversation.Store
	publisher *events.PublisherManager
	settings  *client.Settings
	counter   *tokens.Counter
}

type ControllerOption func(*Controller)

// WithPublisherManager sets the publisher turn events go out on.
func WithPublisherManager(publisher *events.PublisherManager) ControllerOption {
	return func(c *Controller) {
		c.publisher = publisher
	}
}

// WithSettings applies per-request defaults (RAG, tools, temperature) to
// every send.
func WithSettings(settings *client.Settings) ControllerOption {
	return func(c *Controller) {
		c.settings = settings
	}
}

// WithTokenCounter enables client-side token estimation for messages the
// server reports without counts.
func WithTokenCounter(counter *tokens.Counter) ControllerOption {
	return func(c *Controller) {
		c.counter = counter
	}
}

func NewController(cl *client.Client, store *conversation.Store, options ...ControllerOption) *Controller {
	ret := &Controller{
		client: cl,
		store:  store,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// SendMessage starts one turn: it inserts the optimistic user message and
// opens the stream. It fails synchronously with conversation.ErrTurnActive,
// mutating nothing, when the conversation already has a non-terminal turn.
// The returned turn is live; use Done, Status and Cancel to follow it.
func (c *Controller) SendMessage(
	ctx context.Context,
	conversationID conversation.ConversationID,
	text string,
) (*Turn, error) {
	tempID, err := c.store.BeginSend(conversationID, text)
	if err != nil {
		return nil, err
	}

	req := c.newRequest(conversationID, text)
	turnCtx, cancel := context.WithCancel(ctx)
	turn := newTurn(conversationID, tempID, cancel)

	log.Debug().
		Str("turn_id", turn.ID.String()).
		Str("conversation_id", string(conversationID)).
		Str("temp_id", string(tempID)).
		Msg("turn opened")

	go c.run(turnCtx, turn, req)

	return turn, nil
}

func (c *Controller) newRequest(conversationID conversation.ConversationID, text string) *client.SendRequest {
	if c.settings != nil {
		return c.settings.NewSendRequest(conversationID, text)
	}
	return &client.SendRequest{Message: text, ConversationID: conversationID}
}

func (c *Controller) run(ctx context.Context, turn *Turn, req *client.SendRequest) {
	defer close(turn.done)
	defer turn.cancelTransport()

	eventCh, err := c.client.StreamMessage(ctx, req)
	if err != nil {
		var transportErr *client.TransportError
		if errors.As(err, &transportErr) && !turn.Cancelled() {
			c.dispatchFallback(ctx, turn, req, err)
			return
		}
		c.fail(turn, err)
		return
	}

	sawTerminal := false
	for event := range eventCh {
		if turn.IsTerminal() {
			// cancelled mid-stream; drain without further callbacks
			continue
		}
		turn.markStreaming()

		switch event.Type {
		case sse.ContentType:
			total := turn.appendContent(event.Content)
			c.store.ApplyPartial(turn.ConversationID, total)
			c.publish(events.NewPartialEvent(turn.metadata(), event.Content, total))

		case sse.ToolCallType:
			c.publish(events.NewToolCallEvent(turn.metadata(), events.ToolCall{
				Name:   event.Tool,
				Result: event.Result,
			}))

		case sse.CompleteType:
			sawTerminal = true
			c.finalize(turn, c.resultFromStream(turn, event.Response))

		case sse.ErrorType:
			// definitive application error: rollback, no fallback
			sawTerminal = true
			c.fail(turn, errors.New(event.Error))
		}
	}

	if sawTerminal {
		return
	}
	if turn.Cancelled() || ctx.Err() != nil {
		c.fail(turn, ErrCancelled)
		return
	}

	// the connection closed with no terminal record
	c.dispatchFallback(ctx, turn, req, errors.New("stream closed before a terminal record"))
}

// dispatchFallback issues the single synchronous retry for a turn whose
// streaming transport was lost. At most one fallback runs per send attempt.
func (c *Controller) dispatchFallback(ctx context.Context, turn *Turn, req *client.SendRequest, cause error) {
	log.Debug().
		Err(cause).
		Str("turn_id", turn.ID.String()).
		Msg("streaming transport failed, dispatching fallback request")

	if turn.Cancelled() {
		c.fail(turn, ErrCancelled)
		return
	}

	resp, err := c.client.SendMessage(ctx, req)
	if err != nil {
		c.fail(turn, errors.Wrap(err, "failed to send message"))
		return
	}

	c.finalize(turn, &conversation.TurnResult{
		UserMessage:      resp.Message,
		AssistantMessage: resp.AIMessage,
		Conversation:     resp.Conversation,
		ResponseTimeMs:   resp.ResponseTimeMs,
	})
}

// resultFromStream normalizes a terminal stream payload. The payload's
// content is authoritative; the accumulated buffer only stands in when the
// server sent nothing better.
func (c *Controller) resultFromStream(turn *Turn, payload *sse.FinalPayload) *conversation.TurnResult {
	result := &conversation.TurnResult{}
	if payload != nil {
		result.UserMessage = payload.Message
		result.AssistantMessage = payload.AIMessage
		result.Conversation = payload.Conversation
		result.ResponseTimeMs = payload.ResponseTimeMs
	}

	if result.AssistantMessage == nil {
		content := turn.AccumulatedContent()
		if payload != nil && payload.Content != "" {
			content = payload.Content
		}
		result.AssistantMessage = &conversation.Message{
			ID:             conversation.NewLocalMessageID(),
			ConversationID: turn.ConversationID,
			Role:           conversation.RoleAssistant,
			Content:        content,
			CreatedAt:      time.Now(),
		}
	}

	return result
}

func (c *Controller) finalize(turn *Turn, result *conversation.TurnResult) {
	c.ensureTokenCounts(result)

	err := turn.finalize(func() error {
		return c.store.Finalize(turn.ConversationID, turn.UserMessageID, result)
	})
	if err != nil {
		c.fail(turn, err)
		return
	}

	log.Debug().
		Str("turn_id", turn.ID.String()).
		Str("conversation_id", string(turn.ConversationID)).
		Msg("turn completed")

	c.publish(events.NewCompleteEvent(turn.metadata(), result))
}

// fail is the single failure funnel: the turn lands on failed, the
// optimistic message is rolled back and a failure event goes out. The store
// is left exactly as it was before the send.
func (c *Controller) fail(turn *Turn, err error) {
	turn.fail(err)
	reason := turn.Err()

	if rollbackErr := c.store.Rollback(turn.ConversationID, turn.UserMessageID, reason.Error()); rollbackErr != nil {
		log.Debug().
			Err(rollbackErr).
			Str("turn_id", turn.ID.String()).
			Msg("rollback found no pending send")
	}

	log.Debug().
		Err(reason).
		Str("turn_id", turn.ID.String()).
		Str("conversation_id", string(turn.ConversationID)).
		Bool("cancelled", turn.Cancelled()).
		Msg("turn failed")

	if errors.Is(reason, ErrCancelled) {
		c.publish(events.NewCancelledEvent(turn.metadata(), reason))
		return
	}
	c.publish(events.NewErrorEvent(turn.metadata(), reason))
}

func (c *Controller) ensureTokenCounts(result *conversation.TurnResult) {
	if c.counter == nil {
		return
	}
	for _, msg := range []*conversation.Message{result.UserMessage, result.AssistantMessage} {
		if msg != nil && msg.TokenCount == 0 {
			msg.TokenCount = c.counter.Count(msg.Content)
		}
	}
}

func (c *Controller) publish(event events.Event) {
	if c.publisher == nil {
		return
	}
	c.publisher.PublishBlind(event)
}
