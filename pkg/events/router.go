package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// TurnEventHandler is the consumer-facing subscription interface. A view
// layer implements it and registers it on an EventRouter; handlers are
// invoked strictly in publish order.
type TurnEventHandler interface {
	HandlePartial(ctx context.Context, e *EventPartial) error
	HandleToolCall(ctx context.Context, e *EventToolCall) error
	HandleComplete(ctx context.Context, e *EventComplete) error
	HandleError(ctx context.Context, e *EventError) error
}

// EventRouter wires an in-process gochannel pub/sub to a watermill router
// so that UI layers can subscribe to turn events without owning the
// controller.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose() EventRouterOption {
	return func(r *EventRouter) {
		r.logger = NewWatermillAdapter(log.Logger)
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
	}

	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

// AddHandler registers a raw watermill handler on a topic.
func (e *EventRouter) AddHandler(name string, topic string, f message.NoPublishHandlerFunc) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// AddTurnEventHandler registers a TurnEventHandler for the topic, decoding
// published events and dispatching on their type.
func (e *EventRouter) AddTurnEventHandler(name string, topic string, handler TurnEventHandler) {
	e.AddHandler(name, topic, dispatchHandler(handler))
}

// Run blocks until the context is cancelled or the router shuts down.
func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

// Running returns a channel that closes once the router is ready.
func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) Close() error {
	log.Debug().Msg("closing event router publisher")
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close pubsub")
	}
	return e.router.Close()
}

func dispatchHandler(handler TurnEventHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		e, err := NewEventFromJSON(msg.Payload)
		if err != nil {
			// one undecodable message should not kill the handler
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("failed to parse turn event")
			return nil
		}

		ctx := msg.Context()
		switch ev := e.(type) {
		case *EventPartial:
			return handler.HandlePartial(ctx, ev)
		case *EventToolCall:
			return handler.HandleToolCall(ctx, ev)
		case *EventComplete:
			return handler.HandleComplete(ctx, ev)
		case *EventError:
			return handler.HandleError(ctx, ev)
		default:
			log.Warn().Str("event_type", string(e.Type())).Msg("unhandled turn event type")
			return nil
		}
	}
}
