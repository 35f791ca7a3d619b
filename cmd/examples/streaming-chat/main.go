package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/figaro/pkg/client"
	"github.com/go-go-golems/figaro/pkg/conversation"
	"github.com/go-go-golems/figaro/pkg/events"
	"github.com/go-go-golems/figaro/pkg/session"
	"github.com/go-go-golems/figaro/pkg/tokens"
)

type printHandler struct{}

func (printHandler) HandlePartial(_ context.Context, e *events.EventPartial) error {
	fmt.Print(e.Delta)
	return nil
}

func (printHandler) HandleToolCall(_ context.Context, e *events.EventToolCall) error {
	fmt.Printf("\n[tool: %s]\n", e.ToolCall.Name)
	return nil
}

func (printHandler) HandleComplete(_ context.Context, e *events.EventComplete) error {
	fmt.Println()
	if e.Result != nil && e.Result.AssistantMessage != nil {
		log.Info().
			Str("assistant_message_id", string(e.Result.AssistantMessage.ID)).
			Int("token_count", e.Result.AssistantMessage.TokenCount).
			Msg("turn completed")
	}
	return nil
}

func (printHandler) HandleError(_ context.Context, e *events.EventError) error {
	if e.Cancelled {
		log.Info().Msg("turn cancelled")
		return nil
	}
	log.Error().Str("reason", e.ErrorString).Msg("turn failed")
	return nil
}

var _ events.TurnEventHandler = printHandler{}

func run() error {
	baseURL := flag.String("base-url", "http://localhost:8000", "chat backend base URL")
	conversationID := flag.String("conversation", "", "conversation id (empty for a new one)")
	prompt := flag.String("prompt", "Hello", "message to send")
	token := flag.String("token", os.Getenv("FIGARO_TOKEN"), "bearer token")
	verbose := flag.Bool("verbose", false, "verbose event router logging")
	flag.Parse()

	routerOptions := []events.EventRouterOption{}
	if *verbose {
		routerOptions = append(routerOptions, events.WithVerbose())
	}
	router, err := events.NewEventRouter(routerOptions...)
	if err != nil {
		return errors.Wrap(err, "failed to create event router")
	}
	defer func() {
		_ = router.Close()
	}()

	router.AddTurnEventHandler("print", events.DefaultTopic, printHandler{})

	publisher := events.NewPublisherManager()
	publisher.SubscribePublisher(events.DefaultTopic, router.Publisher)

	credentials := client.CredentialProviderFunc(func(req *http.Request) error {
		if *token != "" {
			req.Header.Set("Authorization", "Bearer "+*token)
		}
		return nil
	})

	store := conversation.NewStore()
	chatClient := client.NewClient(*baseURL, client.WithCredentialProvider(credentials))

	counter, err := tokens.NewCounter("gpt-4")
	if err != nil {
		return errors.Wrap(err, "failed to create token counter")
	}

	controller := session.NewController(chatClient, store,
		session.WithPublisherManager(publisher),
		session.WithTokenCounter(counter),
	)

	eg := errgroup.Group{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eg.Go(func() error {
		defer cancel()
		return router.Run(ctx)
	})

	eg.Go(func() error {
		defer cancel()
		<-router.Running()

		turn, err := controller.SendMessage(ctx, conversation.ConversationID(*conversationID), *prompt)
		if err != nil {
			return errors.Wrap(err, "failed to send message")
		}

		<-turn.Done()

		if snapshot, ok := store.GetSnapshot(turn.ConversationID); ok {
			fmt.Println("\n=== Conversation ===")
			for _, msg := range snapshot.Messages {
				fmt.Printf("%s: %s\n", msg.Role, msg.Content)
			}
		}
		return nil
	})

	return eg.Wait()
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("streaming chat example failed")
	}
}
