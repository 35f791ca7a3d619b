package client

import (
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

// Settings holds the client configuration and per-request defaults. It is
// usually loaded from a YAML file.
type Settings struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	// Model is used for client-side token estimation when the server does
	// not report token counts.
	Model string `yaml:"model,omitempty"`

	UseRAG           *bool    `yaml:"use_rag,omitempty"`
	EnableTools      *bool    `yaml:"enable_tools,omitempty"`
	Temperature      *float64 `yaml:"temperature,omitempty"`
	ToolHandlingMode string   `yaml:"tool_handling_mode,omitempty"`
}

func LoadSettings(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read settings file %s", path)
	}

	settings := &Settings{}
	if err := yaml.Unmarshal(b, settings); err != nil {
		return nil, errors.Wrapf(err, "could not parse settings file %s", path)
	}
	if settings.BaseURL == "" {
		return nil, errors.New("settings file is missing base_url")
	}

	return settings, nil
}

// NewSendRequest builds a request for one turn with the settings' defaults
// applied.
func (s *Settings) NewSendRequest(conversationID conversation.ConversationID, message string) *SendRequest {
	return &SendRequest{
		Message:          message,
		ConversationID:   conversationID,
		UseRAG:           s.UseRAG,
		EnableTools:      s.EnableTools,
		Temperature:      s.Temperature,
		ToolHandlingMode: s.ToolHandlingMode,
	}
}

// NewClientFromSettings builds a client configured per the settings.
// Additional options override them.
func NewClientFromSettings(settings *Settings, options ...Option) *Client {
	httpClient := &http.Client{}
	if settings.TimeoutSeconds > 0 {
		httpClient.Timeout = time.Duration(settings.TimeoutSeconds) * time.Second
	}

	allOptions := append([]Option{WithHTTPClient(httpClient)}, options...)
	return NewClient(settings.BaseURL, allOptions...)
}
