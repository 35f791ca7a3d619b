package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	chatPath   = "/api/chat"
	streamPath = "/api/chat/stream"
)

// CredentialProvider attaches an authentication credential to an outgoing
// request. The core does not know the credential's shape or lifecycle; a
// request rejected for authorization reasons surfaces as a TransportError
// like any other connection failure.
type CredentialProvider interface {
	AttachCredential(req *http.Request) error
}

// CredentialProviderFunc adapts a function to the CredentialProvider
// interface.
type CredentialProviderFunc func(req *http.Request) error

func (f CredentialProviderFunc) AttachCredential(req *http.Request) error {
	return f(req)
}

// Client issues chat requests against the assistant backend. It is
// stateless with respect to conversations; all conversation state lives in
// the store.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	credentials CredentialProvider
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithCredentialProvider(provider CredentialProvider) Option {
	return func(c *Client) {
		c.credentials = provider
	}
}

func NewClient(baseURL string, options ...Option) *Client {
	ret := &Client{
		httpClient: &http.Client{},
		baseURL:    baseURL,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// SendMessage issues the single-shot request carrying the same semantic
// payload as a streamed turn. It is the fallback path; its result feeds the
// same finalize call as a streamed completion.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal send request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "could not create request")
	}
	c.setHeaders(httpReq)

	if err := c.attachCredential(httpReq); err != nil {
		return nil, &TransportError{Op: "send", Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "send", Err: err}
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "send", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{
			Op:         "send",
			StatusCode: resp.StatusCode,
			Err:        errors.New(decodeErrorDetail(respBody)),
		}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, errors.Wrap(err, "could not decode chat response")
	}
	if !chatResp.Success {
		return nil, errors.New("chat request was not successful")
	}

	log.Debug().
		Int64("response_time_ms", chatResp.ResponseTimeMs).
		Msg("single-shot chat response received")

	return &chatResp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) attachCredential(req *http.Request) error {
	if c.credentials == nil {
		return nil
	}
	return c.credentials.AttachCredential(req)
}

func decodeErrorDetail(body []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Detail != "" {
		return errResp.Detail
	}
	return string(body)
}
