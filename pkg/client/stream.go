package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/figaro/pkg/sse"
)

// StreamMessage opens the streaming variant of a chat turn. Decoded events
// arrive on the returned channel strictly in arrival order; the channel is
// closed after a terminal record or when the connection closes. A channel
// closed without a terminal record means the transport was lost mid-stream.
//
// Failures to open the stream (connection refused, rejected credential,
// non-2xx status) are returned as *TransportError so the caller can fall
// back to SendMessage.
func (c *Client) StreamMessage(ctx context.Context, req *SendRequest) (<-chan *sse.StreamEvent, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal send request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "could not create request")
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	if err := c.attachCredential(httpReq); err != nil {
		return nil, &TransportError{Op: "stream", Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "stream", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &TransportError{
			Op:         "stream",
			StatusCode: resp.StatusCode,
			Err:        errors.New(decodeErrorDetail(respBody)),
		}
	}

	eventCh := make(chan *sse.StreamEvent)
	go streamEvents(ctx, resp, eventCh)

	return eventCh, nil
}

func streamEvents(ctx context.Context, resp *http.Response, events chan<- *sse.StreamEvent) {
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)
	defer close(events)

	decoder := sse.NewDecoder()
	interpreter := sse.NewInterpreter()
	buf := make([]byte, 4096)
	eventCount := 0

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			frames := decoder.Feed(string(buf[:n]))
			if terminal := deliverFrames(ctx, interpreter, frames, events, &eventCount); terminal {
				return
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("stream read failed")
			}
			break
		}
	}

	// the stream may close without a trailing newline on the last record
	if frame, ok := decoder.Flush(); ok {
		deliverFrames(ctx, interpreter, []string{frame}, events, &eventCount)
	}

	log.Debug().
		Int("total_events", eventCount).
		Int("decode_errors", interpreter.DecodeErrors()).
		Msg("stream reader finished")
}

func deliverFrames(
	ctx context.Context,
	interpreter *sse.Interpreter,
	frames []string,
	events chan<- *sse.StreamEvent,
	eventCount *int,
) bool {
	for _, frame := range frames {
		event, err := interpreter.Interpret(frame)
		if err != nil {
			// malformed record, already logged; the stream continues
			continue
		}
		*eventCount++
		select {
		case events <- event:
		case <-ctx.Done():
			return true
		}
		if event.IsTerminal() {
			return true
		}
	}
	return false
}
