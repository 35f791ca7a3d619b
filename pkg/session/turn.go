package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/figaro/pkg/conversation"
	"github.com/go-go-golems/figaro/pkg/events"
)

// ErrCancelled is the failure reason of a turn that was cancelled by the
// caller. Consumers should treat it as a quiet failure, not an error
// banner.
var ErrCancelled = errors.New("turn cancelled")

// ErrTurnFinished is returned by Cancel when the turn already reached a
// terminal status.
var ErrTurnFinished = errors.New("turn already finished")

type Status string

const (
	StatusSending    Status = "sending"
	StatusStreaming  Status = "streaming"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no transitions lead out of the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Turn tracks one user-send-to-assistant-reply cycle. Status moves
// sending → streaming → finalizing → completed on the happy path and to
// failed on transport errors, protocol errors or cancellation. Terminal
// statuses are absorbing; a cancelled turn never reports completed.
type Turn struct {
	ID             uuid.UUID
	ConversationID conversation.ConversationID
	UserMessageID  conversation.MessageID
	StartedAt      time.Time

	mu          sync.Mutex
	status      Status
	accumulated strings.Builder
	failure     error
	cancelled   bool
	cancel      context.CancelFunc
	done        chan struct{}
}

func newTurn(
	conversationID conversation.ConversationID,
	userMessageID conversation.MessageID,
	cancel context.CancelFunc,
) *Turn {
	return &Turn{
		ID:             uuid.New(),
		ConversationID: conversationID,
		UserMessageID:  userMessageID,
		StartedAt:      time.Now(),
		status:         StatusSending,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

func (t *Turn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// IsTerminal reports whether the turn reached completed or failed.
func (t *Turn) IsTerminal() bool {
	return t.Status().IsTerminal()
}

// Err returns the failure reason of a failed turn, nil otherwise.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// Cancelled reports whether Cancel was invoked on the turn.
func (t *Turn) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done closes once the turn is terminal and its result has been merged
// into the store.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// AccumulatedContent returns the running content built from partial events.
// It is a hint; the terminal payload is ground truth.
func (t *Turn) AccumulatedContent() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accumulated.String()
}

// Cancel aborts the underlying transport and flips the turn to failed with
// ErrCancelled. It returns ErrTurnFinished if the turn is already being
// committed or is terminal: a commit in flight is atomic with respect to
// cancellation, which is how a cancelled turn is guaranteed to never report
// completed.
func (t *Turn) Cancel() error {
	t.mu.Lock()
	if t.status.IsTerminal() || t.status == StatusFinalizing {
		t.mu.Unlock()
		return ErrTurnFinished
	}
	t.status = StatusFailed
	t.failure = ErrCancelled
	t.cancelled = true
	t.mu.Unlock()

	t.cancelTransport()
	return nil
}

func (t *Turn) cancelTransport() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Turn) metadata() events.EventMetadata {
	return events.EventMetadata{
		TurnID:         t.ID,
		ConversationID: t.ConversationID,
	}
}

// markStreaming records arrival of the first stream event.
func (t *Turn) markStreaming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusSending {
		t.status = StatusStreaming
	}
}

// appendContent adds a delta to the accumulated buffer and returns the
// running total.
func (t *Turn) appendContent(delta string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accumulated.WriteString(delta)
	return t.accumulated.String()
}

// finalize runs the commit under the turn lock: status moves to finalizing,
// the commit callback executes, and the turn lands on completed or failed
// depending on its outcome. Cancellation cannot interleave with the commit.
func (t *Turn) finalize(commit func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		if t.failure != nil {
			return t.failure
		}
		return ErrTurnFinished
	}

	t.status = StatusFinalizing
	if err := commit(); err != nil {
		t.status = StatusFailed
		t.failure = err
		return err
	}
	t.status = StatusCompleted
	return nil
}

// fail moves a non-terminal turn to failed with the given reason. On an
// already failed turn the original reason is kept.
func (t *Turn) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		if t.failure == nil {
			t.failure = err
		}
		return
	}
	t.status = StatusFailed
	t.failure = err
}
