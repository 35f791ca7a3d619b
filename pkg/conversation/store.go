package conversation

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrTurnActive is returned by BeginSend when the conversation already has a
// send in flight. The caller's state is left untouched.
var ErrTurnActive = errors.New("conversation already has an active turn")

// ErrNoPendingSend is returned by Finalize and Rollback when the given
// temporary id does not match an in-flight send for the conversation.
var ErrNoPendingSend = errors.New("no pending send for conversation")

// ChangeKind describes what a store notification refers to.
type ChangeKind string

const (
	ChangeSend     ChangeKind = "send"
	ChangePartial  ChangeKind = "partial"
	ChangeFinalize ChangeKind = "finalize"
	ChangeRollback ChangeKind = "rollback"
)

// Change is delivered to subscribers after every committed store mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID ConversationID
}

// Snapshot is a deep copy of one conversation's state, safe to hand to a
// view layer.
type Snapshot struct {
	Conversation Conversation
	Messages     []Message
	// Typing is the transient assistant projection while a stream is in
	// flight. Empty once the turn is terminal.
	Typing string
	// LastError is the reason surfaced by the most recent rollback, if any.
	LastError string
}

type pendingSend struct {
	tempID MessageID
	// state needed to restore the conversation exactly on rollback
	prevUpdatedAt time.Time
	prevCount     int
	created       bool
}

type conversationState struct {
	meta      Conversation
	order     []MessageID
	messages  map[MessageID]*Message
	typing    string
	lastError string
	pending   *pendingSend
}

// Store is the authoritative in-memory model of conversations and their
// messages. All mutation goes through its methods; readers get deep copies.
type Store struct {
	mu            sync.Mutex
	conversations map[ConversationID]*conversationState
	subscribers   []func(Change)
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[ConversationID]*conversationState),
	}
}

// Subscribe registers a change callback. Callbacks run synchronously after
// the mutation has been committed and must not call back into the store.
func (s *Store) Subscribe(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) notify(change Change) {
	for _, fn := range s.subscribers {
		fn(change)
	}
}

// Seed inserts a conversation with existing messages, e.g. from an initial
// server fetch. Existing state for the id is replaced.
func (s *Store) Seed(conv Conversation, messages []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &conversationState{
		meta:     conv,
		messages: make(map[MessageID]*Message, len(messages)),
	}
	for i := range messages {
		msg := messages[i]
		state.order = append(state.order, msg.ID)
		state.messages[msg.ID] = &msg
	}
	state.meta.MessageCount = len(state.order)
	s.conversations[conv.ID] = state
}

// BeginSend appends an optimistic user message and arms the one-turn guard.
// It fails with ErrTurnActive, mutating nothing, when a send is already in
// flight for the conversation. Unknown conversation ids get a fresh entry
// that a rollback removes again.
func (s *Store) BeginSend(conversationID ConversationID, text string) (MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.conversations[conversationID]
	created := false
	if !ok {
		state = &conversationState{
			meta:     Conversation{ID: conversationID},
			messages: make(map[MessageID]*Message),
		}
		created = true
	}

	if state.pending != nil {
		log.Debug().
			Str("conversation_id", string(conversationID)).
			Str("temp_id", string(state.pending.tempID)).
			Msg("rejecting send, turn already active")
		return "", ErrTurnActive
	}

	msg := NewUserMessage(conversationID, text)
	pending := &pendingSend{
		tempID:        msg.ID,
		prevUpdatedAt: state.meta.UpdatedAt,
		prevCount:     state.meta.MessageCount,
		created:       created,
	}

	state.order = append(state.order, msg.ID)
	state.messages[msg.ID] = msg
	state.meta.MessageCount = len(state.order)
	state.meta.UpdatedAt = msg.CreatedAt
	state.lastError = ""
	state.pending = pending
	if created {
		s.conversations[conversationID] = state
	}

	log.Debug().
		Str("conversation_id", string(conversationID)).
		Str("temp_id", string(msg.ID)).
		Int("message_count", state.meta.MessageCount).
		Msg("optimistic user message inserted")

	s.notify(Change{Kind: ChangeSend, ConversationID: conversationID})
	return msg.ID, nil
}

// ApplyPartial updates the transient assistant projection. The committed
// message list is untouched.
func (s *Store) ApplyPartial(conversationID ConversationID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.conversations[conversationID]
	if !ok || state.pending == nil {
		return
	}
	state.typing = content
	s.notify(Change{Kind: ChangePartial, ConversationID: conversationID})
}

// Finalize is the single commit point for a turn. It atomically replaces the
// temporary user message with the server-confirmed one at the same position,
// appends the assistant message, updates conversation metadata from the
// authoritative payload and discards all transient state.
func (s *Store) Finalize(conversationID ConversationID, tempID MessageID, result *TurnResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.conversations[conversationID]
	if !ok || state.pending == nil || state.pending.tempID != tempID {
		return errors.Wrapf(ErrNoPendingSend, "conversation %s", conversationID)
	}

	idx := indexOf(state.order, tempID)
	if idx < 0 {
		return errors.Wrapf(ErrNoPendingSend, "temporary message %s not found", tempID)
	}

	if result.UserMessage != nil {
		confirmed := *result.UserMessage
		if confirmed.ConversationID == "" {
			confirmed.ConversationID = conversationID
		}
		delete(state.messages, tempID)
		state.order[idx] = confirmed.ID
		state.messages[confirmed.ID] = &confirmed
	}

	if result.AssistantMessage != nil {
		assistant := *result.AssistantMessage
		if assistant.ConversationID == "" {
			assistant.ConversationID = conversationID
		}
		state.order = append(state.order, assistant.ID)
		state.messages[assistant.ID] = &assistant
	}

	now := time.Now()
	if result.Conversation != nil {
		if result.Conversation.Title != "" {
			state.meta.Title = result.Conversation.Title
		}
		if !result.Conversation.UpdatedAt.IsZero() {
			now = result.Conversation.UpdatedAt
		}
	}
	state.meta.MessageCount = len(state.order)
	state.meta.UpdatedAt = now
	state.typing = ""
	state.lastError = ""
	state.pending = nil

	log.Debug().
		Str("conversation_id", string(conversationID)).
		Int("message_count", state.meta.MessageCount).
		Msg("turn finalized")

	s.notify(Change{Kind: ChangeFinalize, ConversationID: conversationID})
	return nil
}

// Rollback removes the temporary user message and restores the conversation
// to exactly its state before the corresponding BeginSend. The reason is
// retained for display.
func (s *Store) Rollback(conversationID ConversationID, tempID MessageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.conversations[conversationID]
	if !ok || state.pending == nil || state.pending.tempID != tempID {
		return errors.Wrapf(ErrNoPendingSend, "conversation %s", conversationID)
	}

	pending := state.pending
	idx := indexOf(state.order, tempID)
	if idx >= 0 {
		state.order = append(state.order[:idx], state.order[idx+1:]...)
		delete(state.messages, tempID)
	}

	state.typing = ""
	state.pending = nil
	state.meta.UpdatedAt = pending.prevUpdatedAt
	state.meta.MessageCount = pending.prevCount
	state.lastError = reason

	if pending.created {
		delete(s.conversations, conversationID)
	}

	log.Debug().
		Str("conversation_id", string(conversationID)).
		Str("temp_id", string(tempID)).
		Str("reason", reason).
		Msg("turn rolled back")

	s.notify(Change{Kind: ChangeRollback, ConversationID: conversationID})
	return nil
}

// HasActiveTurn reports whether a non-terminal turn exists for the
// conversation.
func (s *Store) HasActiveTurn(conversationID ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.conversations[conversationID]
	return ok && state.pending != nil
}

// GetSnapshot returns a deep copy of the conversation's current state.
func (s *Store) GetSnapshot(conversationID ConversationID) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.conversations[conversationID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotLocked(state), true
}

// Conversations returns deep copies of every conversation's metadata.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]Conversation, 0, len(s.conversations))
	for _, state := range s.conversations {
		ret = append(ret, state.meta)
	}
	return ret
}

func snapshotLocked(state *conversationState) Snapshot {
	msgs := make([]Message, 0, len(state.order))
	for _, id := range state.order {
		if msg, ok := state.messages[id]; ok {
			msgs = append(msgs, *msg)
		}
	}
	return Snapshot{
		Conversation: state.meta,
		Messages:     msgs,
		Typing:       state.typing,
		LastError:    state.lastError,
	}
}

func indexOf(order []MessageID, id MessageID) int {
	for i, candidate := range order {
		if candidate == id {
			return i
		}
	}
	return -1
}
