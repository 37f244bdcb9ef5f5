package event

import (
	"errors"
	"fmt"
	"sync"

	"github.com/HyphaGroup/loom/internal/logger"
)

// Scope identifies the level an event applies to
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeRound   Scope = "round"
	ScopePost    Scope = "post"
)

// Type identifies the event kind within its scope
type Type string

const (
	SessionStart Type = "session_start"
	SessionEnd   Type = "session_end"

	RoundStart Type = "round_start"
	RoundEnd   Type = "round_end"
	RoundError Type = "round_error"

	PostStart               Type = "post_start"
	PostEnd                 Type = "post_end"
	PostMessageUpdate       Type = "post_message_update"
	PostAttachmentUpdate    Type = "post_attachment_update"
	PostSendToUpdate        Type = "post_send_to_update"
	PostStatusUpdate        Type = "post_status_update"
	PostExecutionOutput     Type = "post_execution_output"
	PostConfirmationRequest Type = "post_confirmation_request"
)

// ErrPostEnded is returned when an event targets a post after its post_end
var ErrPostEnded = errors.New("post already ended")

// Event is one typed notification on the bus. Identity is (scope, type,
// target id); Extra carries per-type payload fields.
type Event struct {
	Scope   Scope
	Type    Type
	RoundID string
	PostID  string
	Message string
	Extra   map[string]any
}

// Handler receives events. Handlers run on the emitting goroutine and must
// not block; consumers that need to wait queue internally.
type Handler interface {
	HandleEvent(e *Event)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(e *Event)

// HandleEvent implements Handler
func (f HandlerFunc) HandleEvent(e *Event) { f(e) }

/*
EVENT BUS

The Emitter is the session-scoped publish/subscribe hub. Dispatch is
synchronous on the emitting goroutine; the handler list is copied under the
lock before dispatch so no lock is held across user code, and a panicking
handler never prevents delivery to the others.

Ordering: events for one post are emitted by a single PostProxy and observed
in emission order. round_start precedes all post events of the round;
round_end follows them. After post_end for a post id, further events for
that id are rejected with ErrPostEnded.
*/

// subscription pairs a handler with its registration identity
type subscription struct {
	handler Handler
}

// Emitter is the session-scoped event bus
type Emitter struct {
	mu         sync.Mutex
	handlers   []*subscription
	endedPosts map[string]bool
	roundID    string
	gate       *ConfirmationGate
}

// NewEmitter creates an event bus with an unattached confirmation gate
func NewEmitter() *Emitter {
	return &Emitter{
		endedPosts: make(map[string]bool),
		gate:       NewConfirmationGate(),
	}
}

// Gate returns the bus's confirmation gate
func (em *Emitter) Gate() *ConfirmationGate {
	return em.gate
}

// Subscribe registers a handler for all subsequent events and returns
// the function that removes it again
func (em *Emitter) Subscribe(h Handler) (unsubscribe func()) {
	sub := &subscription{handler: h}
	em.mu.Lock()
	em.handlers = append(em.handlers, sub)
	em.mu.Unlock()

	return func() {
		em.mu.Lock()
		defer em.mu.Unlock()
		for i, existing := range em.handlers {
			if existing == sub {
				em.handlers = append(em.handlers[:i], em.handlers[i+1:]...)
				return
			}
		}
	}
}

// CurrentRoundID returns the round currently in flight, if any
func (em *Emitter) CurrentRoundID() string {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.roundID
}

// Emit dispatches the event to every handler. Post-scoped events for an
// ended post are rejected.
func (em *Emitter) Emit(e *Event) error {
	em.mu.Lock()
	if e.Scope == ScopePost && em.endedPosts[e.PostID] {
		em.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPostEnded, e.PostID)
	}
	if e.Scope == ScopePost && e.Type == PostEnd {
		em.endedPosts[e.PostID] = true
	}
	handlers := make([]*subscription, len(em.handlers))
	copy(handlers, em.handlers)
	em.mu.Unlock()

	for _, sub := range handlers {
		dispatch(sub.handler, e)
	}
	return nil
}

func dispatch(h Handler, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked on %s/%s: %v", e.Scope, e.Type, r)
		}
	}()
	h.HandleEvent(e)
}

// StartRound emits round_start and records the in-flight round
func (em *Emitter) StartRound(roundID string) {
	em.mu.Lock()
	em.roundID = roundID
	em.mu.Unlock()
	_ = em.Emit(&Event{Scope: ScopeRound, Type: RoundStart, RoundID: roundID})
}

// EndRound emits round_end and clears the in-flight round
func (em *Emitter) EndRound(roundID string) {
	_ = em.Emit(&Event{Scope: ScopeRound, Type: RoundEnd, RoundID: roundID})
	em.mu.Lock()
	if em.roundID == roundID {
		em.roundID = ""
	}
	em.mu.Unlock()
}

// EmitRoundError emits round_error with the failure message
func (em *Emitter) EmitRoundError(roundID, message string) {
	_ = em.Emit(&Event{Scope: ScopeRound, Type: RoundError, RoundID: roundID, Message: message})
}
