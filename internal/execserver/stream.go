package execserver

import (
	"sync"
	"time"

	"github.com/HyphaGroup/loom/internal/metrics"
)

/*
EXECUTION STREAM HUB

One logical stream exists per (session, exec) pair while a streaming
execution runs. The executing goroutine publishes events; the SSE handler
consumes them.

DELIVERY MODEL:

    Events are queued in order and delivered once. A client that
    disconnects and reconnects resumes at the current tail: everything
    already delivered is gone (no replay). When the queue fills, the
    oldest undelivered event is dropped and counted; slow consumers lose
    old output, never ordering.

TERMINATION:

    The executor publishes "result" then "done" and calls Finish, which
    closes the queue. The SSE handler emits a terminal "done" frame even
    if the queued one was dropped, so clients always observe it. The hub
    forgets the key after a short grace period for stragglers.
*/

// StreamEvent is one server-sent event on an execution stream
type StreamEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// streamBufferSize bounds undelivered events per execution
const streamBufferSize = 4096

// streamGracePeriod keeps a finished stream resolvable for late subscribers
const streamGracePeriod = 5 * time.Second

// ExecStream is the bounded, delivered-once event queue of one execution
type ExecStream struct {
	sessionID string
	ch        chan *StreamEvent

	mu     sync.Mutex
	closed bool
}

func newExecStream(sessionID string) *ExecStream {
	return &ExecStream{
		sessionID: sessionID,
		ch:        make(chan *StreamEvent, streamBufferSize),
	}
}

// Publish appends an event, dropping the oldest undelivered event when the
// queue is full. Never blocks the executor.
func (s *ExecStream) Publish(ev *StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			metrics.RecordEventDrop(s.sessionID)
		default:
		}
	}
}

// Events returns the consumer side of the queue. The channel closes when
// the execution finishes.
func (s *ExecStream) Events() <-chan *StreamEvent {
	return s.ch
}

// Close ends the stream and wakes the consumer
func (s *ExecStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// StreamHub tracks the live execution streams of a server
type StreamHub struct {
	mu      sync.Mutex
	streams map[string]*ExecStream
}

// NewStreamHub creates an empty hub
func NewStreamHub() *StreamHub {
	return &StreamHub{streams: make(map[string]*ExecStream)}
}

func streamKey(sessionID, execID string) string {
	return sessionID + ":" + execID
}

// Open registers a stream for the execution, replacing any stale one
func (h *StreamHub) Open(sessionID, execID string) *ExecStream {
	s := newExecStream(sessionID)
	h.mu.Lock()
	h.streams[streamKey(sessionID, execID)] = s
	h.mu.Unlock()
	return s
}

// Get returns the stream for the execution, if one is live
func (h *StreamHub) Get(sessionID, execID string) (*ExecStream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[streamKey(sessionID, execID)]
	return s, ok
}

// Finish closes the stream and forgets it after the grace period
func (h *StreamHub) Finish(sessionID, execID string) {
	key := streamKey(sessionID, execID)
	h.mu.Lock()
	s := h.streams[key]
	h.mu.Unlock()
	if s == nil {
		return
	}
	s.Close()

	time.AfterFunc(streamGracePeriod, func() {
		h.mu.Lock()
		if h.streams[key] == s {
			delete(h.streams, key)
		}
		h.mu.Unlock()
	})
}
