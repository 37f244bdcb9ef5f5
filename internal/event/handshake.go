package event

import (
	"sync"
	"time"
)

/*
ANIMATION PAUSE HANDSHAKE

Terminal UIs run a render loop that owns stdout. Any goroutine needing
exclusive terminal access (prompting for confirmation, printing a block of
output) uses the two-event handshake:

    requester: set pause --------- wait for paused ---- exclusive I/O ---- clear paused, clear pause
    animator:  top of iteration: observe pause -> set paused -> sleep until pause cleared

Properties: the animator never writes after observing pause; the requester
never proceeds before observing paused; tear-down clears both events.
*/

// PauseHandshake coordinates exclusive access between a render loop and
// requester goroutines
type PauseHandshake struct {
	mu     sync.Mutex
	cond   *sync.Cond
	pause  bool
	paused bool
	closed bool
}

// NewPauseHandshake creates an idle handshake
func NewPauseHandshake() *PauseHandshake {
	h := &PauseHandshake{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// RequestPause asks the animator to pause and waits up to timeout for the
// acknowledgment. Returns false on timeout or tear-down; the caller then
// proceeds without exclusivity. Zero timeout waits without bound.
func (h *PauseHandshake) RequestPause(timeout time.Duration) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.pause = true
	h.cond.Broadcast()

	var deadlineTimer *time.Timer
	if timeout > 0 {
		deadlineTimer = time.AfterFunc(timeout, func() {
			h.mu.Lock()
			h.cond.Broadcast()
			h.mu.Unlock()
		})
		defer deadlineTimer.Stop()
	}
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for !h.paused && !h.closed {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			break
		}
		h.cond.Wait()
	}
	ok := h.paused && !h.closed
	h.mu.Unlock()
	return ok
}

// ReleasePause clears both events, letting the animator resume
func (h *PauseHandshake) ReleasePause() {
	h.mu.Lock()
	h.paused = false
	h.pause = false
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Checkpoint is called by the animator at the top of each render
// iteration. If a pause is requested it acknowledges and blocks until the
// pause is released or the handshake is closed. Returns false once closed.
func (h *PauseHandshake) Checkpoint() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if !h.pause {
		return true
	}

	h.paused = true
	h.cond.Broadcast()
	for h.pause && !h.closed {
		h.cond.Wait()
	}
	return !h.closed
}

// Close clears both events and releases all waiters. Used on session
// tear-down.
func (h *PauseHandshake) Close() {
	h.mu.Lock()
	h.closed = true
	h.pause = false
	h.paused = false
	h.cond.Broadcast()
	h.mu.Unlock()
}
