package event

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrConfirmationBusy      = errors.New("confirmation already pending")
	ErrConfirmationCancelled = errors.New("confirmation cancelled")
)

/*
CONFIRMATION GATE

A worker goroutine about to run a sensitive action (code execution) calls
Request and blocks until the UI goroutine calls Provide, or the session is
torn down via Cancel. At most one request may be outstanding per session.

With no responder attached (headless runs, tests without a UI) requests
auto-approve so that unattended sessions never deadlock waiting for a user
that does not exist.
*/

// ConfirmationGate synchronizes approval of sensitive actions across
// goroutines
type ConfirmationGate struct {
	mu         sync.Mutex
	cond       *sync.Cond
	responders int

	pending     bool
	pendingCode string
	roundID     string
	postID      string

	decided   bool
	approved  bool
	cancelled bool

	timeout time.Duration // 0 means wait without bound
}

// NewConfirmationGate creates an idle gate with no responder
func NewConfirmationGate() *ConfirmationGate {
	g := &ConfirmationGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// SetTimeout bounds how long Request waits for a decision. Zero (the
// default) waits without bound; used when a UI is attached.
func (g *ConfirmationGate) SetTimeout(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timeout = d
}

// Attach registers a responder (UI, gateway connection). Requests block
// only while at least one responder is attached.
func (g *ConfirmationGate) Attach() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responders++
}

// Detach removes a responder registration
func (g *ConfirmationGate) Detach() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.responders > 0 {
		g.responders--
	}
	// A detaching responder cannot answer anymore; if it was the last one,
	// resolve the outstanding request so the worker does not hang.
	if g.responders == 0 && g.pending && !g.decided {
		g.decided = true
		g.approved = false
		g.cancelled = true
		g.cond.Broadcast()
	}
}

// Pending reports whether a request is outstanding
func (g *ConfirmationGate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// PendingCode returns the code of the outstanding request, if any
func (g *ConfirmationGate) PendingCode() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingCode
}

// Request blocks until a decision is provided and returns it. With no
// responder attached it approves immediately. A second request before the
// first resolves fails with ErrConfirmationBusy.
func (g *ConfirmationGate) Request(roundID, postID, code string) (bool, error) {
	g.mu.Lock()

	if g.responders == 0 {
		g.mu.Unlock()
		return true, nil
	}
	if g.pending {
		g.mu.Unlock()
		return false, ErrConfirmationBusy
	}

	g.pending = true
	g.pendingCode = code
	g.roundID = roundID
	g.postID = postID
	g.decided = false
	g.cancelled = false
	timeout := g.timeout

	var deadlineTimer *time.Timer
	if timeout > 0 {
		deadlineTimer = time.AfterFunc(timeout, func() {
			g.mu.Lock()
			if g.pending && !g.decided {
				g.decided = true
				g.approved = false
				g.cancelled = true
				g.cond.Broadcast()
			}
			g.mu.Unlock()
		})
	}

	for !g.decided {
		g.cond.Wait()
	}

	approved := g.approved
	cancelled := g.cancelled
	g.pending = false
	g.pendingCode = ""
	g.roundID = ""
	g.postID = ""
	g.mu.Unlock()

	if deadlineTimer != nil {
		deadlineTimer.Stop()
	}
	if cancelled {
		return false, ErrConfirmationCancelled
	}
	return approved, nil
}

// Provide resolves the outstanding request with the user's decision.
// Called from the UI goroutine; a no-op if nothing is pending.
func (g *ConfirmationGate) Provide(approved bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pending || g.decided {
		return
	}
	g.decided = true
	g.approved = approved
	g.cond.Broadcast()
}

// Cancel resolves any outstanding request as rejected with
// ErrConfirmationCancelled. Used on session tear-down.
func (g *ConfirmationGate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pending || g.decided {
		return
	}
	g.decided = true
	g.approved = false
	g.cancelled = true
	g.cond.Broadcast()
}
