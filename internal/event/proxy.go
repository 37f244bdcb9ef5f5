package event

import (
	"sync"

	"github.com/HyphaGroup/loom/internal/memory"
)

// PostProxy is the event-bus handle bound to a single Post. A role builds
// its post exclusively through the proxy, which applies deltas in order and
// mirrors each one as an event. End freezes the post; any later call is a
// programming error: content mutations are dropped silently, and events
// the bus rejects as targeting an ended post are discarded.
type PostProxy struct {
	emitter *Emitter
	roundID string

	mu         sync.Mutex
	post       *memory.Post
	openAttach *memory.Attachment
	ended      bool
}

// CreatePostProxy starts a new post from the given role and emits
// post_start
func (em *Emitter) CreatePostProxy(role, roundID string) *PostProxy {
	p := &PostProxy{
		emitter: em,
		roundID: roundID,
		post:    memory.NewPost(role),
	}
	_ = em.Emit(&Event{
		Scope:   ScopePost,
		Type:    PostStart,
		RoundID: roundID,
		PostID:  p.post.ID,
		Extra:   map[string]any{"role": role},
	})
	return p
}

// PostID returns the id of the post under construction
func (p *PostProxy) PostID() string {
	return p.post.ID
}

// RoundID returns the round this post belongs to
func (p *PostProxy) RoundID() string {
	return p.roundID
}

// UpdateMessage appends a message delta. isEnd marks the final token of
// the streamed message.
func (p *PostProxy) UpdateMessage(text string, isEnd bool) {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.post.Message += text
	p.mu.Unlock()

	_ = p.emitter.Emit(&Event{
		Scope:   ScopePost,
		Type:    PostMessageUpdate,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Message: text,
		Extra:   map[string]any{"is_end": isEnd},
	})
}

// UpdateSendTo sets the post recipient
func (p *PostProxy) UpdateSendTo(role string) {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.post.SendTo = role
	p.mu.Unlock()

	_ = p.emitter.Emit(&Event{
		Scope:   ScopePost,
		Type:    PostSendToUpdate,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Extra:   map[string]any{"role": role},
	})
}

// UpdateStatus publishes a transient status line for the post
func (p *PostProxy) UpdateStatus(status string) {
	_ = p.emitter.Emit(&Event{
		Scope:   ScopePost,
		Type:    PostStatusUpdate,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Message: status,
	})
}

// StartAttachment opens a streamed attachment and returns its id
func (p *PostProxy) StartAttachment(kind memory.AttachmentKind) string {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return ""
	}
	att := memory.NewAttachment(kind, "")
	p.post.AddAttachment(att)
	p.openAttach = att
	p.mu.Unlock()

	_ = p.emitter.Emit(&Event{
		Scope:   ScopePost,
		Type:    PostAttachmentUpdate,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Extra: map[string]any{
			"id":    att.ID,
			"type":  string(kind),
			"start": true,
		},
	})
	return att.ID
}

// UpdateAttachment appends a content delta to the open attachment. isEnd
// closes it.
func (p *PostProxy) UpdateAttachment(content string, isEnd bool) {
	p.mu.Lock()
	if p.ended || p.openAttach == nil {
		p.mu.Unlock()
		return
	}
	att := p.openAttach
	att.Content += content
	if isEnd {
		p.openAttach = nil
	}
	p.mu.Unlock()

	_ = p.emitter.Emit(&Event{
		Scope:   ScopePost,
		Type:    PostAttachmentUpdate,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Message: content,
		Extra: map[string]any{
			"id":     att.ID,
			"type":   string(att.Kind),
			"is_end": isEnd,
		},
	})
}

// AddAttachment attaches a complete payload in one step
func (p *PostProxy) AddAttachment(kind memory.AttachmentKind, content string) string {
	id := p.StartAttachment(kind)
	if id == "" {
		return ""
	}
	p.UpdateAttachment(content, true)
	return id
}

// AddAttachmentWithExtra attaches a complete payload carrying extra data
func (p *PostProxy) AddAttachmentWithExtra(att *memory.Attachment) {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.post.AddAttachment(att)
	p.mu.Unlock()

	_ = p.emitter.Emit(&Event{
		Scope:   ScopePost,
		Type:    PostAttachmentUpdate,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Message: att.Content,
		Extra: map[string]any{
			"id":     att.ID,
			"type":   string(att.Kind),
			"is_end": true,
		},
	})
}

// EmitExecutionOutput publishes one chunk of kernel stream output
func (p *PostProxy) EmitExecutionOutput(stream, text string) {
	_ = p.emitter.Emit(&Event{
		Scope:   ScopePost,
		Type:    PostExecutionOutput,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Message: text,
		Extra: map[string]any{
			"stream": stream,
			"text":   text,
		},
	})
}

// RequestConfirmation emits a confirmation_request event and blocks on the
// bus's gate until the decision arrives
func (p *PostProxy) RequestConfirmation(code string) (bool, error) {
	_ = p.emitter.Emit(&Event{
		Scope:   ScopePost,
		Type:    PostConfirmationRequest,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Extra: map[string]any{
			"code": code,
		},
	})
	return p.emitter.gate.Request(p.roundID, p.post.ID, code)
}

// End freezes the post, emits post_end, and returns the completed post.
// A non-nil err is carried on the post_end event.
func (p *PostProxy) End(err error) *memory.Post {
	p.mu.Lock()
	if p.ended {
		post := p.post
		p.mu.Unlock()
		return post
	}
	p.ended = true
	post := p.post
	p.mu.Unlock()

	extra := map[string]any{}
	if err != nil {
		extra["error"] = err.Error()
	}
	_ = p.emitter.Emit(&Event{
		Scope:   ScopePost,
		Type:    PostEnd,
		RoundID: p.roundID,
		PostID:  post.ID,
		Extra:   extra,
	})
	return post
}
