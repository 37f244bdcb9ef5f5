package event

import (
	"errors"
	"sync"
	"testing"

	"github.com/HyphaGroup/loom/internal/memory"
)

// recorder collects events for assertions
type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) HandleEvent(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*Event, len(r.events))
	copy(result, r.events)
	return result
}

func TestProxy_EventOrdering(t *testing.T) {
	em := NewEmitter()
	rec := &recorder{}
	em.Subscribe(rec)

	em.StartRound("round-1")
	proxy := em.CreatePostProxy("Planner", "round-1")
	proxy.UpdateMessage("hello ", false)
	proxy.UpdateMessage("world", true)
	proxy.UpdateSendTo("User")
	post := proxy.End(nil)
	em.EndRound("round-1")

	events := rec.all()
	wantTypes := []Type{RoundStart, PostStart, PostMessageUpdate, PostMessageUpdate, PostSendToUpdate, PostEnd, RoundEnd}
	if len(events) != len(wantTypes) {
		t.Fatalf("len(events) = %v, want %v", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("events[%d].Type = %v, want %v", i, events[i].Type, want)
		}
	}

	if post.Message != "hello world" {
		t.Errorf("post.Message = %q, want %q", post.Message, "hello world")
	}
	if post.SendTo != "User" {
		t.Errorf("post.SendTo = %q, want User", post.SendTo)
	}
}

func TestEmit_RejectsAfterPostEnd(t *testing.T) {
	em := NewEmitter()
	proxy := em.CreatePostProxy("Planner", "round-1")
	postID := proxy.PostID()
	proxy.End(nil)

	err := em.Emit(&Event{Scope: ScopePost, Type: PostMessageUpdate, PostID: postID})
	if !errors.Is(err, ErrPostEnded) {
		t.Errorf("Emit() after post_end error = %v, want ErrPostEnded", err)
	}
}

func TestEmit_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	em := NewEmitter()
	em.Subscribe(HandlerFunc(func(e *Event) { panic("boom") }))
	rec := &recorder{}
	em.Subscribe(rec)

	em.StartRound("round-1")

	if len(rec.all()) != 1 {
		t.Errorf("second handler received %d events, want 1", len(rec.all()))
	}
}

func TestProxy_StreamedAttachment(t *testing.T) {
	em := NewEmitter()
	rec := &recorder{}
	em.Subscribe(rec)

	proxy := em.CreatePostProxy("Planner", "round-1")
	attID := proxy.StartAttachment(memory.KindPlan)
	proxy.UpdateAttachment("1. load", false)
	proxy.UpdateAttachment("\n2. plot", true)
	post := proxy.End(nil)

	if attID == "" {
		t.Fatal("StartAttachment() returned empty id")
	}
	if len(post.Attachments) != 1 {
		t.Fatalf("len(attachments) = %v, want 1", len(post.Attachments))
	}
	if post.Attachments[0].Content != "1. load\n2. plot" {
		t.Errorf("attachment content = %q", post.Attachments[0].Content)
	}

	var updates int
	for _, e := range rec.all() {
		if e.Type == PostAttachmentUpdate {
			updates++
			if got, _ := e.Extra["id"].(string); got != attID {
				t.Errorf("attachment event id = %q, want %q", got, attID)
			}
		}
	}
	if updates != 3 {
		t.Errorf("attachment events = %v, want 3 (start + 2 updates)", updates)
	}
}

func TestProxy_MutationAfterEndIsDropped(t *testing.T) {
	em := NewEmitter()
	proxy := em.CreatePostProxy("Planner", "round-1")
	post := proxy.End(nil)

	proxy.UpdateMessage("late", true)
	proxy.UpdateSendTo("User")

	if post.Message != "" {
		t.Errorf("post.Message = %q, want empty after end", post.Message)
	}
	if post.SendTo != memory.UnknownRole {
		t.Errorf("post.SendTo = %q, want Unknown", post.SendTo)
	}
}

func TestUnsubscribe(t *testing.T) {
	em := NewEmitter()
	rec := &recorder{}
	unsubscribe := em.Subscribe(rec)
	em.StartRound("round-1")
	unsubscribe()
	em.EndRound("round-1")

	if len(rec.all()) != 1 {
		t.Errorf("events after unsubscribe = %v, want 1", len(rec.all()))
	}
}
