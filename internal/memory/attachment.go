package memory

import (
	"github.com/google/uuid"
)

// AttachmentKind identifies the payload type carried by an Attachment.
// The set is closed: values outside it fail KindFromString and loaders
// drop such attachments for forward compatibility.
type AttachmentKind string

const (
	KindPlan              AttachmentKind = "plan"
	KindCurrentPlanStep   AttachmentKind = "current_plan_step"
	KindPlanReasoning     AttachmentKind = "plan_reasoning"
	KindStop              AttachmentKind = "stop"
	KindThought           AttachmentKind = "thought"
	KindReplyType         AttachmentKind = "reply_type"
	KindReplyContent      AttachmentKind = "reply_content"
	KindVerification      AttachmentKind = "verification"
	KindCodeError         AttachmentKind = "code_error"
	KindExecutionStatus   AttachmentKind = "execution_status"
	KindExecutionResult   AttachmentKind = "execution_result"
	KindArtifactPaths     AttachmentKind = "artifact_paths"
	KindReviseMessage     AttachmentKind = "revise_message"
	KindFunction          AttachmentKind = "function"
	KindSessionVariables  AttachmentKind = "session_variables"
	KindSharedMemoryEntry AttachmentKind = "shared_memory_entry"
	KindInvalidResponse   AttachmentKind = "invalid_response"
	KindText              AttachmentKind = "text"
	KindImageURL          AttachmentKind = "image_url"
)

var knownKinds = map[AttachmentKind]bool{
	KindPlan:              true,
	KindCurrentPlanStep:   true,
	KindPlanReasoning:     true,
	KindStop:              true,
	KindThought:           true,
	KindReplyType:         true,
	KindReplyContent:      true,
	KindVerification:      true,
	KindCodeError:         true,
	KindExecutionStatus:   true,
	KindExecutionResult:   true,
	KindArtifactPaths:     true,
	KindReviseMessage:     true,
	KindFunction:          true,
	KindSessionVariables:  true,
	KindSharedMemoryEntry: true,
	KindInvalidResponse:   true,
	KindText:              true,
	KindImageURL:          true,
}

// KindFromString maps a raw string onto the closed kind set.
// Unknown values return ok=false.
func KindFromString(s string) (AttachmentKind, bool) {
	k := AttachmentKind(s)
	return k, knownKinds[k]
}

// Attachment is a typed payload attached to a Post
type Attachment struct {
	ID      string         `json:"id"`
	Kind    AttachmentKind `json:"kind"`
	Content string         `json:"content"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// NewAttachment creates an attachment with a fresh ID
func NewAttachment(kind AttachmentKind, content string) *Attachment {
	return &Attachment{
		ID:      "atta-" + uuid.NewString(),
		Kind:    kind,
		Content: content,
	}
}

// Clone returns a deep copy of the attachment
func (a *Attachment) Clone() *Attachment {
	c := &Attachment{
		ID:      a.ID,
		Kind:    a.Kind,
		Content: a.Content,
	}
	if a.Extra != nil {
		c.Extra = make(map[string]any, len(a.Extra))
		for k, v := range a.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// ToMap serializes the attachment for persistence
func (a *Attachment) ToMap() map[string]any {
	m := map[string]any{
		"id":      a.ID,
		"kind":    string(a.Kind),
		"content": a.Content,
	}
	if a.Extra != nil {
		m["extra"] = a.Extra
	}
	return m
}

// AttachmentFromMap deserializes an attachment. Attachments with unknown
// kinds return ok=false and are dropped by loaders.
func AttachmentFromMap(m map[string]any) (*Attachment, bool) {
	rawKind, _ := m["kind"].(string)
	kind, known := KindFromString(rawKind)
	if !known {
		return nil, false
	}

	a := &Attachment{Kind: kind}
	a.ID, _ = m["id"].(string)
	a.Content, _ = m["content"].(string)
	if extra, ok := m["extra"].(map[string]any); ok {
		a.Extra = extra
	}
	return a, true
}
