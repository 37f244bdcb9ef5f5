package memory

import (
	"github.com/google/uuid"
)

// UnknownRole is the default recipient before a role sets send_to
const UnknownRole = "Unknown"

// RoleUser is the alias of the external user in every conversation
const RoleUser = "User"

// Post is a single directed message within a Round
type Post struct {
	ID          string        `json:"id"`
	SendFrom    string        `json:"send_from"`
	SendTo      string        `json:"send_to"`
	Message     string        `json:"message"`
	Attachments []*Attachment `json:"attachments"`
}

// NewPost creates a post from the given role with a fresh ID
func NewPost(sendFrom string) *Post {
	return &Post{
		ID:       "post-" + uuid.NewString(),
		SendFrom: sendFrom,
		SendTo:   UnknownRole,
	}
}

// AddAttachment appends an attachment preserving emission order
func (p *Post) AddAttachment(a *Attachment) {
	p.Attachments = append(p.Attachments, a)
}

// GetAttachments returns all attachments of the given kind, in order
func (p *Post) GetAttachments(kind AttachmentKind) []*Attachment {
	var result []*Attachment
	for _, a := range p.Attachments {
		if a.Kind == kind {
			result = append(result, a)
		}
	}
	return result
}

// FirstAttachment returns the first attachment of the given kind, or nil
func (p *Post) FirstAttachment(kind AttachmentKind) *Attachment {
	for _, a := range p.Attachments {
		if a.Kind == kind {
			return a
		}
	}
	return nil
}

// Clone returns a deep copy of the post
func (p *Post) Clone() *Post {
	c := &Post{
		ID:       p.ID,
		SendFrom: p.SendFrom,
		SendTo:   p.SendTo,
		Message:  p.Message,
	}
	for _, a := range p.Attachments {
		c.Attachments = append(c.Attachments, a.Clone())
	}
	return c
}

// ToMap serializes the post for persistence
func (p *Post) ToMap() map[string]any {
	attachments := make([]map[string]any, 0, len(p.Attachments))
	for _, a := range p.Attachments {
		attachments = append(attachments, a.ToMap())
	}
	return map[string]any{
		"id":          p.ID,
		"send_from":   p.SendFrom,
		"send_to":     p.SendTo,
		"message":     p.Message,
		"attachments": attachments,
	}
}

// PostFromMap deserializes a post. Attachments with unknown kinds are
// silently dropped.
func PostFromMap(m map[string]any) *Post {
	p := &Post{}
	p.ID, _ = m["id"].(string)
	if p.ID == "" {
		p.ID = "post-" + uuid.NewString()
	}
	p.SendFrom, _ = m["send_from"].(string)
	p.SendTo, _ = m["send_to"].(string)
	if p.SendTo == "" {
		p.SendTo = UnknownRole
	}
	p.Message, _ = m["message"].(string)

	rawAttachments, _ := m["attachments"].([]map[string]any)
	if rawAttachments == nil {
		// JSON decoding yields []any
		if anyList, ok := m["attachments"].([]any); ok {
			for _, item := range anyList {
				if am, ok := item.(map[string]any); ok {
					rawAttachments = append(rawAttachments, am)
				}
			}
		}
	}
	for _, am := range rawAttachments {
		if a, ok := AttachmentFromMap(am); ok {
			p.Attachments = append(p.Attachments, a)
		}
	}
	return p
}
