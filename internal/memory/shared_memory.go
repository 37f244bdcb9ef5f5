package memory

// SharedMemoryScope determines how long a shared memory entry stays visible
type SharedMemoryScope string

const (
	ScopeRound        SharedMemoryScope = "round"
	ScopeConversation SharedMemoryScope = "conversation"
)

// SharedMemoryEntry is cross-role scratch data carried in an attachment.
// Round-scoped entries are only visible while their round is the latest.
type SharedMemoryEntry struct {
	Type    string            `json:"type"`
	Scope   SharedMemoryScope `json:"scope"`
	Content string            `json:"content"`
}

// NewSharedMemoryAttachment wraps an entry into a shared_memory_entry attachment
func NewSharedMemoryAttachment(entry SharedMemoryEntry) *Attachment {
	a := NewAttachment(KindSharedMemoryEntry, entry.Content)
	a.Extra = map[string]any{
		"entry_type":  entry.Type,
		"entry_scope": string(entry.Scope),
	}
	return a
}

// sharedMemoryEntryFromAttachment recovers the entry from an attachment,
// returning ok=false if the attachment is not a well-formed entry
func sharedMemoryEntryFromAttachment(a *Attachment) (SharedMemoryEntry, bool) {
	if a.Kind != KindSharedMemoryEntry || a.Extra == nil {
		return SharedMemoryEntry{}, false
	}
	entryType, _ := a.Extra["entry_type"].(string)
	entryScope, _ := a.Extra["entry_scope"].(string)
	if entryType == "" {
		return SharedMemoryEntry{}, false
	}
	scope := SharedMemoryScope(entryScope)
	if scope != ScopeRound && scope != ScopeConversation {
		scope = ScopeRound
	}
	return SharedMemoryEntry{
		Type:    entryType,
		Scope:   scope,
		Content: a.Content,
	}, true
}
