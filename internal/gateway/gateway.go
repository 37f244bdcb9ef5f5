// Package gateway projects a session's event bus onto persistent duplex
// web connections.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/loom/internal/logger"
	"github.com/HyphaGroup/loom/internal/memory"
	"github.com/HyphaGroup/loom/internal/orchestrator"
)

// SessionFactory builds a new conversation session for each chat
type SessionFactory func() (*orchestrator.Session, error)

// ChatSession couples one conversation session with its pending uploads
type ChatSession struct {
	ID   string
	Orch *orchestrator.Session

	mu           sync.Mutex
	pendingFiles []orchestrator.File
}

func (c *ChatSession) takePendingFiles() []orchestrator.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	files := c.pendingFiles
	c.pendingFiles = nil
	return files
}

func (c *ChatSession) addPendingFile(f orchestrator.File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingFiles = append(c.pendingFiles, f)
}

// Manager owns the chat sessions exposed over the gateway
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*ChatSession
	newSession SessionFactory
	upgrader   websocket.Upgrader
}

// NewManager creates a gateway manager
func NewManager(factory SessionFactory) *Manager {
	return &Manager{
		sessions:   make(map[string]*ChatSession),
		newSession: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// CreateSession builds and registers a new chat session
func (m *Manager) CreateSession() (*ChatSession, error) {
	orch, err := m.newSession()
	if err != nil {
		return nil, err
	}
	chat := &ChatSession{ID: orch.ID(), Orch: orch}

	m.mu.Lock()
	m.sessions[chat.ID] = chat
	m.mu.Unlock()
	return chat, nil
}

// GetSession returns a registered chat session
func (m *Manager) GetSession(id string) (*ChatSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.sessions[id]
	return chat, ok
}

// DeleteSession stops and removes a chat session
func (m *Manager) DeleteSession(id string) bool {
	m.mu.Lock()
	chat, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		chat.Orch.Stop()
	}
	return ok
}

// ListSessions returns the registered session ids
func (m *Manager) ListSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every chat session
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*ChatSession, 0, len(m.sessions))
	for _, chat := range m.sessions {
		sessions = append(sessions, chat)
	}
	m.sessions = make(map[string]*ChatSession)
	m.mu.Unlock()

	for _, chat := range sessions {
		chat.Orch.Stop()
	}
}

// Handler returns the gateway's HTTP surface
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat/sessions", m.handleCreate)
	mux.HandleFunc("GET /api/v1/chat/sessions", m.handleList)
	mux.HandleFunc("DELETE /api/v1/chat/sessions/{id}", m.handleDelete)
	mux.HandleFunc("GET /api/v1/chat/ws/{id}", m.handleWebSocket)
	return mux
}

func (m *Manager) handleCreate(w http.ResponseWriter, r *http.Request) {
	chat, err := m.CreateSession()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": chat.ID,
		"status":     "created",
	})
}

func (m *Manager) handleList(w http.ResponseWriter, r *http.Request) {
	ids := m.ListSessions()
	sessions := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, map[string]string{"session_id": id})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (m *Manager) handleDelete(w http.ResponseWriter, r *http.Request) {
	if m.DeleteSession(r.PathValue("id")) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"status": "not_found"})
}

func (m *Manager) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chat, ok := m.GetSession(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "session not found"})
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed: %v", err)
		return
	}

	conn := newConnection(chat, ws)
	conn.run()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeBase64 tolerates plain text for clients that skip encoding
func decodeBase64(content string) []byte {
	if data, err := base64.StdEncoding.DecodeString(content); err == nil {
		return data
	}
	return []byte(content)
}

// replayHistory walks the conversation and emits the synthetic event
// sequence a live turn would have produced, concluding with
// history_complete
func replayHistory(send func(frame map[string]any), mem *memory.Memory) {
	for _, round := range mem.Rounds() {
		send(map[string]any{"type": "round_start", "round_id": round.ID})

		if round.UserQuery != "" {
			userPostID := "user-" + round.ID
			send(map[string]any{
				"type": "post_start", "post_id": userPostID,
				"round_id": round.ID, "role": memory.RoleUser,
			})
			send(map[string]any{
				"type": "message_update", "post_id": userPostID,
				"text": round.UserQuery, "is_end": true,
			})
			send(map[string]any{"type": "post_end", "post_id": userPostID})
		}

		for _, post := range round.Posts {
			// The user message was already synthesized from user_query
			if post.SendFrom == memory.RoleUser {
				continue
			}

			send(map[string]any{
				"type": "post_start", "post_id": post.ID,
				"round_id": round.ID, "role": post.SendFrom,
			})
			send(map[string]any{
				"type": "send_to_update", "post_id": post.ID, "send_to": post.SendTo,
			})

			for _, att := range post.Attachments {
				send(map[string]any{
					"type": "attachment_start", "post_id": post.ID,
					"attachment_id": att.ID, "attachment_type": string(att.Kind),
				})
				send(map[string]any{
					"type": "attachment_update", "post_id": post.ID,
					"attachment_id": att.ID, "content": att.Content, "is_end": true,
				})
			}

			if post.Message != "" {
				send(map[string]any{
					"type": "message_update", "post_id": post.ID,
					"text": post.Message, "is_end": true,
				})
			}
			send(map[string]any{"type": "post_end", "post_id": post.ID})
		}

		send(map[string]any{"type": "round_end", "round_id": round.ID})
	}

	send(map[string]any{"type": "history_complete"})
}
