package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/loom/internal/config"
	"github.com/HyphaGroup/loom/internal/llm"
	"github.com/HyphaGroup/loom/internal/orchestrator"
)

func plannerAnswer(message string) string {
	data, _ := json.Marshal(map[string]any{
		"thought": "t", "message": message, "send_to": "User",
	})
	return string(data)
}

func newTestManager(t *testing.T, respond func(messages []llm.Message) (string, error)) *Manager {
	t.Helper()
	factory := func() (*orchestrator.Session, error) {
		cfg := config.Default()
		cfg.Session.Roles = []string{"Planner"}
		cfg.Compaction.Enabled = false
		return orchestrator.NewSession(orchestrator.Options{
			Config: cfg,
			LLM:    &llm.StaticClient{Respond: respond},
		})
	}
	m := NewManager(factory)
	t.Cleanup(m.Shutdown)
	return m
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialSession(t *testing.T, ts *httptest.Server, sessionID string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/chat/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// readFrame reads the next frame with a bounded wait
func (c *wsClient) readFrame() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := c.conn.ReadJSON(&frame); err != nil {
		c.t.Fatalf("ReadJSON: %v", err)
	}
	return frame
}

// readUntil reads frames until one of the given type arrives, returning
// every frame read along the way (inclusive)
func (c *wsClient) readUntil(frameType string) []map[string]any {
	c.t.Helper()
	var frames []map[string]any
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		frame := c.readFrame()
		frames = append(frames, frame)
		if frame["type"] == frameType {
			return frames
		}
	}
	c.t.Fatalf("frame %q never arrived; got %v", frameType, frames)
	return nil
}

func (c *wsClient) write(frame map[string]any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(frame); err != nil {
		c.t.Fatalf("WriteJSON: %v", err)
	}
}

func createChatSession(t *testing.T, m *Manager) string {
	t.Helper()
	chat, err := m.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return chat.ID
}

func TestWebSocket_ConnectAndHistoryReplay(t *testing.T) {
	m := newTestManager(t, func(messages []llm.Message) (string, error) {
		return plannerAnswer("hi there"), nil
	})
	ts := httptest.NewServer(m.Handler())
	t.Cleanup(ts.Close)

	id := createChatSession(t, m)

	// Seed one finished round before connecting
	chat, _ := m.GetSession(id)
	if _, err := chat.Orch.SendMessage(context.Background(), "hello", nil); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	c := dialSession(t, ts, id)

	first := c.readFrame()
	if first["type"] != "connected" || first["session_id"] != id {
		t.Fatalf("first frame = %v, want connected", first)
	}

	frames := c.readUntil("history_complete")

	var types []string
	for _, f := range frames {
		types = append(types, f["type"].(string))
	}

	if types[0] != "round_start" {
		t.Errorf("replay starts with %q, want round_start", types[0])
	}
	if types[len(types)-2] != "round_end" {
		t.Errorf("frame before history_complete = %q, want round_end", types[len(types)-2])
	}

	// The user's message and the planner's reply both replay
	var sawUserText, sawReply bool
	for _, f := range frames {
		if f["type"] == "message_update" {
			switch f["text"] {
			case "hello":
				sawUserText = true
			case "hi there":
				sawReply = true
			}
		}
	}
	if !sawUserText || !sawReply {
		t.Errorf("replay missing messages: user=%v reply=%v", sawUserText, sawReply)
	}
}

func TestWebSocket_LiveTurn(t *testing.T) {
	m := newTestManager(t, func(messages []llm.Message) (string, error) {
		return plannerAnswer("the answer"), nil
	})
	ts := httptest.NewServer(m.Handler())
	t.Cleanup(ts.Close)

	id := createChatSession(t, m)
	c := dialSession(t, ts, id)
	c.readUntil("history_complete")

	c.write(map[string]any{"type": "send_message", "message": "question"})

	frames := c.readUntil("message_complete")
	var types []string
	for _, f := range frames {
		types = append(types, f["type"].(string))
	}

	// A live turn streams round_start ... post events ... round_end before
	// the completion frame
	joined := strings.Join(types, ",")
	for _, want := range []string{"round_start", "post_start", "send_to_update", "message_update", "post_end", "round_end"} {
		if !strings.Contains(joined, want) {
			t.Errorf("live frames missing %q: %v", want, types)
		}
	}

	last := frames[len(frames)-1]
	if last["result"] != "the answer" {
		t.Errorf("message_complete result = %v, want the answer", last["result"])
	}
}

func TestWebSocket_RejectsConcurrentSend(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, func(messages []llm.Message) (string, error) {
		<-release
		return plannerAnswer("done"), nil
	})
	ts := httptest.NewServer(m.Handler())
	t.Cleanup(ts.Close)

	id := createChatSession(t, m)
	c := dialSession(t, ts, id)
	c.readUntil("history_complete")

	c.write(map[string]any{"type": "send_message", "message": "first"})

	// Wait for the turn to be in flight before sending the second message
	chat, _ := m.GetSession(id)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !chat.Orch.Processing() {
		time.Sleep(5 * time.Millisecond)
	}

	c.write(map[string]any{"type": "send_message", "message": "second"})

	frames := c.readUntil("error")
	errFrame := frames[len(frames)-1]
	if msg, _ := errFrame["message"].(string); !strings.Contains(msg, "Already processing") {
		t.Errorf("error frame = %v, want Already processing", errFrame)
	}

	close(release)
	c.readUntil("message_complete")
}

func TestWebSocket_UnknownSession(t *testing.T) {
	m := newTestManager(t, nil)
	ts := httptest.NewServer(m.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/chat/ws/ghost"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial(ghost) succeeded, want 404")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("status = %v, want 404", resp)
	}
}

func TestWebSocket_UploadFileBuffered(t *testing.T) {
	m := newTestManager(t, func(messages []llm.Message) (string, error) {
		return plannerAnswer("ok"), nil
	})
	ts := httptest.NewServer(m.Handler())
	t.Cleanup(ts.Close)

	id := createChatSession(t, m)
	c := dialSession(t, ts, id)
	c.readUntil("history_complete")

	c.write(map[string]any{
		"type":     "upload_file",
		"filename": "data.csv",
		"content":  "YSxiCjEsMg==",
	})

	frames := c.readUntil("file_uploaded")
	ack := frames[len(frames)-1]
	if ack["filename"] != "data.csv" {
		t.Errorf("file_uploaded frame = %v", ack)
	}
}

func TestWebSocket_TearDownSendsTerminalError(t *testing.T) {
	m := newTestManager(t, func(messages []llm.Message) (string, error) {
		return plannerAnswer("ok"), nil
	})
	ts := httptest.NewServer(m.Handler())
	t.Cleanup(ts.Close)

	id := createChatSession(t, m)
	c := dialSession(t, ts, id)
	c.readUntil("history_complete")

	m.DeleteSession(id)

	frames := c.readUntil("error")
	last := frames[len(frames)-1]
	if msg, _ := last["message"].(string); msg == "" {
		t.Errorf("terminal error frame = %v, want non-empty message", last)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	m := newTestManager(t, func(messages []llm.Message) (string, error) {
		return plannerAnswer("ok"), nil
	})
	ts := httptest.NewServer(m.Handler())
	t.Cleanup(ts.Close)

	id := createChatSession(t, m)

	if got := m.ListSessions(); len(got) != 1 || got[0] != id {
		t.Errorf("ListSessions() = %v, want [%s]", got, id)
	}

	if !m.DeleteSession(id) {
		t.Error("DeleteSession() = false, want true")
	}
	if m.DeleteSession(id) {
		t.Error("second DeleteSession() = true, want false")
	}
}
