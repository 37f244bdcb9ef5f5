package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/loom/internal/event"
	"github.com/HyphaGroup/loom/internal/logger"
	"github.com/HyphaGroup/loom/internal/memory"
	"github.com/HyphaGroup/loom/internal/orchestrator"
)

// outboundBuffer bounds frames queued toward one client
const outboundBuffer = 1024

/*
DUPLEX CONNECTION

One connection couples a websocket to a chat session. A single writer
goroutine owns the socket's write side; everything else (event bus
handlers, turn goroutines, the read loop) enqueues frames onto the
outbound channel. The bus handler must not block, so a full queue drops
the frame and logs it; slow clients lose updates, never ordering.

Inbound frames: send_message (rejected while a turn is in flight),
confirm (resolves the confirmation gate; multiplexing is fine), and
upload_file (buffered, attached to the next message).
*/

type connection struct {
	chat *ChatSession
	ws   *websocket.Conn

	outbound chan map[string]any
	closed   chan struct{}
	once     sync.Once
}

func newConnection(chat *ChatSession, ws *websocket.Conn) *connection {
	return &connection{
		chat:     chat,
		ws:       ws,
		outbound: make(chan map[string]any, outboundBuffer),
		closed:   make(chan struct{}),
	}
}

// send enqueues a frame for the writer goroutine. Frames toward a stalled
// client are dropped once the queue fills.
func (c *connection) send(frame map[string]any) {
	select {
	case <-c.closed:
	case c.outbound <- frame:
	default:
		logger.Error("gateway: dropping frame %v for session %s (client too slow)",
			frame["type"], c.chat.ID)
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *connection) run() {
	emitter := c.chat.Orch.Emitter()
	gate := emitter.Gate()

	go c.writeLoop()

	unsubscribe := emitter.Subscribe(event.HandlerFunc(c.forwardEvent))
	gate.Attach()
	defer func() {
		gate.Detach()
		unsubscribe()
		c.close()
	}()

	c.send(map[string]any{"type": "connected", "session_id": c.chat.ID})
	replayHistory(c.send, c.chat.Orch.Memory())

	c.readLoop()
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.outbound:
			if err := c.ws.WriteJSON(frame); err != nil {
				logger.Info("gateway: write failed for session %s: %v", c.chat.ID, err)
				c.close()
				return
			}
		}
	}
}

// forwardEvent maps one bus event onto the wire schema
func (c *connection) forwardEvent(e *event.Event) {
	switch e.Type {
	case event.RoundStart:
		c.send(map[string]any{"type": "round_start", "round_id": e.RoundID})
	case event.RoundEnd:
		c.send(map[string]any{"type": "round_end", "round_id": e.RoundID})
	case event.RoundError:
		c.send(map[string]any{"type": "round_error", "round_id": e.RoundID, "message": e.Message})
	case event.PostStart:
		role, _ := e.Extra["role"].(string)
		c.send(map[string]any{
			"type": "post_start", "post_id": e.PostID, "round_id": e.RoundID, "role": role,
		})
	case event.PostEnd:
		frame := map[string]any{"type": "post_end", "post_id": e.PostID}
		if errMsg, ok := e.Extra["error"].(string); ok && errMsg != "" {
			frame["error"] = errMsg
		}
		c.send(frame)
	case event.PostMessageUpdate:
		isEnd, _ := e.Extra["is_end"].(bool)
		c.send(map[string]any{
			"type": "message_update", "post_id": e.PostID, "text": e.Message, "is_end": isEnd,
		})
	case event.PostAttachmentUpdate:
		attID, _ := e.Extra["id"].(string)
		attType, _ := e.Extra["type"].(string)
		if start, _ := e.Extra["start"].(bool); start {
			c.send(map[string]any{
				"type": "attachment_start", "post_id": e.PostID,
				"attachment_id": attID, "attachment_type": attType,
			})
			return
		}
		isEnd, _ := e.Extra["is_end"].(bool)
		c.send(map[string]any{
			"type": "attachment_update", "post_id": e.PostID,
			"attachment_id": attID, "content": e.Message, "is_end": isEnd,
		})
	case event.PostSendToUpdate:
		role, _ := e.Extra["role"].(string)
		c.send(map[string]any{"type": "send_to_update", "post_id": e.PostID, "send_to": role})
	case event.PostStatusUpdate:
		c.send(map[string]any{"type": "status_update", "post_id": e.PostID, "status": e.Message})
	case event.PostExecutionOutput:
		stream, _ := e.Extra["stream"].(string)
		text, _ := e.Extra["text"].(string)
		c.send(map[string]any{
			"type": "execution_output", "post_id": e.PostID, "stream": stream, "text": text,
		})
	case event.PostConfirmationRequest:
		code, _ := e.Extra["code"].(string)
		c.send(map[string]any{
			"type": "confirm_request", "post_id": e.PostID, "round_id": e.RoundID, "code": code,
		})
	case event.SessionEnd:
		// Tear-down: the client gets a terminal error frame, then the
		// socket closes
		c.send(map[string]any{"type": "error", "message": "session closed"})
		go func() {
			time.Sleep(100 * time.Millisecond)
			c.close()
		}()
	}
}

// inboundFrame is one client->server message
type inboundFrame struct {
	Type     string             `json:"type"`
	Message  string             `json:"message,omitempty"`
	Files    []inboundFileEntry `json:"files,omitempty"`
	Approved bool               `json:"approved,omitempty"`
	Filename string             `json:"filename,omitempty"`
	Content  string             `json:"content,omitempty"`
}

type inboundFileEntry struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (c *connection) readLoop() {
	for {
		var frame inboundFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Info("gateway: connection error for session %s: %v", c.chat.ID, err)
			}
			return
		}

		switch frame.Type {
		case "send_message":
			c.handleSendMessage(frame)
		case "confirm":
			c.chat.Orch.Emitter().Gate().Provide(frame.Approved)
		case "upload_file":
			c.chat.addPendingFile(orchestrator.File{
				Name:    frame.Filename,
				Content: decodeBase64(frame.Content),
			})
			c.send(map[string]any{"type": "file_uploaded", "filename": frame.Filename})
		case "cancel":
			// Accepted for protocol compatibility; turns are not
			// interruptible mid-flight
		default:
			c.send(map[string]any{"type": "error", "message": "unknown message type: " + frame.Type})
		}
	}
}

func (c *connection) handleSendMessage(frame inboundFrame) {
	if c.chat.Orch.Processing() {
		c.send(map[string]any{"type": "error", "message": "Already processing a message"})
		return
	}

	files := c.chat.takePendingFiles()
	for _, f := range frame.Files {
		files = append(files, orchestrator.File{Name: f.Name, Content: decodeBase64(f.Content)})
	}

	go func() {
		round, err := c.chat.Orch.SendMessage(context.Background(), frame.Message, files)
		if err != nil {
			c.send(map[string]any{"type": "error", "message": err.Error()})
			return
		}

		var result any
		if last := round.LastPost(); last != nil && last.SendTo == memory.RoleUser {
			result = last.Message
		}
		c.send(map[string]any{"type": "message_complete", "result": result})
	}()
}
