package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatcore/internal/app/message"
	"chatcore/internal/app/presence"
	"chatcore/internal/app/view"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Intent is one client frame. Every mutating action funnels into the sync
// coordinator via the client's session.
type Intent struct {
	Action    string  `json:"action"`
	ThreadID  string  `json:"thread_id"`
	MessageID string  `json:"message_id,omitempty"`
	Content   string  `json:"content,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
}

func (h *Hub) ServeWS(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		h.logger.Warnw("WebSocket connection rejected: user_id missing",
			"client_ip", c.ClientIP(),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	userName := c.Query("user_name")
	if userName == "" {
		userName = userID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorw("Failed to upgrade connection",
			"user_id", userID,
			"error", err,
		)
		return
	}
	defer conn.Close()

	session := view.NewSession(userID, userName, h.coordinator, h.channel, h.presenceOpt, h.zapLogger)
	defer session.Close()

	client := &Client{
		hub:     h,
		conn:    conn,
		ID:      generateClientID(),
		session: session,
		send:    make(chan interface{}, 32),
		threads: make(map[string]bool),
		cancels: make(map[string]func()),
	}

	h.logger.Infow("WebSocket connection established",
		"client_id", client.ID,
		"user_id", userID,
		"client_ip", c.ClientIP(),
	)

	h.register <- client
	go client.writePump()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var intent Intent
		if err := json.Unmarshal(payload, &intent); err != nil {
			client.reply("error", gin.H{"error": "malformed intent"})
			continue
		}
		client.handle(c.Request.Context(), intent)
	}

	client.cancelAll()
	h.unregister <- client
}

func (cl *Client) writePump() {
	for msg := range cl.send {
		if err := cl.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (cl *Client) reply(event string, data interface{}) {
	select {
	case cl.send <- gin.H{"event": event, "data": data}:
	default:
	}
}

func (cl *Client) handle(ctx context.Context, intent Intent) {
	coord := cl.session.Coordinator()

	switch intent.Action {
	case "open_thread":
		if err := cl.session.OpenThread(ctx, intent.ThreadID); err != nil {
			cl.reply("error", gin.H{"thread_id": intent.ThreadID, "error": err.Error()})
			return
		}
		cl.mu.Lock()
		cl.threads[intent.ThreadID] = true
		cl.mu.Unlock()

		msgs, err := coord.Messages(intent.ThreadID)
		if err != nil {
			cl.reply("error", gin.H{"thread_id": intent.ThreadID, "error": err.Error()})
			return
		}
		cl.reply("thread_opened", gin.H{"thread_id": intent.ThreadID, "messages": msgs})

	case "close_thread":
		cl.mu.Lock()
		delete(cl.threads, intent.ThreadID)
		cl.mu.Unlock()
		cl.session.CloseThread(intent.ThreadID)
		cl.reply("thread_closed", gin.H{"thread_id": intent.ThreadID})

	case "send":
		msg, err := coord.Send(ctx, intent.ThreadID, message.AppendInput{
			Sender:  cl.session.UserID,
			Content: intent.Content,
		})
		if err != nil {
			cl.reply("error", gin.H{"thread_id": intent.ThreadID, "error": err.Error()})
			return
		}
		cl.reply("message", msg)
		cl.generate(intent.ThreadID)

	case "edit":
		msg, err := coord.EditWithCascade(ctx, intent.ThreadID, intent.MessageID, intent.Content)
		if err != nil {
			cl.reply("error", gin.H{"thread_id": intent.ThreadID, "error": err.Error()})
			return
		}
		cl.reply("message_edited", msg)

	case "delete_from":
		if err := coord.DeleteFrom(ctx, intent.ThreadID, intent.MessageID); err != nil {
			cl.reply("error", gin.H{"thread_id": intent.ThreadID, "error": err.Error()})
			return
		}
		cl.reply("messages_deleted", gin.H{"thread_id": intent.ThreadID, "from_id": intent.MessageID})

	case "regenerate":
		go func() {
			genCtx := cl.trackGeneration(intent.ThreadID)
			defer cl.untrackGeneration(intent.ThreadID)
			msg, err := coord.Regenerate(genCtx, intent.ThreadID, intent.MessageID)
			if err != nil {
				cl.reply("error", gin.H{"thread_id": intent.ThreadID, "error": err.Error()})
				return
			}
			cl.reply("message", msg)
		}()

	case "stop":
		cl.mu.Lock()
		cancel := cl.cancels[intent.ThreadID]
		cl.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	case "cursor_move":
		pos := presence.Position{X: intent.X, Y: intent.Y}
		if err := cl.session.CursorMove(ctx, intent.ThreadID, pos); err != nil {
			cl.hub.logger.Debugw("Cursor broadcast failed",
				"thread_id", intent.ThreadID,
				"error", err,
			)
		}

	case "roster":
		cl.reply("roster", gin.H{
			"thread_id": intent.ThreadID,
			"roster":    cl.session.Roster(intent.ThreadID),
		})

	default:
		cl.reply("error", gin.H{"error": "unknown action"})
	}
}

// generate runs the assistant response off the read loop so further intents
// (including stop) stay responsive.
func (cl *Client) generate(threadID string) {
	go func() {
		genCtx := cl.trackGeneration(threadID)
		defer cl.untrackGeneration(threadID)
		msg, err := cl.session.Coordinator().Generate(genCtx, threadID)
		if err != nil {
			cl.reply("error", gin.H{"thread_id": threadID, "error": err.Error()})
			return
		}
		cl.reply("message", msg)
	}()
}

func (cl *Client) trackGeneration(threadID string) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cl.mu.Lock()
	if prev := cl.cancels[threadID]; prev != nil {
		prev()
	}
	cl.cancels[threadID] = cancel
	cl.mu.Unlock()
	return ctx
}

func (cl *Client) untrackGeneration(threadID string) {
	cl.mu.Lock()
	if cancel := cl.cancels[threadID]; cancel != nil {
		cancel()
		delete(cl.cancels, threadID)
	}
	cl.mu.Unlock()
}

func (cl *Client) cancelAll() {
	cl.mu.Lock()
	for _, cancel := range cl.cancels {
		cancel()
	}
	cl.cancels = make(map[string]func())
	cl.mu.Unlock()
}
