package websocket

import (
	"crypto/rand"
	"encoding/base64"
	"sync"

	"go.uber.org/zap"

	"chatcore/internal/app/presence"
	"chatcore/internal/app/view"
	"chatcore/internal/utils"
)

type Client struct {
	hub     *Hub
	conn    ClientConn
	ID      string
	session *view.Session
	send    chan interface{}

	mu      sync.Mutex
	threads map[string]bool
	cancels map[string]func()
}

type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

func generateClientID() string {
	bytes := make([]byte, 6)
	if _, err := rand.Read(bytes); err != nil {
		return "xxxxx"
	}
	return base64.URLEncoding.EncodeToString(bytes)
}

func (c *Client) watching(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads[threadID]
}

// Hub tracks connected clients and fans event-bus notifications (message
// mutations, persistence failures) out to the clients watching the affected
// thread.
type Hub struct {
	coordinator *view.Coordinator
	channel     presence.Channel
	presenceOpt presence.Options
	eventBus    *utils.EventBus
	zapLogger   *zap.Logger
	logger      *zap.SugaredLogger

	register   chan *Client
	unregister chan *Client
	clients    map[*Client]bool
}

func NewHub(
	coordinator *view.Coordinator,
	channel presence.Channel,
	presenceOpt presence.Options,
	eventBus *utils.EventBus,
	logger *zap.Logger,
) *Hub {
	return &Hub{
		coordinator: coordinator,
		channel:     channel,
		presenceOpt: presenceOpt,
		eventBus:    eventBus,
		zapLogger:   logger,
		logger:      logger.Sugar(),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		clients:     make(map[*Client]bool),
	}
}

func (h *Hub) Run() {
	h.logger.Info("WebSocket Hub started")

	events := h.eventBus.SubscribeCh()
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Infow("Client connected",
				"client_id", client.ID,
				"clients_count", len(h.clients),
			)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Infow("Client disconnected",
					"client_id", client.ID,
					"clients_count", len(h.clients),
				)
			}

		case ev := <-events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev utils.Event) {
	threadID := threadIDOf(ev)
	for client := range h.clients {
		if threadID != "" && !client.watching(threadID) {
			continue
		}
		select {
		case client.send <- ev:
		default:
			// Slow consumer; notifications are best-effort.
		}
	}
}

func threadIDOf(ev utils.Event) string {
	data, ok := ev.Data.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := data["thread_id"].(string)
	return id
}
