package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/observability"
	"github.com/medsync/agent/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameHostOrigin,
}

// sameHostOrigin accepts non-browser clients and pages served from the
// agent's own host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host || u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1"
}

type statusSource interface {
	Status(ctx context.Context) models.SyncStatus
}

// WebSocketHandler handles WebSocket connections
type WebSocketHandler struct {
	hub    *services.WebSocketHub
	status statusSource
}

// NewWebSocketHandler creates a new WebSocketHandler. status may be nil.
func NewWebSocketHandler(hub *services.WebSocketHub, status statusSource) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, status: status}
}

// HandleConnection upgrades HTTP to WebSocket, sends the current sync
// status and then streams events until the client goes away.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := h.hub.NewClient(uuid.New().String(), conn)
	h.hub.Register(client)

	if h.status != nil {
		client.SendJSON(services.WSMessage{
			Type:    services.WSTypeSyncStatus,
			Payload: h.status.Status(r.Context()),
		})
	}

	go client.WritePump()

	// Blocks until the connection closes
	client.ReadPump(h.handleMessage)
}

// handleMessage processes incoming WebSocket messages
func (h *WebSocketHandler) handleMessage(client *services.WSClient, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var msg services.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		observability.Debugf("Invalid WebSocket message: %v", err)
		return
	}

	switch msg.Type {
	case services.WSTypeSubscribe:
		if topic := topicOf(msg.Payload); topic != "" {
			h.hub.Subscribe(client, topic)
		}

	case services.WSTypeUnsubscribe:
		if topic := topicOf(msg.Payload); topic != "" {
			h.hub.Unsubscribe(client, topic)
		}

	case services.WSTypePing:
		client.SendJSON(services.WSMessage{Type: services.WSTypePong})

	default:
		observability.Debugf("Unknown WebSocket message type: %s", msg.Type)
	}
}

// topicOf accepts either "topic" or {"topic": "topic"}
func topicOf(payload interface{}) string {
	switch p := payload.(type) {
	case string:
		return p
	case map[string]interface{}:
		if topic, ok := p["topic"].(string); ok {
			return topic
		}
	}
	return ""
}
