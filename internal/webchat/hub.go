// Package webchat is a WebSocket chat transport for local use. Each browser
// tab or script is a client identified by a UUID; the UUID maps to a stable
// conversation id so reconnecting clients keep their agent sessions.
package webchat

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/tgcode/internal/transport"
)

// ErrOffline is returned when sending to a conversation with no connection.
var ErrOffline = errors.New("webchat client is not connected")

// writeTimeout bounds a single frame write.
const writeTimeout = 10 * time.Second

// Routes is told which conversations this hub currently serves.
type Routes interface {
	Route(conversationID int64, t transport.Transport)
	Unroute(conversationID int64)
}

// Hub tracks connected clients and implements transport.Transport for them.
type Hub struct {
	mu     sync.RWMutex
	active map[int64]*websocket.Conn
	routed map[int64]struct{}
	nextID atomic.Int64
	routes Routes
	logger *slog.Logger
}

// NewHub creates a hub. routes may be nil.
func NewHub(routes Routes, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[int64]*websocket.Conn),
		routed: make(map[int64]struct{}),
		routes: routes,
		logger: logger,
	}
}

// ConversationID maps a client id onto the conversation id space. Results are
// below -2^52, clear of Telegram chat ids.
func ConversationID(client uuid.UUID) int64 {
	v := int64(binary.BigEndian.Uint64(client[:8]) >> 13)
	return -(1 << 52) - v
}

// GetActive returns the connection serving a conversation.
func (h *Hub) GetActive(conversationID int64) *websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active[conversationID]
}

// Register binds conn to the conversation, closing any connection it
// replaces.
func (h *Hub) Register(conversationID int64, conn *websocket.Conn) {
	h.mu.Lock()
	existing, exists := h.active[conversationID]
	h.active[conversationID] = conn
	h.routed[conversationID] = struct{}{}
	h.mu.Unlock()

	if exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	if h.routes != nil {
		h.routes.Route(conversationID, h)
	}
	h.logger.Info("webchat client registered", "conversation_id", conversationID)
}

// Unregister removes conn if it still serves the conversation. The route is
// kept so replies for a disconnected client fail with ErrOffline instead of
// reaching another transport.
func (h *Hub) Unregister(conversationID int64, conn *websocket.Conn) {
	h.mu.Lock()
	current, exists := h.active[conversationID]
	removed := exists && current == conn
	if removed {
		delete(h.active, conversationID)
	}
	h.mu.Unlock()

	if removed {
		h.logger.Info("webchat client unregistered", "conversation_id", conversationID)
	}
}

// CloseAll disconnects every client and drops the route of every
// conversation the hub has served, connected or not.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.active
	routed := h.routed
	h.active = make(map[int64]*websocket.Conn)
	h.routed = make(map[int64]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	if h.routes != nil {
		for conv := range routed {
			h.routes.Unroute(conv)
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

func (h *Hub) newMessageID() int {
	return int(h.nextID.Add(1))
}

// SendText implements transport.Transport.
func (h *Hub) SendText(ctx context.Context, msg transport.Message) (int, error) {
	id := h.newMessageID()
	err := h.write(ctx, msg.ConversationID, frame{
		Type:    frameMessage,
		ID:      id,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
		Buttons: toButtons(msg.Buttons),
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// EditText implements transport.Transport.
func (h *Hub) EditText(ctx context.Context, conversationID int64, messageID int, text string, buttons [][]transport.Button) error {
	return h.write(ctx, conversationID, frame{
		Type:    frameEdit,
		ID:      messageID,
		Text:    text,
		Buttons: toButtons(buttons),
	})
}

// AnswerCallback implements transport.CallbackAnswerer. Empty notices are
// not sent.
func (h *Hub) AnswerCallback(ctx context.Context, conversationID int64, callbackID, text string) error {
	if text == "" {
		return nil
	}
	return h.write(ctx, conversationID, frame{Type: frameNotice, CallbackID: callbackID, Text: text})
}

func (h *Hub) write(ctx context.Context, conversationID int64, f frame) error {
	conn := h.GetActive(conversationID)
	if conn == nil {
		return fmt.Errorf("conversation %d: %w", conversationID, ErrOffline)
	}
	return writeFrame(ctx, conn, f)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}
