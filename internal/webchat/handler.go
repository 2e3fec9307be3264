package webchat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/tgcode/internal/bridge"
	"github.com/ashureev/tgcode/internal/sentry"
	"github.com/ashureev/tgcode/internal/transport"
)

// Frame types.
const (
	frameHello    = "hello"
	frameAck      = "ack"
	frameMessage  = "message"
	frameEdit     = "edit"
	frameNotice   = "notice"
	frameCallback = "callback"
	framePing     = "ping"
	framePong     = "pong"
	frameError    = "error"
)

// frame is the JSON envelope exchanged in both directions.
type frame struct {
	Type           string     `json:"type"`
	ID             int        `json:"id,omitempty"`
	Text           string     `json:"text,omitempty"`
	ReplyTo        int        `json:"reply_to,omitempty"`
	Buttons        [][]button `json:"buttons,omitempty"`
	CallbackID     string     `json:"callback_id,omitempty"`
	Data           string     `json:"data,omitempty"`
	MessageID      int        `json:"message_id,omitempty"`
	Client         string     `json:"client,omitempty"`
	ConversationID int64      `json:"conversation_id,omitempty"`
}

type button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

func toButtons(rows [][]transport.Button) [][]button {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]button, len(rows))
	for i, row := range rows {
		out[i] = make([]button, len(row))
		for j, b := range row {
			out[i][j] = button{Text: b.Text, Data: b.Data}
		}
	}
	return out
}

// Handler consumes chat updates.
type Handler interface {
	Dispatch(ctx context.Context, u bridge.Update)
}

// WebSocketHandler upgrades HTTP requests into chat clients.
type WebSocketHandler struct {
	hub           *Hub
	handler       Handler
	allowedOrigin string
	logger        *slog.Logger
}

// NewWebSocketHandler creates a handler. An allowedOrigin of "" or "*"
// accepts any origin.
func NewWebSocketHandler(hub *Hub, h Handler, allowedOrigin string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{hub: hub, handler: h, allowedOrigin: allowedOrigin, logger: logger}
}

// ServeHTTP implements http.Handler. The optional "client" query parameter
// carries a UUID from an earlier hello frame to resume its conversation.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := uuid.New()
	if raw := r.URL.Query().Get("client"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid client id", http.StatusBadRequest)
			return
		}
		client = parsed
	}
	conv := ConversationID(client)
	logger := h.logger.With("conversation_id", conv, "client", client.String())

	opts := &websocket.AcceptOptions{}
	if h.allowedOrigin == "" || h.allowedOrigin == "*" {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = []string{h.allowedOrigin}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		logger.Warn("failed to accept websocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.hub.Register(conv, ws)
	defer h.hub.Unregister(conv, ws)

	if err := writeFrame(ctx, ws, frame{Type: frameHello, Client: client.String(), ConversationID: conv}); err != nil {
		logger.Debug("failed to send hello", "error", err)
		return
	}
	h.readLoop(ctx, ws, conv, logger)
	logger.Info("webchat session ended")
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, conv int64, logger *slog.Logger) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("websocket closed by client")
			} else {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var in frame
		if err := json.Unmarshal(data, &in); err != nil {
			_ = writeFrame(ctx, ws, frame{Type: frameError, Text: "malformed frame"})
			continue
		}

		switch in.Type {
		case frameMessage:
			id := h.hub.newMessageID()
			if err := writeFrame(ctx, ws, frame{Type: frameAck, ID: id}); err != nil {
				logger.Debug("failed to echo message id", "error", err)
			}
			h.dispatch(ctx, bridge.Update{ConversationID: conv, UserID: conv, MessageID: id, Text: in.Text}, logger)
		case frameCallback:
			cbID := in.CallbackID
			if cbID == "" {
				cbID = uuid.NewString()
			}
			h.dispatch(ctx, bridge.Update{
				ConversationID: conv,
				UserID:         conv,
				Callback:       &bridge.Callback{ID: cbID, Data: in.Data, MessageID: in.MessageID},
			}, logger)
		case framePing:
			if err := writeFrame(ctx, ws, frame{Type: framePong}); err != nil {
				logger.Debug("failed to send pong", "error", err)
			}
		default:
			_ = writeFrame(ctx, ws, frame{Type: frameError, Text: "unknown frame type " + in.Type})
		}
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, u bridge.Update, logger *slog.Logger) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("update handler panicked", "panic", v)
			sentry.ReportPanic(v, map[string]string{"component": "webchat"})
		}
	}()
	h.handler.Dispatch(ctx, u)
}
