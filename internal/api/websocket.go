package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/chatdesk/internal/dialogue"
	"github.com/ashureev/chatdesk/internal/identity"
	"github.com/coder/websocket"
)

// WebSocketHandler serves chat over a WebSocket. One connection is bound to
// one session; the socket is closed when the session ends or expires.
type WebSocketHandler struct {
	engine         *dialogue.Engine
	conns          *Connections
	originPatterns []string
	logger         *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. originPatterns are
// passed to the upgrader; nil allows same-origin requests only.
func NewWebSocketHandler(engine *dialogue.Engine, conns *Connections, originPatterns []string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		engine:         engine,
		conns:          conns,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// wsMessage is a client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type wsReply struct {
	Type string `json:"type"`
	dialogue.Reply
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = identity.SessionIDFromContext(r.Context())
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := h.engine.ResolveOrCreate(ctx, sessionID, userID)
	if err != nil {
		_, code := StatusFor(err)
		h.writeJSON(ctx, ws, map[string]string{"type": "error", "error": code})
		return
	}

	h.conns.Register(sess.ID, ws)
	defer h.conns.Unregister(sess.ID, ws)

	h.logger.Info("Chat connection opened", "session_id", sess.ID, "user_id", userID)
	h.writeJSON(ctx, ws, map[string]interface{}{"type": "session", "session": sess})
	h.readLoop(ctx, ws, sess.ID)
	h.logger.Info("Chat connection closed", "session_id", sess.ID, "user_id", userID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Bare text frames are treated as messages.
			msg = wsMessage{Type: "message", Content: string(data)}
		}

		switch msg.Type {
		case "message":
			reply, err := h.engine.HandleMessage(ctx, sessionID, msg.Content)
			if err != nil {
				_, code := StatusFor(err)
				h.writeJSON(ctx, ws, map[string]string{"type": "error", "error": code})
				return
			}
			h.writeJSON(ctx, ws, wsReply{Type: "reply", Reply: reply})
		case "ping":
			h.writeJSON(ctx, ws, map[string]string{"type": "pong"})
		case "end":
			sess, err := h.engine.EndSession(ctx, sessionID)
			if err != nil {
				_, code := StatusFor(err)
				h.writeJSON(ctx, ws, map[string]string{"type": "error", "error": code})
				return
			}
			h.writeJSON(ctx, ws, map[string]interface{}{"type": "ended", "session": sess})
			return
		default:
			h.writeJSON(ctx, ws, map[string]string{"type": "error", "error": "unknown_message_type"})
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode websocket frame", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("WebSocket write error", "error", err)
	}
}
