package api

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Connections tracks the open WebSocket for each chat session.
type Connections struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConnections creates an empty registry.
func NewConnections() *Connections {
	return &Connections{
		active: make(map[string]*websocket.Conn),
	}
}

// Get returns the connection bound to sessionID.
func (c *Connections) Get(sessionID string) *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active[sessionID]
}

// Len returns the number of bound sessions.
func (c *Connections) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active)
}

// Register binds conn to sessionID. A different connection already bound
// to the session is closed.
func (c *Connections) Register(sessionID string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.active[sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	c.active[sessionID] = conn
	slog.Debug("Chat connection registered", "session_id", sessionID)
}

// Unregister removes conn if it is still the one bound to sessionID.
func (c *Connections) Unregister(sessionID string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.active[sessionID]; ok && current == conn {
		delete(c.active, sessionID)
		slog.Debug("Chat connection unregistered", "session_id", sessionID)
	}
}

// Close reasons sent to the client.
const (
	ReasonSessionEnded   = "session ended"
	ReasonSessionExpired = "session expired"
)

// CloseSession closes the connection bound to sessionID, if any, sending
// reason in the close frame.
func (c *Connections) CloseSession(sessionID, reason string) {
	c.mu.Lock()
	conn, ok := c.active[sessionID]
	delete(c.active, sessionID)
	c.mu.Unlock()

	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, reason)
	slog.Info("Chat connection closed", "session_id", sessionID, "reason", reason)
}

// ExpireSession closes the connection of an expired session. It is used as
// the sweeper's expiry callback.
func (c *Connections) ExpireSession(sessionID string) {
	c.CloseSession(sessionID, ReasonSessionExpired)
}
