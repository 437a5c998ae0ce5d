package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chatdesk/internal/identity"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnections_RegisterUnregister(t *testing.T) {
	c := NewConnections()
	conn := &websocket.Conn{}

	c.Register("sess-1", conn)
	if got := c.Get("sess-1"); got != conn {
		t.Errorf("Expected connection %v, got %v", conn, got)
	}

	c.Unregister("sess-1", conn)
	if got := c.Get("sess-1"); got != nil {
		t.Errorf("Expected nil connection, got %v", got)
	}
}

func TestConnections_UnregisterStale(t *testing.T) {
	c := NewConnections()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	c.Register("sess-1", conn1)
	c.Register("sess-2", conn2)

	// A stale unregister for another session must not drop sess-2.
	c.Unregister("sess-2", conn1)
	c.Unregister("sess-1", conn1)

	if got := c.Get("sess-2"); got != conn2 {
		t.Errorf("Expected connection %v, got %v", conn2, got)
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 connection, got %d", c.Len())
	}
}

func TestConnections_CloseUnknownSession(t *testing.T) {
	c := NewConnections()
	c.CloseSession("missing", ReasonSessionEnded)
	if c.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", c.Len())
	}
}

type wsHarness struct {
	*apiHarness
	server *httptest.Server
	conns  *Connections
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	api := newAPIHarness(t)
	conns := NewConnections()

	handler := NewHandler(api.engine, api.repo, api.kbPath, nil)
	handler.SetIdentity(identity.Middleware(api.repo, false))
	handler.SetConnections(conns)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	r.With(identity.Middleware(api.repo, false)).
		Get("/ws/chat", NewWebSocketHandler(api.engine, conns, nil, nil).ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &wsHarness{apiHarness: api, server: srv, conns: conns}
}

func (h *wsHarness) dial(t *testing.T, ctx context.Context, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/chat" + query
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func readFrame(t *testing.T, ctx context.Context, ws *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func writeFrame(t *testing.T, ctx context.Context, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))
}

func TestWebSocketChatRoundTrip(t *testing.T) {
	h := newWSHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := h.dial(t, ctx, "")
	hello := readFrame(t, ctx, ws)
	require.Equal(t, "session", hello["type"])
	sid := hello["session"].(map[string]any)["session_id"].(string)

	writeFrame(t, ctx, ws, map[string]string{"type": "message", "content": "hello"})
	reply := readFrame(t, ctx, ws)
	assert.Equal(t, "reply", reply["type"])
	assert.Equal(t, sid, reply["session_id"])
	assert.Equal(t, "Hello! How can I help you today?", reply["response"])

	writeFrame(t, ctx, ws, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, ctx, ws)["type"])

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte("plain text frame")))
	assert.Equal(t, "reply", readFrame(t, ctx, ws)["type"])

	writeFrame(t, ctx, ws, map[string]string{"type": "end"})
	ended := readFrame(t, ctx, ws)
	assert.Equal(t, "ended", ended["type"])
	assert.Equal(t, "ended", ended["session"].(map[string]any)["status"])

	sess, err := h.engine.Sessions().Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.MessageCount)
}

func TestWebSocketRejectsUnknownSession(t *testing.T) {
	h := newWSHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := h.dial(t, ctx, "?session_id=missing")
	frame := readFrame(t, ctx, ws)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "session_not_found", frame["error"])
}

func TestWebSocketClosedWhenSessionExpires(t *testing.T) {
	h := newWSHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := h.dial(t, ctx, "")
	sid := readFrame(t, ctx, ws)["session"].(map[string]any)["session_id"].(string)

	require.Eventually(t, func() bool { return h.conns.Get(sid) != nil }, time.Second, 10*time.Millisecond)
	h.conns.ExpireSession(sid)

	_, _, err := ws.Read(ctx)
	require.Error(t, err)
	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.StatusNormalClosure, closeErr.Code)
	assert.Equal(t, ReasonSessionExpired, closeErr.Reason)
}

func TestWebSocketClosedWhenSessionEndedOverREST(t *testing.T) {
	h := newWSHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := h.dial(t, ctx, "")
	sid := readFrame(t, ctx, ws)["session"].(map[string]any)["session_id"].(string)
	require.Eventually(t, func() bool { return h.conns.Get(sid) != nil }, time.Second, 10*time.Millisecond)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.server.URL+"/api/sessions/"+sid+"/end", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, _, err = ws.Read(ctx)
	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.StatusNormalClosure, closeErr.Code)
	assert.Equal(t, ReasonSessionEnded, closeErr.Reason)
}
