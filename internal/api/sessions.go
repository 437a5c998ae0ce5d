package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/identity"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
	UserID    string `json:"user_id" validate:"omitempty,max=128"`
	Message   string `json:"message" validate:"max=4096"`
}

// SessionRequest is the body of POST /api/sessions.
type SessionRequest struct {
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
	UserID    string `json:"user_id" validate:"omitempty,max=128"`
}

// MessageRequest is the body of POST /api/sessions/{id}/messages.
type MessageRequest struct {
	Message string `json:"message" validate:"max=4096"`
}

// UpdateSessionRequest is the body of PATCH /api/sessions/{id}.
type UpdateSessionRequest struct {
	Fields map[string]any `json:"fields" validate:"required,min=1"`
}

// Health returns the health status of the API and its store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"checks":    map[string]string{"api": "ok"},
		"knowledge": h.engine.Knowledge().Len(),
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// Chat resumes or starts a session and answers one message in it.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = identity.SessionIDFromContext(r.Context())
	}
	// A resumed session attributes the turn to its owner.
	if req.SessionID == "" && req.UserID == "" {
		req.UserID = identity.UserIDFromContext(r.Context())
	}

	reply, err := h.engine.Chat(r.Context(), req.SessionID, req.UserID, req.Message)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

// CreateSession resumes an Active session or creates a new one.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.UserID == "" {
		req.UserID = identity.UserIDFromContext(r.Context())
	}

	status := http.StatusOK
	if req.SessionID == "" {
		status = http.StatusCreated
	}
	sess, err := h.engine.ResolveOrCreate(r.Context(), req.SessionID, req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, status, sess)
}

// GetSession returns a session in any status.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.Sessions().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sess == nil {
		h.fail(w, r, domain.ErrSessionNotFound)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// UpdateSession applies validated field updates to an Active session.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.engine.Sessions().Update(r.Context(), chi.URLParam(r, "id"), req.Fields)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// PostMessage answers a message within an existing session.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	reply, err := h.engine.HandleMessage(r.Context(), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

// EndSession ends a session. Ending a terminal session returns it unchanged.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.EndSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.conns != nil {
		h.conns.CloseSession(sess.ID, ReasonSessionEnded)
	}
	JSON(w, http.StatusOK, sess)
}

// SweepSessions expires idle sessions on demand.
func (h *Handler) SweepSessions(w http.ResponseWriter, r *http.Request) {
	if h.conns == nil {
		n, err := h.engine.SweepExpiredSessions(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		JSON(w, http.StatusOK, map[string]int{"expired": n})
		return
	}

	expired, err := h.engine.Sessions().Sweep(r.Context())
	for _, id := range expired {
		h.conns.ExpireSession(id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"expired": len(expired)})
}

// SessionStats reports the number of Active sessions.
func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Sessions().ActiveCount(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"active_sessions":         n,
		"session_timeout_seconds": int64(h.engine.Sessions().Timeout().Seconds()),
	})
}
