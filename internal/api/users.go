package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// CreateUserRequest is the body of POST /api/users.
type CreateUserRequest struct {
	UserID      string         `json:"user_id" validate:"omitempty,max=128"`
	Email       string         `json:"email" validate:"omitempty,email"`
	Preferences map[string]any `json:"preferences"`
}

// CreateUser creates a profile with default preferences overlaid by the request.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.UserID == "" {
		req.UserID = uuid.NewString()
	}

	profile := domain.NewUserProfile(req.UserID, req.Email, req.Preferences, time.Now().UTC())
	if err := h.repo.CreateUser(r.Context(), profile); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("User created", "user_id", profile.ID)
	JSON(w, http.StatusCreated, profile)
}

// GetUser returns a profile.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	profile, err := h.repo.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if profile == nil {
		h.fail(w, r, domain.ErrUserNotFound)
		return
	}
	JSON(w, http.StatusOK, profile)
}

// UserSessions lists a user's sessions, newest first.
func (h *Handler) UserSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.engine.Sessions().UserSessions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// UserHistory returns a user's interactions, newest first. The optional
// limit query parameter defaults to and is capped at store.DefaultHistoryLimit.
func (h *Handler) UserHistory(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(w, r, &domain.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = min(n, store.DefaultHistoryLimit)
	}

	history, err := h.repo.ListUserInteractions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if history == nil {
		history = []*domain.Interaction{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"interactions": history})
}
