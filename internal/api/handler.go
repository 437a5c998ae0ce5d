// Package api provides HTTP handlers for the chatdesk API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/ashureev/chatdesk/internal/dialogue"
	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	engine   *dialogue.Engine
	repo     store.Repository
	validate *validator.Validate
	identity func(http.Handler) http.Handler
	conns    *Connections
	kbPath   string
	logger   *slog.Logger
}

// NewHandler creates a new Handler. kbPath is the knowledge base document
// used by the reload endpoint; it may be empty.
func NewHandler(engine *dialogue.Engine, repo store.Repository, kbPath string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:   engine,
		repo:     repo,
		validate: newValidator(),
		kbPath:   kbPath,
		logger:   logger,
	}
}

// SetIdentity installs the middleware that attributes chat traffic to a user.
func (h *Handler) SetIdentity(mw func(http.Handler) http.Handler) {
	h.identity = mw
}

// SetConnections lets session endpoints close the sockets of sessions they
// end or expire.
func (h *Handler) SetConnections(c *Connections) {
	h.conns = c
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// chatRoutes returns r with the identity middleware applied when one is set.
func (h *Handler) chatRoutes(r chi.Router) chi.Router {
	if h.identity == nil {
		return r
	}
	return r.With(h.identity)
}

// RegisterRoutes registers all REST routes under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		h.chatRoutes(r).Post("/chat", h.Chat)

		r.Route("/sessions", func(r chi.Router) {
			h.chatRoutes(r).Post("/", h.CreateSession)
			r.Post("/sweep", h.SweepSessions)
			r.Get("/stats", h.SessionStats)
			r.Get("/{id}", h.GetSession)
			r.Patch("/{id}", h.UpdateSession)
			r.Post("/{id}/messages", h.PostMessage)
			r.Post("/{id}/end", h.EndSession)
		})

		r.Post("/sentiment", h.Sentiment)
		r.Post("/sentiment/batch", h.SentimentBatch)

		r.Route("/knowledge", func(r chi.Router) {
			r.Get("/", h.ListKnowledge)
			r.Put("/", h.ReplaceKnowledge)
			r.Post("/reload", h.ReloadKnowledge)
		})

		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/sessions", h.UserSessions)
			r.Get("/{id}/history", h.UserHistory)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps an error to an HTTP status and a stable error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, domain.ErrSessionInactive):
		return http.StatusConflict, "session_inactive"
	case errors.Is(err, domain.ErrUserExists):
		return http.StatusConflict, "user_exists"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// fail writes err with its mapped status. Server-side failures are logged
// and their detail is withheld from the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		Error(w, status, code)
		return
	}
	JSON(w, status, map[string]string{"error": code, "detail": err.Error()})
}

// decode reads a JSON body into dst and validates it. An empty body decodes
// as the zero value so that optional-only requests need no payload.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &domain.ValidationError{Field: "body", Reason: "malformed JSON: " + err.Error()}
	}
	if err := h.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &domain.ValidationError{Field: "body", Reason: err.Error()}
	}
	fe := fieldErrs[0]
	reason := "failed " + fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return &domain.ValidationError{Field: fe.Field(), Reason: reason}
}
