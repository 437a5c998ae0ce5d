package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/knowledge"
)

// SentimentRequest is the body of POST /api/sentiment.
type SentimentRequest struct {
	Text string `json:"text" validate:"max=4096"`
}

// SentimentBatchRequest is the body of POST /api/sentiment/batch.
type SentimentBatchRequest struct {
	Texts []string `json:"texts" validate:"required,max=256,dive,max=4096"`
}

// Sentiment returns the label, per-label scores and intensity of a text.
func (h *Handler) Sentiment(w http.ResponseWriter, r *http.Request) {
	var req SentimentRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.engine.Analyzer().Assess(r.Context(), req.Text))
}

// SentimentBatch labels each text, preserving order.
func (h *Handler) SentimentBatch(w http.ResponseWriter, r *http.Request) {
	var req SentimentBatchRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sentiments": h.engine.Analyzer().AnalyzeBatch(r.Context(), req.Texts),
	})
}

// ListKnowledge returns the entries of the current snapshot.
func (h *Handler) ListKnowledge(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Knowledge().Snapshot()
	JSON(w, http.StatusOK, map[string]interface{}{
		"count":   snap.Len(),
		"entries": snap.Entries(),
	})
}

// ReplaceKnowledge swaps the knowledge base for the document in the body,
// which uses the same format as the knowledge base file.
func (h *Handler) ReplaceKnowledge(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: read body: %v", domain.ErrValidation, err))
		return
	}
	entries, err := knowledge.Parse(data)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}
	if err := h.engine.Knowledge().Replace(entries); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("Knowledge base replaced", "intents", len(entries))
	JSON(w, http.StatusOK, map[string]int{"count": len(entries)})
}

// ReloadKnowledge re-reads the configured knowledge base file.
func (h *Handler) ReloadKnowledge(w http.ResponseWriter, r *http.Request) {
	if h.kbPath == "" {
		Error(w, http.StatusConflict, "no knowledge base file configured")
		return
	}
	if err := h.engine.Knowledge().Reload(h.kbPath); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			h.fail(w, r, err)
			return
		}
		h.logger.Error("Knowledge base reload failed", "path", h.kbPath, "error", err)
		Error(w, http.StatusInternalServerError, "reload failed")
		return
	}
	JSON(w, http.StatusOK, map[string]int{"count": h.engine.Knowledge().Len()})
}
