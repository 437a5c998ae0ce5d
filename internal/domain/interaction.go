package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Sentiment is the coarse label produced by the sentiment scorer.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Interaction is one processed message. Interactions are append-only.
type Interaction struct {
	ID         string    `json:"interaction_id"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	Response   string    `json:"response"`
	Sentiment  Sentiment `json:"sentiment"`
	Confidence float64   `json:"confidence"`
	Intent     string    `json:"intent"`
}

// NewInteractionID derives an interaction id from the session id.
// ulid.Make is monotonic within a process, so ids issued in the same
// millisecond for the same session still differ and sort by issue order.
func NewInteractionID(sessionID string) string {
	return sessionID + "_" + ulid.Make().String()
}
