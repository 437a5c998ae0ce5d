// Package dialogue runs the message-to-response pipeline on top of the
// session lifecycle: preprocessing, intent classification, knowledge lookup,
// response synthesis, context update and interaction logging.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/chatdesk/internal/classifier"
	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/interactions"
	"github.com/ashureev/chatdesk/internal/knowledge"
	"github.com/ashureev/chatdesk/internal/sentiment"
	"github.com/ashureev/chatdesk/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Confidence reported for each outcome.
const (
	KnowledgeConfidence = 0.8
	FallbackConfidence  = 0.5
	DegradedConfidence  = 0.0
)

// IntentUnknown is used when a message has no text to classify.
const IntentUnknown = "unknown"

// DefaultClassifierTimeout bounds a single intent classification.
const DefaultClassifierTimeout = 2 * time.Second

// ApologyResponse is returned whenever the pipeline cannot produce an answer.
const ApologyResponse = "I apologize, but I'm having trouble processing your request right now."

const defaultFallback = "I'm still learning and don't have an answer for that yet."

var fallbackResponses = map[string]string{
	classifier.IntentGeneralQuery:  "Could you please provide more specific information?",
	classifier.IntentSpecificQuery: "I'm not sure I understand. Could you rephrase that?",
}

// FallbackResponse returns the canned response for an intent with no knowledge entry.
func FallbackResponse(intent string) string {
	if r, ok := fallbackResponses[intent]; ok {
		return r
	}
	return defaultFallback
}

// Outcome tells which branch of the pipeline produced a reply.
type Outcome string

const (
	// OutcomeKnowledge means the intent hit the knowledge base.
	OutcomeKnowledge Outcome = "knowledge"
	// OutcomeFallback means a canned per-intent response was used.
	OutcomeFallback Outcome = "fallback"
	// OutcomeDegraded means a collaborator failed and the apology was returned.
	OutcomeDegraded Outcome = "degraded"
)

// Reply is the result of handling one message.
type Reply struct {
	SessionID  string           `json:"session_id"`
	Response   string           `json:"response"`
	Confidence float64          `json:"confidence"`
	Intent     string           `json:"intent"`
	Keywords   []string         `json:"keywords"`
	Sentiment  domain.Sentiment `json:"sentiment"`
	Outcome    Outcome          `json:"outcome"`
	// Cause is the absorbed failure behind a degraded reply.
	Cause error `json:"-"`
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Sessions          *session.Manager
	Knowledge         *knowledge.Base
	Classifier        classifier.IntentClassifier
	Sentiment         *sentiment.Analyzer
	Sink              interactions.Sink
	ClassifierTimeout time.Duration
	Logger            *slog.Logger
	Clock             func() time.Time
}

// Engine is the dialogue session engine.
type Engine struct {
	sessions        *session.Manager
	kb              *knowledge.Base
	intents         classifier.IntentClassifier
	sentiment       *sentiment.Analyzer
	sink            interactions.Sink
	classifyTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
	tracer          trace.Tracer
}

// New creates an engine. Missing optional collaborators get local defaults:
// an empty knowledge base, the pattern classifier, the lexicon sentiment
// model and a sink that discards records.
func New(d Deps) *Engine {
	e := &Engine{
		sessions:        d.Sessions,
		kb:              d.Knowledge,
		intents:         d.Classifier,
		sentiment:       d.Sentiment,
		sink:            d.Sink,
		classifyTimeout: d.ClassifierTimeout,
		logger:          d.Logger,
		now:             d.Clock,
		tracer:          otel.Tracer("github.com/ashureev/chatdesk/internal/dialogue"),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.kb == nil {
		e.kb = knowledge.New()
	}
	if e.intents == nil {
		e.intents = classifier.NewPatternClassifier(e.kb)
	}
	if e.sentiment == nil {
		e.sentiment = sentiment.NewAnalyzer(classifier.LexiconModel{}, 0, e.logger)
	}
	if e.sink == nil {
		e.sink = interactions.NoopSink{}
	}
	if e.classifyTimeout <= 0 {
		e.classifyTimeout = DefaultClassifierTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Knowledge returns the knowledge base the engine reads.
func (e *Engine) Knowledge() *knowledge.Base {
	return e.kb
}

// Sessions returns the session manager.
func (e *Engine) Sessions() *session.Manager {
	return e.sessions
}

// ResolveOrCreate returns the Active session sessionID, or a new session
// for userID when sessionID is empty. An explicit id that does not resolve
// to an Active session fails with ErrSessionNotFound.
func (e *Engine) ResolveOrCreate(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	if sessionID != "" {
		return e.sessions.Resolve(ctx, sessionID)
	}
	return e.sessions.Create(ctx, userID)
}

// HandleMessage answers text within sessionID. Collaborator failures are
// absorbed into a degraded reply; only ErrSessionNotFound and
// ErrSessionInactive are returned as errors.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, text string) (Reply, error) {
	return e.handle(ctx, sessionID, "", text)
}

// Chat resumes sessionID, or starts a session for userID when it is empty,
// and handles text in it.
func (e *Engine) Chat(ctx context.Context, sessionID, userID, text string) (Reply, error) {
	if sessionID == "" {
		s, err := e.sessions.Create(ctx, userID)
		if err != nil {
			// No session could be created, so there is nothing to record the turn against.
			e.logger.Error("Failed to create session for chat", "user_id", userID, "error", err)
			return e.degradedReply("", nil, err), nil
		}
		sessionID = s.ID
	}
	return e.handle(ctx, sessionID, userID, text)
}

func (e *Engine) handle(ctx context.Context, sessionID, userID, text string) (Reply, error) {
	ctx, span := e.tracer.Start(ctx, "dialogue.HandleMessage",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sess, err := e.sessions.Get(ctx, sessionID)
	switch {
	case err != nil:
		reply := e.degrade(ctx, sessionID, text, nil, err)
		e.emit(ctx, userID, text, reply)
		e.finishSpan(span, reply)
		return reply, nil
	// Rejected messages never reach the pipeline, so no interaction is
	// recorded for an unknown or closed session.
	case sess == nil:
		return Reply{}, domain.ErrSessionNotFound
	case !sess.IsActive():
		return Reply{}, domain.ErrSessionInactive
	}
	if userID == "" {
		userID = sess.UserID
	}

	// Sentiment does not depend on the rest of the pipeline.
	sentimentCh := make(chan domain.Sentiment, 1)
	go func() {
		sentimentCh <- e.sentiment.Analyze(ctx, text)
	}()

	reply, err := e.respond(ctx, sess.ID, text)
	if err != nil {
		if errors.Is(err, domain.ErrSessionInactive) || errors.Is(err, domain.ErrSessionNotFound) {
			// The session ended or expired while the message was in flight.
			<-sentimentCh
			span.SetStatus(codes.Error, err.Error())
			return Reply{}, err
		}
		reply = e.degrade(ctx, sess.ID, text, reply.Keywords, err)
	}
	reply.Sentiment = <-sentimentCh

	e.emit(ctx, userID, text, reply)
	e.finishSpan(span, reply)
	return reply, nil
}

// respond runs preprocessing, classification, lookup and the context update.
// Panics are converted into errors so they degrade like any other failure.
func (e *Engine) respond(ctx context.Context, sessionID, text string) (reply Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dialogue pipeline panic: %v", r)
		}
	}()

	normalized := classifier.Normalize(text)
	reply = Reply{
		SessionID: sessionID,
		Keywords:  classifier.Keywords(normalized),
		Intent:    IntentUnknown,
	}

	if strings.TrimSpace(normalized) != "" {
		intent, err := e.classify(ctx, normalized)
		if err != nil {
			return reply, err
		}
		reply.Intent = intent
	}

	if entry, ok := e.kb.Lookup(reply.Intent); ok {
		reply.Response = entry.ResponseTemplate
		reply.Confidence = KnowledgeConfidence
		reply.Outcome = OutcomeKnowledge
	} else {
		reply.Response = FallbackResponse(reply.Intent)
		reply.Confidence = FallbackConfidence
		reply.Outcome = OutcomeFallback
	}

	_, err = e.sessions.RecordTurn(ctx, sessionID, domain.Context{
		"last_intent":   reply.Intent,
		"last_message":  text,
		"last_keywords": reply.Keywords,
	})
	if err != nil {
		return reply, err
	}
	return reply, nil
}

func (e *Engine) classify(ctx context.Context, normalized string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "dialogue.Classify")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.classifyTimeout)
	defer cancel()

	pred, err := e.intents.Classify(ctx, normalized)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrClassifierUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", domain.ErrClassifierUnavailable, err)
	}
	if pred.Label == "" {
		return "", fmt.Errorf("%w: empty intent label", domain.ErrClassifierUnavailable)
	}
	span.SetAttributes(attribute.String("intent", pred.Label), attribute.Float64("score", pred.Score))
	return pred.Label, nil
}

// degrade logs cause, makes a best-effort attempt to record the turn and
// returns the apology reply.
func (e *Engine) degrade(ctx context.Context, sessionID, text string, keywords []string, cause error) Reply {
	e.logger.Warn("Degraded dialogue response", "session_id", sessionID, "error", cause)

	if sessionID != "" {
		if _, err := e.sessions.RecordTurn(ctx, sessionID, domain.Context{"last_message": text}); err != nil {
			e.logger.Warn("Best-effort session update failed", "session_id", sessionID, "error", err)
		}
	}
	return e.degradedReply(sessionID, keywords, cause)
}

func (e *Engine) degradedReply(sessionID string, keywords []string, cause error) Reply {
	if keywords == nil {
		keywords = []string{}
	}
	return Reply{
		SessionID:  sessionID,
		Response:   ApologyResponse,
		Confidence: DegradedConfidence,
		Intent:     IntentUnknown,
		Keywords:   keywords,
		Sentiment:  domain.SentimentNeutral,
		Outcome:    OutcomeDegraded,
		Cause:      cause,
	}
}

// emit sends exactly one interaction record for a processed message.
func (e *Engine) emit(ctx context.Context, userID, text string, reply Reply) {
	label := reply.Sentiment
	if label == "" {
		label = domain.SentimentNeutral
	}
	e.sink.Append(ctx, &domain.Interaction{
		ID:         domain.NewInteractionID(reply.SessionID),
		SessionID:  reply.SessionID,
		UserID:     userID,
		Timestamp:  e.now(),
		Message:    text,
		Response:   reply.Response,
		Sentiment:  label,
		Confidence: reply.Confidence,
		Intent:     reply.Intent,
	})
}

func (e *Engine) finishSpan(span trace.Span, reply Reply) {
	span.SetAttributes(
		attribute.String("outcome", string(reply.Outcome)),
		attribute.String("intent", reply.Intent),
		attribute.Float64("confidence", reply.Confidence),
	)
	if reply.Cause != nil {
		span.RecordError(reply.Cause)
	}
}

// Sentiment returns the sentiment label for text.
func (e *Engine) Sentiment(ctx context.Context, text string) domain.Sentiment {
	return e.sentiment.Analyze(ctx, text)
}

// Analyzer returns the sentiment analyzer.
func (e *Engine) Analyzer() *sentiment.Analyzer {
	return e.sentiment
}

// EndSession ends sessionID. Ending a terminal session is a no-op.
func (e *Engine) EndSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return e.sessions.End(ctx, sessionID)
}

// SweepExpiredSessions expires idle sessions and returns how many were transitioned.
func (e *Engine) SweepExpiredSessions(ctx context.Context) (int, error) {
	expired, err := e.sessions.Sweep(ctx)
	return len(expired), err
}
