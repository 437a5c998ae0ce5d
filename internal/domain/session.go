// Package domain contains core domain types for the dialogue session engine.
package domain

import (
	"encoding/json"
	"maps"
	"math"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// StatusActive is the initial state; only active sessions accept messages.
	StatusActive SessionStatus = "active"
	// StatusEnded is the terminal state reached by an explicit end request.
	StatusEnded SessionStatus = "ended"
	// StatusExpired is the terminal state reached by the TTL sweep.
	StatusExpired SessionStatus = "expired"
)

// Terminal returns true for states no operation transitions out of.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusEnded, StatusExpired:
		return true
	}
	return false
}

// Context is the conversational memory attached to a session.
// The engine never interprets values, it only merges them.
type Context map[string]any

// Merge returns a new Context holding c overlaid with updates.
// Keys present in updates win; c is left untouched.
func (c Context) Merge(updates Context) Context {
	merged := make(Context, len(c)+len(updates))
	maps.Copy(merged, c)
	maps.Copy(merged, updates)
	return merged
}

// Clone returns a shallow copy of the context map.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	return maps.Clone(c)
}

// Session is a bounded conversation identified by an opaque id.
type Session struct {
	ID           string        `json:"session_id"`
	UserID       string        `json:"user_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActive   time.Time     `json:"last_active"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	MessageCount int64         `json:"message_count"`
	Context      Context       `json:"context"`
	Status       SessionStatus `json:"status"`
	// Version guards conditional writes; stores bump it on every update.
	Version int64 `json:"version"`
}

// NewSession builds an Active session with an empty context.
func NewSession(id, userID string, now time.Time) *Session {
	return &Session{
		ID:         id,
		UserID:     userID,
		CreatedAt:  now,
		LastActive: now,
		Context:    Context{},
		Status:     StatusActive,
	}
}

// IsActive returns true if the session accepts messages.
func (s *Session) IsActive() bool {
	return s.Status == StatusActive
}

// IdleFor returns how long the session has been inactive at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActive)
}

// ShouldExpire returns true if an active session has been idle longer than timeout.
func (s *Session) ShouldExpire(now time.Time, timeout time.Duration) bool {
	return s.IsActive() && s.IdleFor(now) > timeout
}

// Clone returns a deep copy safe to mutate independently.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Context = s.Context.Clone()
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Touch moves LastActive forward to now. It never moves it backwards.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActive) {
		s.LastActive = now
	}
}

// RecordTurn merges updates into the context, counts the message and touches the session.
func (s *Session) RecordTurn(updates Context, now time.Time) {
	s.Context = s.Context.Merge(updates)
	s.MessageCount++
	s.Touch(now)
}

// Terminate moves an active session into a terminal status.
// It returns false when the session was already terminal.
func (s *Session) Terminate(status SessionStatus, now time.Time) bool {
	if !s.IsActive() || !status.Terminal() {
		return false
	}
	s.Status = status
	t := now
	s.EndedAt = &t
	return true
}

// Apply validates and applies a partial field update.
// Unknown or lifecycle-owned fields are rejected and s is left unchanged.
func (s *Session) Apply(fields map[string]any) error {
	if len(fields) == 0 {
		return invalid("fields", "no fields to update")
	}

	next := s.Clone()
	for name, raw := range fields {
		switch name {
		case "user_id":
			v, ok := raw.(string)
			if !ok {
				return invalid(name, "must be a string")
			}
			next.UserID = v
		case "context":
			v, ok := asContext(raw)
			if !ok {
				return invalid(name, "must be an object")
			}
			next.Context = next.Context.Merge(v)
		case "message_count":
			n, ok := asInt64(raw)
			if !ok {
				return invalid(name, "must be an integer")
			}
			if n < s.MessageCount {
				return invalid(name, "cannot decrease from %d to %d", s.MessageCount, n)
			}
			next.MessageCount = n
		case "last_active":
			t, ok := asTime(raw)
			if !ok {
				return invalid(name, "must be an RFC3339 timestamp")
			}
			if t.Before(s.CreatedAt) {
				return invalid(name, "cannot precede created_at")
			}
			next.LastActive = t
		case "session_id", "id", "created_at", "version":
			return invalid(name, "field is immutable")
		case "status", "ended_at", "is_active":
			return invalid(name, "lifecycle fields change only through end or sweep")
		default:
			return invalid(name, "unknown field")
		}
	}

	*s = *next
	return nil
}

func asContext(raw any) (Context, bool) {
	switch v := raw.(type) {
	case Context:
		return v, true
	case map[string]any:
		return Context(v), true
	case nil:
		return Context{}, true
	}
	return nil, false
}

func asInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func asTime(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}
	return time.Time{}, false
}
