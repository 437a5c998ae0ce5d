// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/chatdesk/internal/domain"
)

// ErrNotFound is returned by conditional writes that target a missing record.
var ErrNotFound = errors.New("record not found")

// DefaultHistoryLimit caps interaction history queries.
const DefaultHistoryLimit = 100

// SessionRepository persists session records.
type SessionRepository interface {
	// CreateSession inserts a new session and sets its Version to 1.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpdateSession replaces the stored session only if its stored Version
	// equals session.Version (optimistic locking). On success Version is
	// incremented in both the store and the passed session.
	// Returns domain.ErrVersionConflict or ErrNotFound otherwise.
	UpdateSession(ctx context.Context, session *domain.Session) error

	// ListSessionsByStatus scans all sessions in the given status.
	ListSessionsByStatus(ctx context.Context, status domain.SessionStatus) ([]*domain.Session, error)

	// ListUserSessions returns the sessions owned by a user, newest first.
	ListUserSessions(ctx context.Context, userID string) ([]*domain.Session, error)
}

// InteractionRepository is the append-only interaction log.
type InteractionRepository interface {
	// AppendInteraction stores an interaction. Interactions are never updated.
	AppendInteraction(ctx context.Context, interaction *domain.Interaction) error

	// ListUserInteractions returns up to limit interactions for a user, newest first.
	ListUserInteractions(ctx context.Context, userID string, limit int) ([]*domain.Interaction, error)
}

// UserRepository persists user profiles.
type UserRepository interface {
	// CreateUser inserts a profile. Returns domain.ErrUserExists if the id is taken.
	CreateUser(ctx context.Context, user *domain.UserProfile) error

	// GetUser retrieves a profile by id. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.UserProfile, error)
}

// Repository is the full persistence surface of the service.
type Repository interface {
	SessionRepository
	InteractionRepository
	UserRepository

	// Ping verifies connectivity and returns an error if the backend is unreachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Split serves sessions from one backend and everything else from another.
// It is used when sessions live in Redis while users and history stay in SQLite.
type Split struct {
	SessionCloser
	records Repository
}

var _ Repository = (*Split)(nil)

// SessionCloser is a session backend that owns a connection.
type SessionCloser interface {
	SessionRepository
	Ping(ctx context.Context) error
	Close() error
}

// NewSplit combines a session backend with the primary repository.
func NewSplit(sessions SessionCloser, records Repository) *Split {
	return &Split{SessionCloser: sessions, records: records}
}

// AppendInteraction delegates to the primary repository.
func (s *Split) AppendInteraction(ctx context.Context, interaction *domain.Interaction) error {
	return s.records.AppendInteraction(ctx, interaction)
}

// ListUserInteractions delegates to the primary repository.
func (s *Split) ListUserInteractions(ctx context.Context, userID string, limit int) ([]*domain.Interaction, error) {
	return s.records.ListUserInteractions(ctx, userID, limit)
}

// CreateUser delegates to the primary repository.
func (s *Split) CreateUser(ctx context.Context, user *domain.UserProfile) error {
	return s.records.CreateUser(ctx, user)
}

// GetUser delegates to the primary repository.
func (s *Split) GetUser(ctx context.Context, userID string) (*domain.UserProfile, error) {
	return s.records.GetUser(ctx, userID)
}

// Ping checks both backends.
func (s *Split) Ping(ctx context.Context) error {
	if err := s.SessionCloser.Ping(ctx); err != nil {
		return err
	}
	return s.records.Ping(ctx)
}

// Close closes both backends.
func (s *Split) Close() error {
	return errors.Join(s.SessionCloser.Close(), s.records.Close())
}
