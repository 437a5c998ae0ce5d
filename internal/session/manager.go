// Package session owns the session lifecycle: creation, resolution,
// per-turn updates, explicit end and TTL expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/store"
	"github.com/google/uuid"
)

const (
	// DefaultTimeout is the idle period after which an Active session expires.
	DefaultTimeout = time.Hour
	// DefaultMaxRetries bounds conditional-write retries per mutation.
	DefaultMaxRetries = 5
)

// ErrTooMuchContention is returned when a mutation keeps losing the optimistic lock.
var ErrTooMuchContention = errors.New("session write contention")

// Manager coordinates session state on top of a SessionRepository.
// All mutations are read-modify-write loops over conditional updates,
// so concurrent writers never lose each other's changes.
type Manager struct {
	repo       store.SessionRepository
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
	maxRetries int
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the inactivity timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMaxRetries sets how many times a conflicting write is retried.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// NewManager creates a session manager.
func NewManager(repo store.SessionRepository, opts ...Option) *Manager {
	m := &Manager{
		repo:       repo,
		timeout:    DefaultTimeout,
		now:        time.Now,
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Timeout returns the configured inactivity timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

// Create starts a new Active session.
func (m *Manager) Create(ctx context.Context, userID string) (*domain.Session, error) {
	s := domain.NewSession(uuid.NewString(), userID, m.now())
	if err := m.repo.CreateSession(ctx, s); err != nil {
		return nil, storageErr("create session", err)
	}
	m.logger.Info("Session created", "session_id", s.ID, "user_id", userID)
	return s, nil
}

// Get returns the session in any status, or nil when it does not exist.
func (m *Manager) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return s, nil
}

// Resolve returns the session if it exists and is Active.
// Ended and Expired sessions are reported as not found.
func (m *Manager) Resolve(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil || !s.IsActive() {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

// mutate applies fn to the current session and writes it back conditionally,
// re-reading and re-applying fn on version conflicts. fn reports whether
// there is anything to write; returning false ends the loop without a write.
func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(*domain.Session) (bool, error)) (*domain.Session, error) {
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		s, err := m.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, storageErr("load session", err)
		}
		if s == nil {
			return nil, domain.ErrSessionNotFound
		}

		write, err := fn(s)
		if err != nil {
			return nil, err
		}
		if !write {
			return s, nil
		}

		err = m.repo.UpdateSession(ctx, s)
		switch {
		case err == nil:
			return s, nil
		case errors.Is(err, domain.ErrVersionConflict):
			m.logger.Debug("Session write conflict, retrying", "session_id", sessionID, "attempt", attempt+1)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		case errors.Is(err, store.ErrNotFound):
			return nil, domain.ErrSessionNotFound
		default:
			return nil, storageErr("update session", err)
		}
	}
	return nil, fmt.Errorf("%w: %w after %d attempts", domain.ErrStorageUnavailable, ErrTooMuchContention, m.maxRetries)
}

// Update applies a validated partial update to an Active session.
func (m *Manager) Update(ctx context.Context, sessionID string, fields map[string]any) (*domain.Session, error) {
	return m.mutate(ctx, sessionID, func(s *domain.Session) (bool, error) {
		if !s.IsActive() {
			return false, domain.ErrSessionInactive
		}
		if err := s.Apply(fields); err != nil {
			return false, err
		}
		return true, nil
	})
}

// End moves an Active session to Ended. Ending an already terminal session
// is a no-op that returns it unchanged.
func (m *Manager) End(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.mutate(ctx, sessionID, func(s *domain.Session) (bool, error) {
		return s.Terminate(domain.StatusEnded, m.now()), nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Session ended", "session_id", sessionID, "status", s.Status)
	return s, nil
}

// RecordTurn merges context updates, counts one message and refreshes
// LastActive in a single conditional write.
func (m *Manager) RecordTurn(ctx context.Context, sessionID string, updates domain.Context) (*domain.Session, error) {
	return m.mutate(ctx, sessionID, func(s *domain.Session) (bool, error) {
		if !s.IsActive() {
			return false, domain.ErrSessionInactive
		}
		s.RecordTurn(updates, m.now())
		return true, nil
	})
}

// Touch refreshes LastActive on an Active session.
func (m *Manager) Touch(ctx context.Context, sessionID string) (*domain.Session, error) {
	return m.mutate(ctx, sessionID, func(s *domain.Session) (bool, error) {
		if !s.IsActive() {
			return false, domain.ErrSessionInactive
		}
		s.Touch(m.now())
		return true, nil
	})
}

// Sweep expires every Active session idle longer than the timeout and
// returns the ids it transitioned. The idle check is repeated on every
// retry, so a session refreshed mid-sweep is left Active.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	candidates, err := m.repo.ListSessionsByStatus(ctx, domain.StatusActive)
	if err != nil {
		return nil, storageErr("scan active sessions", err)
	}

	var expired []string
	for _, c := range candidates {
		if !c.ShouldExpire(m.now(), m.timeout) {
			continue
		}
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}

		transitioned := false
		_, err := m.mutate(ctx, c.ID, func(s *domain.Session) (bool, error) {
			now := m.now()
			transitioned = s.ShouldExpire(now, m.timeout) && s.Terminate(domain.StatusExpired, now)
			return transitioned, nil
		})
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				continue
			}
			m.logger.Warn("Failed to expire session", "session_id", c.ID, "error", err)
			continue
		}
		if transitioned {
			expired = append(expired, c.ID)
		}
	}

	if len(expired) > 0 {
		m.logger.Info("Expired inactive sessions", "count", len(expired), "timeout", m.timeout)
	}
	return expired, nil
}

// ActiveCount returns the number of Active sessions.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	active, err := m.repo.ListSessionsByStatus(ctx, domain.StatusActive)
	if err != nil {
		return 0, storageErr("scan active sessions", err)
	}
	return len(active), nil
}

// UserSessions returns a user's sessions, newest first.
func (m *Manager) UserSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	sessions, err := m.repo.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, storageErr("list user sessions", err)
	}
	return sessions, nil
}
