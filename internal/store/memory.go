package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/patrickmn/go-cache"
)

const (
	memSessionPrefix     = "session:"
	memUserPrefix        = "user:"
	memInteractionPrefix = "interactions:"
)

// MemoryStore implements Repository in process memory.
// Records never expire; session expiry is the sweeper's job.
type MemoryStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

var _ Repository = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, 0),
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close drops all records.
func (m *MemoryStore) Close() error {
	m.cache.Flush()
	return nil
}

func (m *MemoryStore) getSession(id string) (*domain.Session, bool) {
	x, found := m.cache.Get(memSessionPrefix + id)
	if !found {
		return nil, false
	}
	return x.(*domain.Session), true
}

// CreateSession stores a copy of session with Version 1.
func (m *MemoryStore) CreateSession(_ context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session.Version = 1
	m.cache.Set(memSessionPrefix+session.ID, session.Clone(), cache.NoExpiration)
	return nil
}

// GetSession returns a copy of the stored session, or nil when absent.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.getSession(sessionID)
	if !ok {
		return nil, nil
	}
	return stored.Clone(), nil
}

// UpdateSession replaces the stored session if versions match.
func (m *MemoryStore) UpdateSession(_ context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.getSession(session.ID)
	if !ok {
		return ErrNotFound
	}
	if stored.Version != session.Version {
		return domain.ErrVersionConflict
	}

	session.Version++
	m.cache.Set(memSessionPrefix+session.ID, session.Clone(), cache.NoExpiration)
	return nil
}

func (m *MemoryStore) filterSessions(keep func(*domain.Session) bool) []*domain.Session {
	var out []*domain.Session
	for key, item := range m.cache.Items() {
		if !strings.HasPrefix(key, memSessionPrefix) {
			continue
		}
		s := item.Object.(*domain.Session)
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	return out
}

// ListSessionsByStatus returns copies of all sessions in status, least recently active first.
func (m *MemoryStore) ListSessionsByStatus(_ context.Context, status domain.SessionStatus) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.filterSessions(func(s *domain.Session) bool { return s.Status == status })
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.Before(out[j].LastActive) })
	return out, nil
}

// ListUserSessions returns copies of a user's sessions, newest first.
func (m *MemoryStore) ListUserSessions(_ context.Context, userID string) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.filterSessions(func(s *domain.Session) bool { return s.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// AppendInteraction records an interaction under its user.
// Anonymous interactions are accepted and not indexed.
func (m *MemoryStore) AppendInteraction(_ context.Context, in *domain.Interaction) error {
	if in.UserID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := memInteractionPrefix + in.UserID
	var history []*domain.Interaction
	if x, found := m.cache.Get(key); found {
		history = x.([]*domain.Interaction)
	}
	cp := *in
	m.cache.Set(key, append(history, &cp), cache.NoExpiration)

	if x, found := m.cache.Get(memUserPrefix + in.UserID); found {
		user := *x.(*domain.UserProfile)
		user.InteractionCount++
		if in.Timestamp.After(user.LastActive) {
			user.LastActive = in.Timestamp
		}
		m.cache.Set(memUserPrefix+in.UserID, &user, cache.NoExpiration)
	}
	return nil
}

// ListUserInteractions returns up to limit interactions, newest first.
func (m *MemoryStore) ListUserInteractions(_ context.Context, userID string, limit int) ([]*domain.Interaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	x, found := m.cache.Get(memInteractionPrefix + userID)
	if !found {
		return nil, nil
	}
	history := x.([]*domain.Interaction)

	out := make([]*domain.Interaction, 0, min(limit, len(history)))
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *history[i]
		out = append(out, &cp)
	}
	return out, nil
}

// CreateUser stores a profile unless the id is taken.
func (m *MemoryStore) CreateUser(_ context.Context, user *domain.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *user
	if err := m.cache.Add(memUserPrefix+user.ID, &cp, cache.NoExpiration); err != nil {
		return domain.ErrUserExists
	}
	return nil
}

// GetUser returns a copy of a profile, or nil when absent.
func (m *MemoryStore) GetUser(_ context.Context, userID string) (*domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	x, found := m.cache.Get(memUserPrefix + userID)
	if !found {
		return nil, nil
	}
	cp := *x.(*domain.UserProfile)
	return &cp, nil
}
