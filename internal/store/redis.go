package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "session:"
	redisStatusPrefix  = "sessions:status:"
	redisUserPrefix    = "sessions:user:"
)

// RedisSessionStore implements SessionRepository on Redis with optimistic locking.
// Interactions and users stay in the primary repository; see Split.
type RedisSessionStore struct {
	client *redis.Client
	// retention bounds how long a session document lives in Redis. Zero keeps it forever.
	retention time.Duration
}

var _ SessionRepository = (*RedisSessionStore)(nil)

// NewRedisSessionStore connects to the Redis server at url.
func NewRedisSessionStore(ctx context.Context, url string, retention time.Duration) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisSessionStore{client: client, retention: retention}, nil
}

func (s *RedisSessionStore) key(id string) string {
	return redisSessionPrefix + id
}

// Ping verifies Redis connectivity.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// CreateSession stores a new session document with Version 1 and indexes it.
func (s *RedisSessionStore) CreateSession(ctx context.Context, session *domain.Session) error {
	session.Version = 1
	val, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(session.ID), val, s.retention)
		pipe.SAdd(ctx, redisStatusPrefix+string(session.Status), session.ID)
		if session.UserID != "" {
			pipe.ZAdd(ctx, redisUserPrefix+session.UserID, redis.Z{
				Score:  float64(session.CreatedAt.UnixMilli()),
				Member: session.ID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns nil when the session is not found.
func (s *RedisSessionStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	val, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(val)
}

func decodeSession(val []byte) (*domain.Session, error) {
	var session domain.Session
	if err := json.Unmarshal(val, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if session.Context == nil {
		session.Context = domain.Context{}
	}
	return &session, nil
}

// UpdateSession uses WATCH/MULTI/EXEC so the write only lands if nobody
// changed the document since it was read.
func (s *RedisSessionStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	key := s.key(session.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		stored, err := decodeSession(val)
		if err != nil {
			return err
		}
		if stored.Version != session.Version {
			return domain.ErrVersionConflict
		}

		next := session.Clone()
		next.Version++
		newVal, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.retention)
			if stored.Status != next.Status {
				pipe.SRem(ctx, redisStatusPrefix+string(stored.Status), next.ID)
				pipe.SAdd(ctx, redisStatusPrefix+string(next.Status), next.ID)
			}
			if stored.UserID != next.UserID {
				if stored.UserID != "" {
					pipe.ZRem(ctx, redisUserPrefix+stored.UserID, next.ID)
				}
				if next.UserID != "" {
					pipe.ZAdd(ctx, redisUserPrefix+next.UserID, redis.Z{
						Score:  float64(next.CreatedAt.UnixMilli()),
						Member: next.ID,
					})
				}
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		session.Version++
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return domain.ErrVersionConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, domain.ErrVersionConflict):
		return err
	default:
		return fmt.Errorf("update session: %w", err)
	}
}

// loadSessions fetches documents for ids, dropping index entries whose document is gone.
func (s *RedisSessionStore) loadSessions(ctx context.Context, index string, ids []string) ([]*domain.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	out := make([]*domain.Session, 0, len(vals))
	var stale []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		session, err := decodeSession([]byte(str))
		if err != nil {
			slog.Warn("skipping undecodable session", "session_id", ids[i], "error", err)
			continue
		}
		out = append(out, session)
	}

	if len(stale) > 0 {
		var cleanup error
		if strings.HasPrefix(index, redisStatusPrefix) {
			cleanup = s.client.SRem(ctx, index, stale...).Err()
		} else {
			cleanup = s.client.ZRem(ctx, index, stale...).Err()
		}
		if cleanup != nil {
			slog.Warn("failed to prune session index", "index", index, "error", cleanup)
		}
	}
	return out, nil
}

// ListSessionsByStatus scans the status index, least recently active first.
func (s *RedisSessionStore) ListSessionsByStatus(ctx context.Context, status domain.SessionStatus) ([]*domain.Session, error) {
	index := redisStatusPrefix + string(status)
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("scan status index: %w", err)
	}

	sessions, err := s.loadSessions(ctx, index, ids)
	if err != nil {
		return nil, err
	}

	// The index can lag a concurrent transition; the document is authoritative.
	out := sessions[:0]
	for _, session := range sessions {
		if session.Status == status {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.Before(out[j].LastActive) })
	return out, nil
}

// ListUserSessions reads the per-user index, newest first.
func (s *RedisSessionStore) ListUserSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	index := redisUserPrefix + userID
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query user index: %w", err)
	}
	return s.loadSessions(ctx, index, ids)
}
