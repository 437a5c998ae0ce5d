package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// modernc applies _pragma parameters to every pooled connection, so each
	// one gets WAL and a busy timeout, not only the one that ran the schema.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT,
		created_at INTEGER NOT NULL,
		last_active INTEGER NOT NULL,
		ended_at INTEGER,
		message_count INTEGER NOT NULL DEFAULT 0,
		context_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, last_active);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at) WHERE user_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS interactions (
		interaction_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT,
		timestamp INTEGER NOT NULL,
		message TEXT NOT NULL,
		response TEXT NOT NULL,
		sentiment TEXT NOT NULL,
		confidence REAL NOT NULL,
		intent TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id, timestamp) WHERE user_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id, timestamp);

	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		preferences_json TEXT NOT NULL DEFAULT '{}',
		interaction_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_active INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, user_id, created_at, last_active, ended_at,
	message_count, context_json, status, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var userID sql.NullString
	var endedAt sql.NullInt64
	var createdAt, lastActive int64
	var contextJSON, status string

	if err := row.Scan(
		&session.ID, &userID, &createdAt, &lastActive, &endedAt,
		&session.MessageCount, &contextJSON, &status, &session.Version,
	); err != nil {
		return nil, err
	}

	session.UserID = userID.String
	session.CreatedAt = time.UnixMilli(createdAt)
	session.LastActive = time.UnixMilli(lastActive)
	session.Status = domain.SessionStatus(status)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		session.EndedAt = &t
	}

	session.Context = domain.Context{}
	if err := json.Unmarshal([]byte(contextJSON), &session.Context); err != nil {
		return nil, fmt.Errorf("decode session context: %w", err)
	}
	return &session, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// CreateSession inserts a new session with Version 1.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	contextJSON, err := json.Marshal(session.Context.Clone())
	if err != nil {
		return fmt.Errorf("encode session context: %w", err)
	}

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`
	err = withBusyRetry(ctx, "create_session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, nullString(session.UserID),
			session.CreatedAt.UnixMilli(), session.LastActive.UnixMilli(), nullMillis(session.EndedAt),
			session.MessageCount, string(contextJSON), string(session.Status),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	session.Version = 1
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`
	var session *domain.Session
	err := withBusyRetry(ctx, "get_session", func() error {
		var err error
		session, err = scanSession(s.db.QueryRowContext(ctx, query, sessionID))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// UpdateSession writes the session if its version still matches.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	contextJSON, err := json.Marshal(session.Context.Clone())
	if err != nil {
		return fmt.Errorf("encode session context: %w", err)
	}

	query := `
		UPDATE sessions SET
			user_id = ?, last_active = ?, ended_at = ?, message_count = ?,
			context_json = ?, status = ?, version = version + 1
		WHERE session_id = ? AND version = ?`

	var rows int64
	err = withBusyRetry(ctx, "update_session", func() error {
		result, err := s.db.ExecContext(ctx, query,
			nullString(session.UserID), session.LastActive.UnixMilli(), nullMillis(session.EndedAt),
			session.MessageCount, string(contextJSON), string(session.Status),
			session.ID, session.Version,
		)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if rows == 0 {
		var exists int
		err := withBusyRetry(ctx, "check_session", func() error {
			return s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, session.ID).Scan(&exists)
		})
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check session existence: %w", err)
		}
		slog.Debug("UpdateSession lost optimistic lock", "session_id", session.ID, "version", session.Version)
		return domain.ErrVersionConflict
	}

	session.Version++
	return nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	var sessions []*domain.Session
	err := withBusyRetry(ctx, "query_sessions", func() error {
		sessions = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query sessions: %w", err)
		}
		defer func() {
			if closeErr := rows.Close(); closeErr != nil {
				slog.Warn("failed to close session rows", "error", closeErr)
			}
		}()

		for rows.Next() {
			session, err := scanSession(rows)
			if err != nil {
				return fmt.Errorf("scan session row: %w", err)
			}
			sessions = append(sessions, session)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListSessionsByStatus scans sessions in a status, least recently active first.
func (s *SQLiteStore) ListSessionsByStatus(ctx context.Context, status domain.SessionStatus) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ? ORDER BY last_active ASC`
	return s.querySessions(ctx, query, string(status))
}

// ListUserSessions returns the sessions owned by a user, newest first.
func (s *SQLiteStore) ListUserSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ? ORDER BY created_at DESC`
	return s.querySessions(ctx, query, userID)
}

// AppendInteraction stores an interaction and bumps the owner's interaction count.
func (s *SQLiteStore) AppendInteraction(ctx context.Context, in *domain.Interaction) error {
	return withBusyRetry(ctx, "append_interaction", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin interaction tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO interactions (
				interaction_id, session_id, user_id, timestamp, message,
				response, sentiment, confidence, intent
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ID, in.SessionID, nullString(in.UserID), in.Timestamp.UnixMilli(), in.Message,
			in.Response, string(in.Sentiment), in.Confidence, in.Intent,
		)
		if err != nil {
			return fmt.Errorf("insert interaction: %w", err)
		}

		if in.UserID != "" {
			_, err = tx.ExecContext(ctx, `
				UPDATE users SET interaction_count = interaction_count + 1,
					last_active = MAX(last_active, ?)
				WHERE user_id = ?`,
				in.Timestamp.UnixMilli(), in.UserID,
			)
			if err != nil {
				return fmt.Errorf("update user interaction count: %w", err)
			}
		}

		return tx.Commit()
	})
}

// ListUserInteractions returns a user's most recent interactions.
func (s *SQLiteStore) ListUserInteractions(ctx context.Context, userID string, limit int) ([]*domain.Interaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var out []*domain.Interaction
	err := withBusyRetry(ctx, "list_interactions", func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx, `
			SELECT interaction_id, session_id, user_id, timestamp, message,
			       response, sentiment, confidence, intent
			FROM interactions WHERE user_id = ?
			ORDER BY timestamp DESC, interaction_id DESC LIMIT ?`,
			userID, limit,
		)
		if err != nil {
			return fmt.Errorf("query interactions: %w", err)
		}
		defer func() {
			if closeErr := rows.Close(); closeErr != nil {
				slog.Warn("failed to close interaction rows", "error", closeErr)
			}
		}()

		for rows.Next() {
			var in domain.Interaction
			var uid sql.NullString
			var ts int64
			var sentiment string
			if err := rows.Scan(
				&in.ID, &in.SessionID, &uid, &ts, &in.Message,
				&in.Response, &sentiment, &in.Confidence, &in.Intent,
			); err != nil {
				return fmt.Errorf("scan interaction row: %w", err)
			}
			in.UserID = uid.String
			in.Timestamp = time.UnixMilli(ts)
			in.Sentiment = domain.Sentiment(sentiment)
			out = append(out, &in)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate interactions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateUser inserts a user profile.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.UserProfile) error {
	prefs, err := json.Marshal(user.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	var rows int64
	err = withBusyRetry(ctx, "create_user", func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO users (user_id, email, preferences_json, interaction_count, created_at, last_active)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING`,
			user.ID, user.Email, string(prefs), user.InteractionCount,
			user.CreatedAt.UnixMilli(), user.LastActive.UnixMilli(),
		)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if rows == 0 {
		return domain.ErrUserExists
	}
	return nil
}

// GetUser retrieves a user profile by id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.UserProfile, error) {
	var user domain.UserProfile
	var prefs string
	var createdAt, lastActive int64
	err := withBusyRetry(ctx, "get_user", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT user_id, email, preferences_json, interaction_count, created_at, last_active
			FROM users WHERE user_id = ?`, userID,
		).Scan(&user.ID, &user.Email, &prefs, &user.InteractionCount, &createdAt, &lastActive)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = time.UnixMilli(createdAt)
	user.LastActive = time.UnixMilli(lastActive)
	if err := json.Unmarshal([]byte(prefs), &user.Preferences); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return &user, nil
}
