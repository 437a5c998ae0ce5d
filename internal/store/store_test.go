package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteForTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "chatdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// sessionBackends returns every session backend available in this environment.
func sessionBackends(t *testing.T) map[string]SessionRepository {
	t.Helper()
	backends := map[string]SessionRepository{
		"memory": NewMemory(),
		"sqlite": newSQLiteForTest(t),
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		r, err := NewRedisSessionStore(context.Background(), url, time.Minute)
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		backends["redis"] = r
	}
	return backends
}

func testSession(userID string, now time.Time) *domain.Session {
	return domain.NewSession(uuid.NewString(), userID, now)
}

func TestSessionRepository_CreateGetUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	for name, repo := range sessionBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := testSession("user-1", now)
			require.NoError(t, repo.CreateSession(ctx, s))
			assert.Equal(t, int64(1), s.Version)

			got, err := repo.GetSession(ctx, s.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, domain.StatusActive, got.Status)
			assert.True(t, got.CreatedAt.Equal(now))
			assert.Equal(t, int64(1), got.Version)

			got.RecordTurn(domain.Context{"last_intent": "greeting"}, now.Add(time.Second))
			require.NoError(t, repo.UpdateSession(ctx, got))
			assert.Equal(t, int64(2), got.Version)

			again, err := repo.GetSession(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1), again.MessageCount)
			assert.Equal(t, "greeting", again.Context["last_intent"])
			assert.Equal(t, int64(2), again.Version)

			missing, err := repo.GetSession(ctx, "does-not-exist")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestSessionRepository_UpdateConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()

	for name, repo := range sessionBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := testSession("", now)
			require.NoError(t, repo.CreateSession(ctx, s))

			a, err := repo.GetSession(ctx, s.ID)
			require.NoError(t, err)
			b, err := repo.GetSession(ctx, s.ID)
			require.NoError(t, err)

			a.MessageCount++
			require.NoError(t, repo.UpdateSession(ctx, a))

			b.MessageCount++
			err = repo.UpdateSession(ctx, b)
			assert.ErrorIs(t, err, domain.ErrVersionConflict)
			assert.Equal(t, int64(1), b.Version, "failed write must not bump the caller's version")

			ghost := testSession("", now)
			ghost.Version = 1
			assert.ErrorIs(t, repo.UpdateSession(ctx, ghost), ErrNotFound)
		})
	}
}

func TestSessionRepository_ConcurrentCASLosesNoIncrements(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, repo := range sessionBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := testSession("", time.Now())
			require.NoError(t, repo.CreateSession(ctx, s))

			const workers = 8
			const perWorker = 5
			var wg sync.WaitGroup
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range perWorker {
						for {
							cur, err := repo.GetSession(ctx, s.ID)
							if !assert.NoError(t, err) || !assert.NotNil(t, cur) {
								return
							}
							cur.MessageCount++
							err = repo.UpdateSession(ctx, cur)
							if err == nil {
								break
							}
							if !assert.ErrorIs(t, err, domain.ErrVersionConflict) {
								return
							}
						}
					}
				}()
			}
			wg.Wait()

			final, err := repo.GetSession(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(workers*perWorker), final.MessageCount)
		})
	}
}

func TestSQLite_PragmasApplyToEveryConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLiteForTest(t)

	conns := make([]*sql.Conn, 0, 3)
	for range 3 {
		conn, err := s.db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	t.Cleanup(func() {
		for _, c := range conns {
			_ = c.Close()
		}
	})

	for i, conn := range conns {
		var mode string
		var timeout int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, "wal", mode, "connection %d", i)
		assert.Equal(t, 5000, timeout, "connection %d", i)
	}
}

func TestSessionRepository_Listing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.UnixMilli(time.Now().UnixMilli())

	for name, repo := range sessionBackends(t) {
		t.Run(name, func(t *testing.T) {
			userID := "lister-" + uuid.NewString()
			older := testSession(userID, base)
			newer := testSession(userID, base.Add(time.Minute))
			other := testSession("", base)
			for _, s := range []*domain.Session{older, newer, other} {
				require.NoError(t, repo.CreateSession(ctx, s))
			}

			older.Terminate(domain.StatusEnded, base.Add(2*time.Minute))
			require.NoError(t, repo.UpdateSession(ctx, older))

			mine, err := repo.ListUserSessions(ctx, userID)
			require.NoError(t, err)
			require.Len(t, mine, 2)
			assert.Equal(t, newer.ID, mine[0].ID)
			assert.Equal(t, older.ID, mine[1].ID)

			ended, err := repo.ListSessionsByStatus(ctx, domain.StatusEnded)
			require.NoError(t, err)
			assert.Contains(t, sessionIDs(ended), older.ID)
			assert.NotContains(t, sessionIDs(ended), newer.ID)

			active, err := repo.ListSessionsByStatus(ctx, domain.StatusActive)
			require.NoError(t, err)
			assert.Contains(t, sessionIDs(active), newer.ID)
			assert.Contains(t, sessionIDs(active), other.ID)
			assert.NotContains(t, sessionIDs(active), older.ID)
		})
	}
}

func sessionIDs(sessions []*domain.Session) []string {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}

func TestRepository_UsersAndHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	repos := map[string]Repository{
		"memory": NewMemory(),
		"sqlite": newSQLiteForTest(t),
	}
	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			user := domain.NewUserProfile("u-1", "u1@example.com", map[string]any{"theme": "dark"}, now)
			require.NoError(t, repo.CreateUser(ctx, user))
			assert.ErrorIs(t, repo.CreateUser(ctx, user), domain.ErrUserExists)

			got, err := repo.GetUser(ctx, "u-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "dark", got.Preferences["theme"])
			assert.Equal(t, "en", got.Preferences["language"])

			missing, err := repo.GetUser(ctx, "nobody")
			require.NoError(t, err)
			assert.Nil(t, missing)

			for i := range 3 {
				in := &domain.Interaction{
					ID:         domain.NewInteractionID("s-1"),
					SessionID:  "s-1",
					UserID:     "u-1",
					Timestamp:  now.Add(time.Duration(i) * time.Second),
					Message:    "hello",
					Response:   "hi",
					Sentiment:  domain.SentimentNeutral,
					Confidence: 0.8,
					Intent:     "greeting",
				}
				require.NoError(t, repo.AppendInteraction(ctx, in))
			}

			history, err := repo.ListUserInteractions(ctx, "u-1", 2)
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.True(t, history[0].Timestamp.After(history[1].Timestamp))

			got, err = repo.GetUser(ctx, "u-1")
			require.NoError(t, err)
			assert.Equal(t, int64(3), got.InteractionCount)
		})
	}
}

func TestSplit_DelegatesByConcern(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sessions := NewMemory()
	records := newSQLiteForTest(t)
	split := NewSplit(sessions, records)

	s := testSession("", time.Now())
	require.NoError(t, split.CreateSession(ctx, s))

	inSessions, err := sessions.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.NotNil(t, inSessions)

	inRecords, err := records.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, inRecords)

	require.NoError(t, split.CreateUser(ctx, domain.NewUserProfile("u-split", "s@example.com", nil, time.Now())))
	u, err := records.GetUser(ctx, "u-split")
	require.NoError(t, err)
	assert.NotNil(t, u)

	assert.NoError(t, split.Ping(ctx))
}

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()
	assert.False(t, isSQLiteConflictError(nil))
	assert.False(t, isSQLiteConflictError(assert.AnError))
	assert.False(t, isSQLiteConflictError(os.ErrClosed))
	assert.True(t, isSQLiteConflictError(errString("database is locked (5) (SQLITE_BUSY)")))
}

type errString string

func (e errString) Error() string { return string(e) }
