package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/chatdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, repo store.UserRepository, req *http.Request) (*httptest.ResponseRecorder, string, string) {
	t.Helper()
	var userID, sessionID string
	h := Middleware(repo, false)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		userID = UserIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, userID, sessionID
}

func TestMiddlewareIssuesAnonIDAndProfile(t *testing.T) {
	t.Parallel()
	repo := store.NewMemory()

	w, userID, sessionID := serve(t, repo, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, isValidAnonID(userID), "got %q", userID)
	assert.Empty(t, sessionID)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.Equal(t, userID, cookies[0].Value)

	profile, err := repo.GetUser(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "en", profile.Preferences["language"])
}

func TestMiddlewareReusesCookieAndReadsSessionHint(t *testing.T) {
	t.Parallel()
	repo := store.NewMemory()
	existing := "anon_0123456789abcdef0123456789abcdef"

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	req.Header.Set(SessionHeaderName, "sess-42")

	_, userID, sessionID := serve(t, repo, req)
	assert.Equal(t, existing, userID)
	assert.Equal(t, "sess-42", sessionID)

	// Second request with the same cookie must not fail on the existing profile.
	req2 := httptest.NewRequest(http.MethodPost, "/api/chat?session_id=bad%20id", nil)
	req2.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	w, userID, sessionID := serve(t, repo, req2)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, existing, userID)
	assert.Empty(t, sessionID, "malformed hints are dropped")
}

func TestMiddlewareReplacesForgedCookie(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "admin"})

	_, userID, _ := serve(t, store.NewMemory(), req)
	assert.NotEqual(t, "admin", userID)
	assert.True(t, isValidAnonID(userID))
}
