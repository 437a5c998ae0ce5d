package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveCORS(allowed []string, method, origin string) (*httptest.ResponseRecorder, bool) {
	called := false
	h := CORS(allowed)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(method, "/api/chat", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, called
}

func TestCORS_ExplicitOriginGetsCredentials(t *testing.T) {
	w, called := serveCORS([]string{"https://app.example.com"}, http.MethodPost, "https://app.example.com")
	if !called {
		t.Fatal("Expected next handler to be called")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Expected echoed origin, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Expected credentials for explicit origin, got %q", got)
	}
}

func TestCORS_WildcardWithoutCredentials(t *testing.T) {
	w, _ := serveCORS([]string{"*"}, http.MethodGet, "https://other.example.com")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://other.example.com" {
		t.Errorf("Expected echoed origin, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Expected no credentials for wildcard match, got %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	w, called := serveCORS([]string{"https://app.example.com"}, http.MethodGet, "https://evil.example.com")
	if !called {
		t.Fatal("Expected next handler to be called")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS headers, got %q", got)
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	w, called := serveCORS([]string{"*"}, http.MethodOptions, "https://app.example.com")
	if called {
		t.Error("Expected preflight not to reach the next handler")
	}
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("Expected allowed methods on preflight")
	}
}
