package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMiddleware_AcceptsBearerToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := Issue(secret, Claims{UserID: "u1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || claims == nil {
			t.Fatal("expected claims in context")
		}
		if claims.UserID != "u1" {
			t.Fatalf("unexpected user id: %q", claims.UserID)
		}
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/groups/g1/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	Middleware(secret)(next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to run")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestMiddleware_RejectsMissingToken(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run without credentials")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/groups/g1/state", nil)
	rec := httptest.NewRecorder()

	Middleware([]byte("test-secret"))(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestExtractToken_QueryTokenOnlyForWebSocketUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/ws?token=abc", nil)
	if got := ExtractToken(req); got != "" {
		t.Fatalf("expected no token without upgrade header, got %q", got)
	}

	req.Header.Set("Upgrade", "websocket")
	if got := ExtractToken(req); got != "abc" {
		t.Fatalf("expected query token for websocket upgrade, got %q", got)
	}

	other := httptest.NewRequest(http.MethodGet, "/v1/other?token=abc", nil)
	other.Header.Set("Upgrade", "websocket")
	if got := ExtractToken(other); got != "" {
		t.Fatalf("expected query token to be restricted to the ws path, got %q", got)
	}
}
