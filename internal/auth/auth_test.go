package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const testSecret = "test-secret-key-32-characters!!"

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == SessionName {
			return cookie
		}
	}
	return nil
}

func requestWith(cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest("GET", "/", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func TestSessionOperations(t *testing.T) {
	store := NewSessionStore(testSecret)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	t.Run("Get new session", func(t *testing.T) {
		session, err := store.GetSession(req)
		if err != nil {
			t.Fatalf("Failed to get new session: %v", err)
		}
		if !session.IsNew {
			t.Error("New session should be marked as new")
		}
	})

	t.Run("User not authenticated initially", func(t *testing.T) {
		if store.IsAuthenticated(req) {
			t.Error("User should not be authenticated initially")
		}
		if store.Username(req) != "" {
			t.Error("Anonymous request should have no username")
		}
	})

	t.Run("Login user", func(t *testing.T) {
		if err := store.Login(req, w, "admin"); err != nil {
			t.Fatalf("Failed to login user: %v", err)
		}

		cookie := sessionCookie(w)
		if cookie == nil {
			t.Fatal("Session cookie should be set")
		}
		if cookie.Value == "" {
			t.Error("Session cookie should have a value")
		}
		if !cookie.HttpOnly {
			t.Error("Session cookie should be HttpOnly")
		}
	})

	t.Run("User authenticated after login", func(t *testing.T) {
		r := requestWith(sessionCookie(w))
		if !store.IsAuthenticated(r) {
			t.Error("User should be authenticated after login")
		}
		if got := store.Username(r); got != "admin" {
			t.Errorf("Username = %q, want admin", got)
		}
	})

	t.Run("Logout user", func(t *testing.T) {
		wLogout := httptest.NewRecorder()
		if err := store.Logout(requestWith(sessionCookie(w)), wLogout); err != nil {
			t.Fatalf("Failed to logout user: %v", err)
		}

		if store.IsAuthenticated(requestWith(sessionCookie(wLogout))) {
			t.Error("User should not be authenticated after logout")
		}
	})
}

func TestSessionSecurity(t *testing.T) {
	store := NewSessionStore(testSecret)

	w := httptest.NewRecorder()
	if err := store.Login(httptest.NewRequest("GET", "/", nil), w, "admin"); err != nil {
		t.Fatalf("Failed to login user: %v", err)
	}

	cookie := sessionCookie(w)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("Session cookie should have a value")
	}
	if cookie.Value == "authenticated" || cookie.Value == "true" || len(cookie.Value) < 20 {
		t.Error("Session cookie should be signed, not plaintext")
	}

	t.Run("Other secret rejects cookie", func(t *testing.T) {
		other := NewSessionStore("a-completely-different-secret!!!")
		if other.IsAuthenticated(requestWith(cookie)) {
			t.Error("Cookie signed with another secret should not authenticate")
		}
	})

	t.Run("Secure flag", func(t *testing.T) {
		secure := NewSessionStore(testSecret)
		secure.Secure = true
		w := httptest.NewRecorder()
		if err := secure.Login(httptest.NewRequest("GET", "/", nil), w, "admin"); err != nil {
			t.Fatalf("Failed to login user: %v", err)
		}
		if c := sessionCookie(w); c == nil || !c.Secure {
			t.Error("Cookie should be marked Secure")
		}
	})
}

func TestAuthenticationEdgeCases(t *testing.T) {
	store := NewSessionStore(testSecret)

	t.Run("IsAuthenticated with invalid session data", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Cookie", SessionName+"=invalid-data")

		if store.IsAuthenticated(req) {
			t.Error("Should not be authenticated with invalid session data")
		}
	})

	t.Run("Short secret still works", func(t *testing.T) {
		short := NewSessionStore("short")
		w := httptest.NewRecorder()
		if err := short.Login(httptest.NewRequest("GET", "/", nil), w, "admin"); err != nil {
			t.Fatalf("Login should work even with short secret: %v", err)
		}
	})

	t.Run("Independent sessions", func(t *testing.T) {
		w1 := httptest.NewRecorder()
		if err := store.Login(httptest.NewRequest("GET", "/", nil), w1, "admin"); err != nil {
			t.Fatalf("Failed to login session1: %v", err)
		}
		if !store.IsAuthenticated(requestWith(sessionCookie(w1))) {
			t.Error("Session1 should be authenticated after login")
		}
		if store.IsAuthenticated(httptest.NewRequest("GET", "/", nil)) {
			t.Error("Session2 should remain unauthenticated")
		}
	})
}
