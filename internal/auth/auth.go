// Package auth keeps the admin login in a signed cookie session.
package auth

import (
	"net/http"

	"github.com/gorilla/sessions"
)

const (
	SessionName = "kasa-controller-session"
	UserKey     = "authenticated"
	NameKey     = "username"

	sessionMaxAge = 86400 * 7
)

type SessionStore struct {
	store *sessions.CookieStore
	// Secure marks the cookie HTTPS-only.
	Secure bool
}

func NewSessionStore(secret string) *SessionStore {
	return &SessionStore{
		store: sessions.NewCookieStore([]byte(secret)),
	}
}

// GetSession never fails: a cookie that does not verify yields a fresh session.
func (s *SessionStore) GetSession(r *http.Request) (*sessions.Session, error) {
	session, err := s.store.Get(r, SessionName)
	if err != nil {
		session, _ = s.store.New(r, SessionName)
	}

	session.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
	}

	return session, nil
}

func (s *SessionStore) SaveSession(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	return session.Save(r, w)
}

func (s *SessionStore) IsAuthenticated(r *http.Request) bool {
	session, err := s.GetSession(r)
	if err != nil {
		return false
	}

	auth, ok := session.Values[UserKey].(bool)
	return ok && auth
}

// Username returns the logged-in admin, or "" for anonymous requests.
func (s *SessionStore) Username(r *http.Request) string {
	if !s.IsAuthenticated(r) {
		return ""
	}
	session, _ := s.GetSession(r)
	name, _ := session.Values[NameKey].(string)
	return name
}

func (s *SessionStore) Login(r *http.Request, w http.ResponseWriter, username string) error {
	session, err := s.GetSession(r)
	if err != nil {
		return err
	}

	session.Values[UserKey] = true
	session.Values[NameKey] = username
	return s.SaveSession(r, w, session)
}

func (s *SessionStore) Logout(r *http.Request, w http.ResponseWriter) error {
	session, err := s.GetSession(r)
	if err != nil {
		return err
	}

	session.Values = make(map[interface{}]interface{})
	session.Options.MaxAge = -1

	return s.SaveSession(r, w, session)
}
