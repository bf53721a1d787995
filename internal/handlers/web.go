package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Middleware to check authentication. Without a configured admin the API is
// open.
func (app *App) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if app.Config.AdminConfigured() && !app.SessionStore.IsAuthenticated(r) {
			app.sendJSONError(w, "unauthorized", "Login required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (app *App) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		app.Logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("HTTP request")
	})
}

// Index handler
func (app *App) IndexHandler(w http.ResponseWriter, r *http.Request) {
	app.sendJSON(w, http.StatusOK, map[string]interface{}{
		"name":          "kasa-web-controller",
		"version":       app.Version,
		"authenticated": app.SessionStore.IsAuthenticated(r),
	})
}

// Login API endpoint
func (app *App) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if !app.Config.AdminConfigured() {
		app.sendJSONError(w, "auth_disabled", "No admin account is configured", http.StatusNotFound)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.sendJSONError(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username != app.Config.Admin.Username ||
		!app.Config.VerifyAdminPassword(req.Password) {
		app.Logger.Warnf("Failed login attempt for %q from %s", req.Username, r.RemoteAddr)
		app.sendJSONError(w, "invalid_credentials", "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := app.SessionStore.Login(r, w, req.Username); err != nil {
		app.sendJSONError(w, "internal_error", "Failed to create session", http.StatusInternalServerError)
		return
	}

	app.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Logout handler
func (app *App) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := app.SessionStore.Logout(r, w); err != nil {
		app.Logger.Errorf("Failed to logout: %v", err)
	}
	app.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}
