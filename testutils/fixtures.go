package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/auth"
	"github.com/fbettag/kasa-web-controller/internal/config"
	"github.com/fbettag/kasa-web-controller/internal/connection/connectiontest"
	"github.com/fbettag/kasa-web-controller/internal/database"
	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/fbettag/kasa-web-controller/internal/handlers"
	"github.com/fbettag/kasa-web-controller/internal/manager"
	"github.com/fbettag/kasa-web-controller/internal/queue"
	"github.com/sirupsen/logrus"
)

// TestApp holds test application context
type TestApp struct {
	App       *handlers.App
	Config    *config.Config
	Transport *connectiontest.Transport
	Manager   *manager.Manager
	Router    http.Handler
}

// TestQueueConfig keeps ladders short enough for unit tests.
func TestQueueConfig() queue.Config {
	return queue.Config{
		IdleTimeout:       time.Minute,
		StepTimeout:       time.Second,
		LadderTimeout:     2 * time.Second,
		ConnectAttempts:   1,
		ConnectRetryDelay: time.Millisecond,
	}
}

// NewTestApp wires the HTTP layer to a running manager over a scripted
// transport. Everything is torn down with the test.
func NewTestApp(t *testing.T, entries ...device.Entry) *TestApp {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{
		DatabasePath:     filepath.Join(t.TempDir(), "test.db"),
		SessionSecret:    "test-session-secret-32-characters!",
		LogRetentionDays: 30,
	}

	db, err := database.Initialize(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}

	transport := connectiontest.New()
	mgr, err := manager.New(entries, manager.Options{
		Transport:        transport,
		Queue:            TestQueueConfig(),
		DiscoveryTimeout: 100 * time.Millisecond,
		Recorder:         db,
		Logger:           logger,
	})
	if err != nil {
		db.Close()
		t.Fatalf("Failed to create manager: %v", err)
	}

	hub := handlers.NewHub(logger)
	mgr.Subscribe(hub)
	mgr.Start(context.Background())

	app := &handlers.App{
		Config:       cfg,
		Manager:      mgr,
		DB:           db,
		Logger:       logger,
		SessionStore: auth.NewSessionStore(cfg.SessionSecret),
		Hub:          hub,
		Version:      "test",
	}

	t.Cleanup(func() {
		hub.Close()
		mgr.Stop()
		db.Close()
	})

	return &TestApp{
		App:       app,
		Config:    cfg,
		Transport: transport,
		Manager:   mgr,
		Router:    app.Routes(),
	}
}

// EnableAdmin configures an admin account so mutating routes need a session.
func (ta *TestApp) EnableAdmin(t *testing.T, username, password string) {
	t.Helper()
	ta.Config.Admin.Username = username
	if err := ta.Config.SetAdminPassword(password); err != nil {
		t.Fatalf("Failed to set admin password: %v", err)
	}
}

// Do runs one request against the router. body is JSON-encoded unless it is
// already a string.
func (ta *TestApp) Do(t *testing.T, method, path string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, r)
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	ta.Router.ServeHTTP(w, req)
	return w
}

// Login authenticates and returns the session cookie.
func (ta *TestApp) Login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	w := ta.Do(t, "POST", "/api/login", map[string]string{"username": username, "password": password})
	if w.Code != http.StatusOK {
		t.Fatalf("Login failed with status %d: %s", w.Code, w.Body.String())
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.SessionName {
			return c
		}
	}
	t.Fatal("Login did not set a session cookie")
	return nil
}

// DecodeJSON unmarshals a recorded response body into v.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

// GetValidTestMAC returns a valid MAC address for testing
func GetValidTestMAC() string {
	return "aa:bb:cc:dd:ee:01"
}

// GetValidTestMACUppercase returns a valid uppercase MAC address for testing
func GetValidTestMACUppercase() string {
	return "AA:BB:CC:DD:EE:01"
}

// GetInvalidTestMACs returns various invalid MAC addresses for testing
func GetInvalidTestMACs() []string {
	return []string{
		"invalid-mac",
		"aa:bb:cc:dd:ee",       // too short
		"aa:bb:cc:dd:ee:ff:gg", // too long
		"zz:bb:cc:dd:ee:ff",    // invalid hex
		"",                     // empty
	}
}
