package testutils

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// MockStation is a client entry served by the mock controller.
type MockStation struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
}

// MockUniFiServer provides a mock UniFi controller for testing
type MockUniFiServer struct {
	Server *httptest.Server
	URL    string

	mu       sync.Mutex
	stations []MockStation
	expired  bool
	logins   int
}

func writeMeta(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{"meta": map[string]interface{}{"rc": "ok"}}
	if data != nil {
		body["data"] = data
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// NewMockUniFiServer creates a mock controller serving the given stations.
func NewMockUniFiServer(stations ...MockStation) *MockUniFiServer {
	m := &MockUniFiServer{stations: stations}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		m.mu.Lock()
		m.logins++
		m.expired = false
		m.mu.Unlock()

		http.SetCookie(w, &http.Cookie{
			Name:  "unifises",
			Value: "mock-session-token",
			Path:  "/",
		})
		writeMeta(w, nil)
	})

	mux.HandleFunc("/api/s/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/stat/sta") {
			http.NotFound(w, r)
			return
		}

		m.mu.Lock()
		expired := m.expired
		stations := append([]MockStation(nil), m.stations...)
		m.mu.Unlock()

		if expired {
			http.Error(w, `{"meta":{"rc":"error","msg":"api.err.LoginRequired"}}`, http.StatusUnauthorized)
			return
		}
		writeMeta(w, stations)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeMeta(w, nil)
	})

	m.Server = httptest.NewTLSServer(mux)
	m.URL = m.Server.URL
	return m
}

// SetStations replaces the client list.
func (m *MockUniFiServer) SetStations(stations ...MockStation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stations = stations
}

// ExpireSession makes client queries fail with 401 until the next login.
func (m *MockUniFiServer) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired = true
}

func (m *MockUniFiServer) Logins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins
}

// Close shuts down the mock server
func (m *MockUniFiServer) Close() {
	m.Server.Close()
}

// GetTestCredentials returns test credentials for the mock server
func (m *MockUniFiServer) GetTestCredentials() (string, string, string) {
	return "testuser", "testpass", "default"
}
