package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/fbettag/kasa-web-controller/internal/queue"
	"github.com/gorilla/mux"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

func (app *App) sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.Logger.Errorf("Failed to encode response: %v", err)
	}
}

func (app *App) sendJSONError(w http.ResponseWriter, kind, message string, statusCode int) {
	app.sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   kind,
		"message": message,
	})
}

// statusFor maps a device-layer error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, device.ErrInvalidAction), errors.Is(err, device.ErrInvalidChildID):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrDeviceOffline), errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, device.ErrOperationFailed):
		return http.StatusBadGateway
	case errors.Is(err, device.ErrQueueTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (app *App) sendDeviceError(w http.ResponseWriter, err error) {
	kind := device.Kind(err)
	if errors.Is(err, queue.ErrClosed) {
		kind = "shutting_down"
	}
	app.sendJSONError(w, kind, err.Error(), statusFor(err))
}

// Get status API
func (app *App) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	counts := map[device.Status]int{}
	states := app.Manager.List()
	for _, st := range states {
		counts[st.Status]++
	}

	app.sendJSON(w, http.StatusOK, map[string]interface{}{
		"version":          app.Version,
		"devices":          len(states),
		"online":           counts[device.StatusOnline],
		"temp_unavailable": counts[device.StatusTempUnavailable],
		"offline":          counts[device.StatusOffline],
		"auth_required":    app.Config.AdminConfigured(),
	})
}

// Get devices API
func (app *App) GetDevicesHandler(w http.ResponseWriter, r *http.Request) {
	app.sendJSON(w, http.StatusOK, map[string]interface{}{
		"devices": app.Manager.List(),
	})
}

func (app *App) GetDeviceHandler(w http.ResponseWriter, r *http.Request) {
	state, err := app.Manager.Get(mux.Vars(r)["id"])
	if err != nil {
		app.sendDeviceError(w, err)
		return
	}
	app.sendJSON(w, http.StatusOK, state)
}

// ControlDeviceHandler switches a device or one strip outlet.
func (app *App) ControlDeviceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Action  string `json:"action"`
		ChildID string `json:"child_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.sendJSONError(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
		return
	}

	state, err := app.Manager.Control(r.Context(), id, req.Action, req.ChildID)
	if err != nil {
		app.Logger.WithField("device", id).Warnf("Control %s failed: %v", req.Action, err)
		app.sendDeviceError(w, err)
		return
	}
	app.sendJSON(w, http.StatusOK, state)
}

// RefreshDeviceHandler forces rediscovery. The body is always the resulting
// state; the status code says whether the device answered.
func (app *App) RefreshDeviceHandler(w http.ResponseWriter, r *http.Request) {
	state, err := app.Manager.Refresh(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		app.sendDeviceError(w, err)
		return
	}

	code := http.StatusOK
	if state.Status != device.StatusOnline {
		code = http.StatusServiceUnavailable
	}
	app.sendJSON(w, code, state)
}

func (app *App) DiscoverHandler(w http.ResponseWriter, r *http.Request) {
	found, err := app.Manager.DiscoverAll(r.Context())
	if err != nil {
		app.Logger.Errorf("Discovery failed: %v", err)
		app.sendJSONError(w, "discovery_failed", err.Error(), http.StatusBadGateway)
		return
	}

	app.sendJSON(w, http.StatusOK, map[string]interface{}{
		"found":   found,
		"devices": app.Manager.List(),
	})
}

// Get logs API
func (app *App) GetLogsHandler(w http.ResponseWriter, r *http.Request) {
	if app.DB == nil {
		app.sendJSONError(w, "unavailable", "Activity log is disabled", http.StatusServiceUnavailable)
		return
	}

	limit := defaultLogLimit
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = min(v, maxLogLimit)
		}
	}

	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	var (
		logs interface{}
		err  error
	)
	if id := r.URL.Query().Get("device"); id != "" {
		logs, err = app.DB.GetLogsByDevice(id, limit)
	} else {
		logs, err = app.DB.GetLogs(limit, offset)
	}
	if err != nil {
		app.Logger.Errorf("Failed to get logs: %v", err)
		app.sendJSONError(w, "internal_error", "Failed to get logs", http.StatusInternalServerError)
		return
	}

	app.sendJSON(w, http.StatusOK, logs)
}
