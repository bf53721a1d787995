// Package handlers exposes the device manager over HTTP and a websocket.
package handlers

import (
	"context"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/auth"
	"github.com/fbettag/kasa-web-controller/internal/config"
	"github.com/fbettag/kasa-web-controller/internal/database"
	"github.com/fbettag/kasa-web-controller/internal/manager"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const cleanupInterval = time.Hour

type App struct {
	Config       *config.Config
	Manager      *manager.Manager
	DB           *database.DB
	Logger       *logrus.Logger
	SessionStore *auth.SessionStore
	Hub          *Hub
	Version      string
}

// Routes builds the router. Mutating routes are guarded by the admin session
// once an admin account exists.
func (app *App) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(app.RequestLogger)

	router.HandleFunc("/", app.IndexHandler).Methods("GET")
	router.HandleFunc("/api/login", app.LoginHandler).Methods("POST")
	router.HandleFunc("/logout", app.LogoutHandler).Methods("GET", "POST")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", app.GetStatusHandler).Methods("GET")
	api.HandleFunc("/devices", app.GetDevicesHandler).Methods("GET")
	api.HandleFunc("/devices/{id}", app.GetDeviceHandler).Methods("GET")
	api.HandleFunc("/logs", app.GetLogsHandler).Methods("GET")
	api.HandleFunc("/ws", app.WebSocketHandler).Methods("GET")

	protected := api.NewRoute().Subrouter()
	protected.Use(app.AuthMiddleware)
	protected.HandleFunc("/devices/{id}", app.ControlDeviceHandler).Methods("PATCH")
	protected.HandleFunc("/devices/{id}/refresh", app.RefreshDeviceHandler).Methods("POST")
	protected.HandleFunc("/discover", app.DiscoverHandler).Methods("POST")

	return router
}

// StartCleanupJob prunes the activity log every hour until ctx ends.
func (app *App) StartCleanupJob(ctx context.Context) {
	app.Logger.Info("Starting log cleanup job (runs every hour)")

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	app.cleanupOldLogs()

	for {
		select {
		case <-ticker.C:
			app.cleanupOldLogs()
		case <-ctx.Done():
			app.Logger.Info("Stopping log cleanup job")
			return
		}
	}
}

func (app *App) cleanupOldLogs() {
	if app.DB == nil || app.Config.LogRetentionDays <= 0 {
		return
	}

	deletedCount, err := app.DB.DeleteOldLogs(app.Config.LogRetentionDays)
	if err != nil {
		app.Logger.Errorf("Failed to delete old logs: %v", err)
		return
	}

	if deletedCount > 0 {
		app.Logger.Infof("Deleted %d old log entries (>%d days)", deletedCount, app.Config.LogRetentionDays)
	}
}
