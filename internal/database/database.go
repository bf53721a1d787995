// Package database keeps the append-only activity log. Device state is never
// read back from it.
package database

import (
	"database/sql"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/device"
	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

type LogEntry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	DeviceID   string    `json:"device_id"`
	DeviceMAC  string    `json:"device_mac"`
	DeviceName string    `json:"device_name"`
	Event      string    `json:"event"` // "control", "refresh", "status", "discover"
	Action     string    `json:"action,omitempty"`
	ChildID    string    `json:"child_id,omitempty"`
	Status     string    `json:"status"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
}

func Initialize(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		device_id TEXT NOT NULL,
		device_mac TEXT NOT NULL,
		device_name TEXT,
		event TEXT NOT NULL,
		action TEXT,
		child_id TEXT,
		status TEXT,
		success BOOLEAN DEFAULT FALSE,
		message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_device_id ON logs(device_id);
	CREATE INDEX IF NOT EXISTS idx_logs_event ON logs(event);
	`

	_, err := db.Exec(schema)
	return err
}

// Record implements manager.Recorder.
func (db *DB) Record(ev device.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	query := `
		INSERT INTO logs (timestamp, device_id, device_mac, device_name, event, action, child_id, status, success, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query, ts.UTC(), ev.DeviceID, ev.DeviceMAC, ev.DeviceName, string(ev.Kind),
		ev.Action, ev.ChildID, string(ev.Status), ev.Success, ev.Message)
	return err
}

const selectLogs = `
	SELECT id, timestamp, device_id, device_mac, COALESCE(device_name, ''), event,
	       COALESCE(action, ''), COALESCE(child_id, ''), COALESCE(status, ''), success, COALESCE(message, '')
	FROM logs
`

func scanLogs(rows *sql.Rows) ([]LogEntry, error) {
	defer rows.Close()

	logs := []LogEntry{}
	for rows.Next() {
		var log LogEntry
		err := rows.Scan(&log.ID, &log.Timestamp, &log.DeviceID, &log.DeviceMAC, &log.DeviceName,
			&log.Event, &log.Action, &log.ChildID, &log.Status, &log.Success, &log.Message)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (db *DB) GetLogs(limit int, offset int) ([]LogEntry, error) {
	rows, err := db.Query(selectLogs+`ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanLogs(rows)
}

func (db *DB) GetLogsByDevice(deviceID string, limit int) ([]LogEntry, error) {
	rows, err := db.Query(selectLogs+`WHERE device_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	return scanLogs(rows)
}

func (db *DB) GetRecentActivity(hours int) ([]LogEntry, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UTC()
	rows, err := db.Query(selectLogs+`WHERE timestamp > ? ORDER BY timestamp DESC, id DESC`, since)
	if err != nil {
		return nil, err
	}
	return scanLogs(rows)
}

// DeleteOldLogs deletes log entries older than the specified number of days
func (db *DB) DeleteOldLogs(daysToKeep int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -daysToKeep).UTC()
	result, err := db.Exec(`DELETE FROM logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
