package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOrInitialize(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test_config_load.yaml")

	t.Run("Create new config", func(t *testing.T) {
		cfg, err := LoadOrInitialize(testFile)
		if err != nil {
			t.Fatalf("Failed to create new config: %v", err)
		}

		if len(cfg.SessionSecret) != 44 { // 32 bytes base64 encoded = 44 chars
			t.Errorf("Session secret should be 44 chars (32 bytes base64 encoded), got %d", len(cfg.SessionSecret))
		}
		if cfg.Listen != ":8000" {
			t.Errorf("Expected default listen :8000, got %s", cfg.Listen)
		}
		if cfg.Discovery.Target != "255.255.255.255" {
			t.Errorf("Expected broadcast target, got %s", cfg.Discovery.Target)
		}
		if cfg.Queue.IdleTimeout != 30*time.Second || cfg.Queue.CommandInterval != 500*time.Millisecond {
			t.Errorf("Unexpected queue defaults: %+v", cfg.Queue)
		}
		if cfg.Queue.ConnectAttempts != 3 || cfg.Queue.LadderTimeout != 30*time.Second {
			t.Errorf("Unexpected queue defaults: %+v", cfg.Queue)
		}
		if cfg.Health.Interval != time.Minute {
			t.Errorf("Expected health interval 1m, got %v", cfg.Health.Interval)
		}
		if _, err := os.Stat(testFile); err != nil {
			t.Errorf("Config file should be written: %v", err)
		}
	})

	t.Run("Load existing config", func(t *testing.T) {
		cfg1, err := LoadOrInitialize(testFile)
		if err != nil {
			t.Fatalf("Failed to create config: %v", err)
		}
		originalSecret := cfg1.SessionSecret

		cfg1.Queue.IdleTimeout = 45 * time.Second
		if err := cfg1.AddDevice("aa-bb-cc-dd-ee-01", "Kettle"); err != nil {
			t.Fatalf("Failed to add device: %v", err)
		}
		if err := SaveConfig(testFile, cfg1); err != nil {
			t.Fatalf("Failed to save config: %v", err)
		}

		cfg2, err := LoadOrInitialize(testFile)
		if err != nil {
			t.Fatalf("Failed to load existing config: %v", err)
		}

		if cfg2.SessionSecret != originalSecret {
			t.Error("Session secret should be preserved when loading existing config")
		}
		if cfg2.Queue.IdleTimeout != 45*time.Second {
			t.Errorf("Expected idle timeout 45s after reload, got %v", cfg2.Queue.IdleTimeout)
		}
		if len(cfg2.Devices) != 1 || cfg2.Devices[0].MAC != "AA:BB:CC:DD:EE:01" || cfg2.Devices[0].Name != "Kettle" {
			t.Errorf("Devices not preserved: %+v", cfg2.Devices)
		}
	})
}

func TestCredentialsFromEnvironment(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "env.yaml")
	if err := os.WriteFile(testFile, []byte("session_secret: x\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("KASA_USERNAME", "me@example.com")
	t.Setenv("KASA_PASSWORD", "hunter2")

	cfg, err := LoadOrInitialize(testFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Credentials.Username != "me@example.com" || cfg.Credentials.Password != "hunter2" {
		t.Errorf("Environment credentials not applied: %+v", cfg.Credentials)
	}

	entries, err := (&Config{Credentials: cfg.Credentials, Devices: []DeviceConfig{{MAC: "aabbccddee01"}}}).Whitelist()
	if err != nil {
		t.Fatalf("Whitelist returned error: %v", err)
	}
	if entries[0].Credentials == nil || entries[0].Credentials.Username != "me@example.com" {
		t.Error("Global credentials should apply to devices without their own")
	}
}

func TestWhitelist(t *testing.T) {
	t.Run("Normalizes and fills defaults", func(t *testing.T) {
		cfg := &Config{
			Discovery: DiscoveryConfig{Target: "192.168.1.255"},
			Devices: []DeviceConfig{
				{MAC: "aa:bb:cc:dd:ee:01", Name: "Kettle"},
				{MAC: "AABB.CCDD.EE02", Target: "10.0.0.255", Username: "u", Password: "p"},
			},
		}
		entries, err := cfg.Whitelist()
		if err != nil {
			t.Fatalf("Whitelist returned error: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("Expected 2 entries, got %d", len(entries))
		}
		if entries[0].MAC != "AA:BB:CC:DD:EE:01" || entries[0].Target != "192.168.1.255" {
			t.Errorf("Unexpected first entry: %+v", entries[0])
		}
		if entries[1].Name != entries[1].ID || len(entries[1].ID) != 8 {
			t.Errorf("Name should default to id: %+v", entries[1])
		}
		if entries[1].Target != "10.0.0.255" || entries[1].Credentials == nil {
			t.Errorf("Per-device settings lost: %+v", entries[1])
		}
		if entries[0].Credentials != nil {
			t.Error("No credentials expected without global or device login")
		}
	})

	t.Run("Rejects malformed MAC", func(t *testing.T) {
		cfg := &Config{Devices: []DeviceConfig{{MAC: "zz:bb:cc:dd:ee:01"}}}
		if _, err := cfg.Whitelist(); err == nil {
			t.Error("Expected error for malformed MAC")
		}
	})

	t.Run("Rejects duplicates in any spelling", func(t *testing.T) {
		cfg := &Config{Devices: []DeviceConfig{{MAC: "aa:bb:cc:dd:ee:01"}, {MAC: "AA-BB-CC-DD-EE-01"}}}
		_, err := cfg.Whitelist()
		if err == nil || !strings.Contains(err.Error(), "duplicate") {
			t.Errorf("Expected duplicate error, got %v", err)
		}
	})

	t.Run("Reads devices file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "devices.json")
		body := `{"devices":[{"mac":"aa:bb:cc:dd:ee:ff","name":"Strip","target":"192.168.1.255"}]}`
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("Failed to write devices file: %v", err)
		}

		cfg := &Config{DevicesFile: path, Devices: []DeviceConfig{{MAC: "aa:bb:cc:dd:ee:01"}}}
		entries, err := cfg.Whitelist()
		if err != nil {
			t.Fatalf("Whitelist returned error: %v", err)
		}
		if len(entries) != 2 || entries[1].Name != "Strip" || entries[1].MAC != "AA:BB:CC:DD:EE:FF" {
			t.Errorf("Unexpected entries: %+v", entries)
		}
	})
}

func TestAdminPassword(t *testing.T) {
	cfg := &Config{}
	if cfg.AdminConfigured() {
		t.Error("Empty config should not have an admin")
	}

	cfg.Admin.Username = "admin"
	if err := cfg.SetAdminPassword("correct-horse"); err != nil {
		t.Fatalf("Failed to set admin password: %v", err)
	}
	if !cfg.AdminConfigured() {
		t.Error("Admin should be configured")
	}
	if cfg.Admin.PasswordHash == "correct-horse" {
		t.Error("Password should be hashed")
	}
	if !cfg.VerifyAdminPassword("correct-horse") {
		t.Error("Correct password should verify")
	}
	if cfg.VerifyAdminPassword("wrong") {
		t.Error("Wrong password should not verify")
	}
}

func TestDeviceManagement(t *testing.T) {
	cfg := &Config{}

	if err := cfg.AddDevice("aa:bb:cc:dd:ee:01", "Kettle"); err != nil {
		t.Fatalf("Failed to add device: %v", err)
	}
	if err := cfg.AddDevice("AA-BB-CC-DD-EE-01", "Again"); err == nil {
		t.Error("Adding the same MAC twice should fail")
	}
	if err := cfg.AddDevice("bogus", "x"); err == nil {
		t.Error("Adding a malformed MAC should fail")
	}
	if err := cfg.RemoveDevice("aabbccddee01"); err != nil {
		t.Errorf("Failed to remove device: %v", err)
	}
	if err := cfg.RemoveDevice("aa:bb:cc:dd:ee:01"); err == nil {
		t.Error("Removing a missing device should fail")
	}
}
