package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/fbettag/kasa-web-controller/internal/identity"
	"github.com/fbettag/kasa-web-controller/internal/queue"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Listen           string            `mapstructure:"listen"`
	LogLevel         string            `mapstructure:"log_level"`
	DatabasePath     string            `mapstructure:"database_path"`
	SessionSecret    string            `mapstructure:"session_secret"`
	LogRetentionDays int               `mapstructure:"log_retention_days"`
	Admin            AdminConfig       `mapstructure:"admin"`
	Credentials      CredentialsConfig `mapstructure:"credentials"`
	Discovery        DiscoveryConfig   `mapstructure:"discovery"`
	Queue            queue.Config      `mapstructure:"queue"`
	Health           HealthConfig      `mapstructure:"health"`
	MQTT             MQTTConfig        `mapstructure:"mqtt"`
	UniFi            UniFiConfig       `mapstructure:"unifi"`
	Devices          []DeviceConfig    `mapstructure:"devices"`
	DevicesFile      string            `mapstructure:"devices_file"`
}

type AdminConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// CredentialsConfig is the fallback login for devices that demand one.
type CredentialsConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type DiscoveryConfig struct {
	Target  string        `mapstructure:"target"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type UniFiConfig struct {
	ControllerURL string `mapstructure:"controller_url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	SiteID        string `mapstructure:"site_id"`
}

type DeviceConfig struct {
	MAC      string `mapstructure:"mac" json:"mac"`
	Name     string `mapstructure:"name" json:"name"`
	Target   string `mapstructure:"target" json:"target,omitempty"`
	Username string `mapstructure:"username" json:"username,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty"`
}

func setDefaults(v *viper.Viper) {
	q := queue.DefaultConfig()

	v.SetDefault("listen", ":8000")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "kasa.db")
	v.SetDefault("log_retention_days", 30)
	v.SetDefault("discovery.target", "255.255.255.255")
	v.SetDefault("discovery.timeout", 5*time.Second)
	v.SetDefault("queue.idle_timeout", q.IdleTimeout)
	v.SetDefault("queue.command_interval", q.CommandInterval)
	v.SetDefault("queue.step_timeout", q.StepTimeout)
	v.SetDefault("queue.ladder_timeout", q.LadderTimeout)
	v.SetDefault("queue.connect_attempts", q.ConnectAttempts)
	v.SetDefault("queue.connect_retry_delay", q.ConnectRetryDelay)
	v.SetDefault("health.interval", 60*time.Second)
	v.SetDefault("mqtt.client_id", "kasa-web-controller")
	v.SetDefault("mqtt.topic_prefix", "kasa")
	v.SetDefault("unifi.site_id", "default")
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.BindEnv("credentials.username", "KASA_USERNAME"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("credentials.password", "KASA_PASSWORD"); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadOrInitialize reads configPath, creating it with defaults when missing.
func LoadOrInitialize(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, err
		}
		cfg.SessionSecret = generateSessionSecret()

		if err := SaveConfig(configPath, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.SessionSecret == "" {
		cfg.SessionSecret = generateSessionSecret()
		if err := SaveConfig(configPath, &cfg); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// SaveConfig writes cfg to configPath. Credentials that came from the
// environment are written too, so keep the file private.
func SaveConfig(configPath string, cfg *Config) error {
	v := viper.New()
	v.SetConfigType("yaml")

	v.Set("listen", cfg.Listen)
	v.Set("log_level", cfg.LogLevel)
	v.Set("database_path", cfg.DatabasePath)
	v.Set("session_secret", cfg.SessionSecret)
	v.Set("log_retention_days", cfg.LogRetentionDays)

	v.Set("admin.username", cfg.Admin.Username)
	v.Set("admin.password_hash", cfg.Admin.PasswordHash)

	v.Set("credentials.username", cfg.Credentials.Username)
	v.Set("credentials.password", cfg.Credentials.Password)

	v.Set("discovery.target", cfg.Discovery.Target)
	v.Set("discovery.timeout", cfg.Discovery.Timeout.String())

	v.Set("queue.idle_timeout", cfg.Queue.IdleTimeout.String())
	v.Set("queue.command_interval", cfg.Queue.CommandInterval.String())
	v.Set("queue.step_timeout", cfg.Queue.StepTimeout.String())
	v.Set("queue.ladder_timeout", cfg.Queue.LadderTimeout.String())
	v.Set("queue.connect_attempts", cfg.Queue.ConnectAttempts)
	v.Set("queue.connect_retry_delay", cfg.Queue.ConnectRetryDelay.String())

	v.Set("health.interval", cfg.Health.Interval.String())

	v.Set("mqtt.broker", cfg.MQTT.Broker)
	v.Set("mqtt.username", cfg.MQTT.Username)
	v.Set("mqtt.password", cfg.MQTT.Password)
	v.Set("mqtt.client_id", cfg.MQTT.ClientID)
	v.Set("mqtt.topic_prefix", cfg.MQTT.TopicPrefix)

	v.Set("unifi.controller_url", cfg.UniFi.ControllerURL)
	v.Set("unifi.username", cfg.UniFi.Username)
	v.Set("unifi.password", cfg.UniFi.Password)
	v.Set("unifi.site_id", cfg.UniFi.SiteID)

	// Manually set devices to keep field names stable
	devices := make([]map[string]interface{}, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		m := map[string]interface{}{
			"mac":  d.MAC,
			"name": d.Name,
		}
		if d.Target != "" {
			m["target"] = d.Target
		}
		if d.Username != "" {
			m["username"] = d.Username
			m["password"] = d.Password
		}
		devices = append(devices, m)
	}
	v.Set("devices", devices)
	v.Set("devices_file", cfg.DevicesFile)

	return v.WriteConfigAs(configPath)
}

func (c *Config) AdminConfigured() bool {
	return c.Admin.Username != "" && c.Admin.PasswordHash != ""
}

func (c *Config) SetAdminPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	c.Admin.PasswordHash = string(hash)
	return nil
}

func (c *Config) VerifyAdminPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(c.Admin.PasswordHash), []byte(password))
	return err == nil
}

// AddDevice appends a whitelist entry, rejecting MACs already present in any
// spelling.
func (c *Config) AddDevice(mac, name string) error {
	canonical, err := identity.Normalize(mac)
	if err != nil {
		return err
	}
	for _, d := range c.Devices {
		if existing, err := identity.Normalize(d.MAC); err == nil && existing == canonical {
			return errors.New("device already exists")
		}
	}

	c.Devices = append(c.Devices, DeviceConfig{MAC: canonical, Name: name})
	return nil
}

func (c *Config) RemoveDevice(mac string) error {
	canonical, err := identity.Normalize(mac)
	if err != nil {
		return err
	}
	for i, d := range c.Devices {
		if existing, err := identity.Normalize(d.MAC); err == nil && existing == canonical {
			c.Devices = append(c.Devices[:i], c.Devices[i+1:]...)
			return nil
		}
	}
	return errors.New("device not found")
}

// Whitelist returns the managed devices from the inline list and, if set,
// the devices file. Malformed or duplicate MACs are an error.
func (c *Config) Whitelist() ([]device.Entry, error) {
	all := append([]DeviceConfig(nil), c.Devices...)
	if c.DevicesFile != "" {
		extra, err := LoadDevicesFile(c.DevicesFile)
		if err != nil {
			return nil, err
		}
		all = append(all, extra...)
	}

	var global *device.Credentials
	if c.Credentials.Username != "" && c.Credentials.Password != "" {
		global = &device.Credentials{Username: c.Credentials.Username, Password: c.Credentials.Password}
	}

	seen := make(map[string]bool, len(all))
	entries := make([]device.Entry, 0, len(all))
	for _, d := range all {
		id, mac, err := identity.ParseID(d.MAC)
		if err != nil {
			return nil, fmt.Errorf("whitelist: %w", err)
		}
		if seen[mac] {
			return nil, fmt.Errorf("whitelist: duplicate device %s", mac)
		}
		seen[mac] = true

		e := device.Entry{
			MAC:         mac,
			ID:          id,
			Name:        d.Name,
			Target:      d.Target,
			Credentials: global,
		}
		if e.Name == "" {
			e.Name = id
		}
		if e.Target == "" {
			e.Target = c.Discovery.Target
		}
		if d.Username != "" && d.Password != "" {
			e.Credentials = &device.Credentials{Username: d.Username, Password: d.Password}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// LoadDevicesFile reads a standalone whitelist ({"devices": [...]}) in JSON
// or YAML, picked by extension.
func LoadDevicesFile(path string) ([]DeviceConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("json")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("devices file: %w", err)
	}

	var file struct {
		Devices []DeviceConfig `mapstructure:"devices"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("devices file: %w", err)
	}
	return file.Devices, nil
}

func generateSessionSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// This should never happen with crypto/rand
		panic(err)
	}
	return base64.URLEncoding.EncodeToString(b)
}
