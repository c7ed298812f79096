package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/octobed/internal/ble"
	"github.com/chaz8081/octobed/internal/ble/protocol"
	"github.com/chaz8081/octobed/internal/position"
	"github.com/chaz8081/octobed/internal/session"
)

// Config holds all application configuration.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	PIN         string            `yaml:"pin"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Session     SessionConfig     `yaml:"session"`
	Remote      RemoteConfig      `yaml:"remote"`
	LogLevel    string            `yaml:"log_level"`
}

// DeviceConfig identifies the bed.
type DeviceConfig struct {
	Name     string `yaml:"name"`    // advertised name, used when address is empty
	Address  string `yaml:"address"` // BLE address, preferred
	Nickname string `yaml:"nickname"`
}

// CalibrationConfig holds the full-travel time of each section.
type CalibrationConfig struct {
	HeadSeconds  int  `yaml:"head_seconds"`
	FeetSeconds  int  `yaml:"feet_seconds"`
	HeadInverted bool `yaml:"head_inverted"`
	FeetInverted bool `yaml:"feet_inverted"`
}

// SessionConfig holds link and session timing.
type SessionConfig struct {
	KeepAliveSeconds      int `yaml:"keep_alive_seconds"`
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	WriteTimeoutSeconds   int `yaml:"write_timeout_seconds"`
	ScanTimeoutSeconds    int `yaml:"scan_timeout_seconds"`
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
	RejectWindowSeconds   int `yaml:"reject_window_seconds"`
	ReconnectMax          int `yaml:"reconnect_max"` // backoff cap in seconds
	ReconnectAttempts     int `yaml:"reconnect_attempts"`
	MovementIntervalMS    int `yaml:"movement_interval_ms"`
}

// RemoteConfig holds the global hotkey remote.
type RemoteConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Bindings []BindingConfig `yaml:"bindings"`
}

// BindingConfig maps a key combo to a held move.
type BindingConfig struct {
	Keys      []string `yaml:"keys"`
	Axis      string   `yaml:"axis"`      // "head", "feet" or "both"
	Direction string   `yaml:"direction"` // "up" or "down"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "octobed")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name: "RC2",
		},
		PIN: "0000",
		Calibration: CalibrationConfig{
			HeadSeconds: 30,
			FeetSeconds: 30,
		},
		Session: SessionConfig{
			KeepAliveSeconds:      30,
			ConnectTimeoutSeconds: 10,
			WriteTimeoutSeconds:   5,
			ScanTimeoutSeconds:    10,
			CommandTimeoutSeconds: 10,
			RejectWindowSeconds:   5,
			ReconnectMax:          30,
			ReconnectAttempts:     8,
			MovementIntervalMS:    250,
		},
		Remote: RemoteConfig{
			Bindings: []BindingConfig{
				{Keys: []string{"ctrl", "alt", "up"}, Axis: "head", Direction: "up"},
				{Keys: []string{"ctrl", "alt", "down"}, Axis: "head", Direction: "down"},
				{Keys: []string{"ctrl", "shift", "up"}, Axis: "feet", Direction: "up"},
				{Keys: []string{"ctrl", "shift", "down"}, Axis: "feet", Direction: "down"},
			},
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Device.Address = strings.TrimSpace(cfg.Device.Address)
	cfg.Device.Name = strings.TrimSpace(cfg.Device.Name)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Name == "" && c.Device.Address == "" {
		return fmt.Errorf("device.name or device.address must be set")
	}

	if strings.TrimSpace(c.PIN) == "" {
		return fmt.Errorf("pin must not be empty")
	}

	if c.Calibration.HeadSeconds <= 0 {
		return fmt.Errorf("calibration.head_seconds must be > 0, got %d: %w", c.Calibration.HeadSeconds, position.ErrInvalidCalibration)
	}
	if c.Calibration.FeetSeconds <= 0 {
		return fmt.Errorf("calibration.feet_seconds must be > 0, got %d: %w", c.Calibration.FeetSeconds, position.ErrInvalidCalibration)
	}

	s := c.Session
	for _, f := range []struct {
		name string
		v    int
	}{
		{"session.keep_alive_seconds", s.KeepAliveSeconds},
		{"session.connect_timeout_seconds", s.ConnectTimeoutSeconds},
		{"session.write_timeout_seconds", s.WriteTimeoutSeconds},
		{"session.scan_timeout_seconds", s.ScanTimeoutSeconds},
		{"session.command_timeout_seconds", s.CommandTimeoutSeconds},
		{"session.reject_window_seconds", s.RejectWindowSeconds},
		{"session.reconnect_max", s.ReconnectMax},
		{"session.reconnect_attempts", s.ReconnectAttempts},
		{"session.movement_interval_ms", s.MovementIntervalMS},
	} {
		if f.v <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", f.name, f.v)
		}
	}

	for i, b := range c.Remote.Bindings {
		if len(b.Keys) == 0 {
			return fmt.Errorf("remote.bindings[%d].keys must not be empty", i)
		}
		if _, err := protocol.ParseAxes(b.Axis); err != nil {
			return fmt.Errorf("remote.bindings[%d].axis must be head, feet, or both, got %q", i, b.Axis)
		}
		switch b.Direction {
		case "up", "down":
		default:
			return fmt.Errorf("remote.bindings[%d].direction must be \"up\" or \"down\", got %q", i, b.Direction)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Identity returns the bed the transport should connect to.
func (c *Config) Identity() ble.Identity {
	return ble.Identity{Address: c.Device.Address, Name: c.Device.Name}
}

// TransportOptions converts the session section for the BLE transport.
func (c *Config) TransportOptions() ble.TransportOptions {
	return ble.TransportOptions{
		ScanTimeout:  seconds(c.Session.ScanTimeoutSeconds),
		WriteTimeout: seconds(c.Session.WriteTimeoutSeconds),
	}
}

// SessionOptions converts the session section for the auth session.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		KeepAliveInterval: seconds(c.Session.KeepAliveSeconds),
		ConnectTimeout:    seconds(c.Session.ConnectTimeoutSeconds),
		CommandTimeout:    seconds(c.Session.CommandTimeoutSeconds),
		RejectWindow:      seconds(c.Session.RejectWindowSeconds),
		ReconnectMax:      seconds(c.Session.ReconnectMax),
		ReconnectAttempts: c.Session.ReconnectAttempts,
	}
}

// Profile converts the calibration section for the position estimator.
func (c *Config) Profile() position.Profile {
	return position.Profile{
		protocol.Head: {Travel: seconds(c.Calibration.HeadSeconds), Inverted: c.Calibration.HeadInverted},
		protocol.Feet: {Travel: seconds(c.Calibration.FeetSeconds), Inverted: c.Calibration.FeetInverted},
	}
}

// MovementInterval is how often a held move is reasserted.
func (c *Config) MovementInterval() time.Duration {
	return time.Duration(c.Session.MovementIntervalMS) * time.Millisecond
}

// ParseLogLevel maps a config log level to slog. Unknown values are info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const header = `# octobed configuration
# device.address is filled in automatically once the bed is found by name.
# The PIN and calibration values are rewritten by octobed when they change.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := marshal(Default())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

func marshal(cfg *Config) ([]byte, error) {
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return append([]byte(header), body...), nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
