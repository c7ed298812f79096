package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/octobed/internal/ble/protocol"
)

// Store persists the state octobed learns at runtime (PIN, calibration,
// discovered address) back into the config file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store backed by the config file at path.
func NewStore(path string) *Store {
	return &Store{path: expandTilde(path)}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// LoadPIN reads the persisted PIN from disk. Defaults are not applied: a
// file without a pin is an error, not "0000".
func (s *Store) LoadPIN() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("reading config file: %w", err)
	}
	var raw struct {
		PIN string `yaml:"pin"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return "", fmt.Errorf("parsing config file: %w", err)
	}
	pin := strings.TrimSpace(raw.PIN)
	if pin == "" {
		return "", fmt.Errorf("config: %s has no pin", s.path)
	}
	return pin, nil
}

// SavePIN persists a new PIN.
func (s *Store) SavePIN(pin string) error {
	return s.update(func(c *Config) { c.PIN = protocol.NormalizePIN(pin) })
}

// SaveCalibration persists the measured travel time of axis, rounded to
// whole seconds and never below one.
func (s *Store) SaveCalibration(axis protocol.Axis, d time.Duration) error {
	secs := max(int(math.Round(d.Seconds())), 1)
	return s.update(func(c *Config) {
		switch axis {
		case protocol.Head:
			c.Calibration.HeadSeconds = secs
		case protocol.Feet:
			c.Calibration.FeetSeconds = secs
		}
	})
}

// SaveAddress persists the address a name scan resolved to.
func (s *Store) SaveAddress(addr string) error {
	return s.update(func(c *Config) { c.Device.Address = strings.TrimSpace(addr) })
}

// update applies fn to the file's config and rewrites it atomically.
func (s *Store) update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	fn(cfg)
	data, err := marshal(cfg)
	if err != nil {
		return err
	}
	return writeAtomic(s.path, data)
}

// writeAtomic replaces path with data via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Chmod(name, 0600); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}
