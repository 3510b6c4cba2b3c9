package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

type Config struct {
	SampleRate      int         `json:"sample_rate"`
	ClipSeconds     int         `json:"clip_seconds"`
	PollIntervalMS  int         `json:"poll_interval_ms"`
	Backend         string      `json:"backend"` // "auto", "malgo", "portaudio"
	LogLevel        string      `json:"log_level"`
	RememberDevices bool        `json:"remember_devices"`
	Audio           AudioConfig `json:"audio"`
}

type AudioConfig struct {
	// Catalog indices of the last devices used, -1 for unset.
	InputDevice  int `json:"input_device"`
	OutputDevice int `json:"output_device"`
}

// Load reads the config from disk or returns defaults
func Load() (*Config, error) {
	path := configPath()

	// Default config
	cfg := &Config{
		SampleRate:      44100,
		ClipSeconds:     3,
		PollIntervalMS:  20,
		Backend:         "auto",
		LogLevel:        "info",
		RememberDevices: true,
		Audio: AudioConfig{
			InputDevice:  -1,
			OutputDevice: -1,
		},
	}

	// Load existing config if it exists
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := configPath()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// PollInterval returns the wait-loop pacing as a duration, falling
// back to the default when the configured value is unusable.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 20 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ClipDuration returns the capture length as a duration.
func (c *Config) ClipDuration() time.Duration {
	if c.ClipSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.ClipSeconds) * time.Second
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "miccheck", "config.json")
}
