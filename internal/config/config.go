package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the global ~/.ensemble/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	GatewayURL     string `toml:"gateway_url"`
	AIServiceURL   string `toml:"ai_service_url"`
	MediaRoot      string `toml:"media_root"`

	// StaleSendSeconds is how long a message may stay in "sending" before a
	// retry prompt is surfaced. Zero means the default.
	StaleSendSeconds int `toml:"stale_send_seconds"`
}

const defaultStaleSend = 30 * time.Second

// StaleSendThreshold returns the configured stale-send window.
func (c *Config) StaleSendThreshold() time.Duration {
	if c.StaleSendSeconds <= 0 {
		return defaultStaleSend
	}
	return time.Duration(c.StaleSendSeconds) * time.Second
}

// Load reads config from the given path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadOrDefault reads the config file if present, otherwise returns defaults.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return &Config{}
	}
	return cfg
}

func fallbackProfile(name string) string {
	if name != "" {
		return name
	}
	return "default"
}

// Resolve picks the effective profile name: flag > config > "default".
func Resolve(flagValue string, cfg *Config) string {
	if flagValue != "" {
		return flagValue
	}
	if cfg != nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return fallbackProfile("")
}
