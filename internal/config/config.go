// Package config reads and writes the global ~/.trim/config.toml.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the engine configuration.
type Config struct {
	DefaultSession string `toml:"default_session"`

	API   APIConfig   `toml:"api"`
	Cache CacheConfig `toml:"cache"`
	Sync  SyncConfig  `toml:"sync"`
}

// APIConfig configures the network client.
type APIConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// CacheConfig tunes the entity store and quota guard.
type CacheConfig struct {
	CeilingBytes       int64 `toml:"ceiling_bytes"`
	MinRetainedPerType int   `toml:"min_retained_per_type"`
	MirrorSize         int   `toml:"mirror_size"`
}

// SyncConfig tunes the background sync scheduler and retry policy.
type SyncConfig struct {
	IntervalSeconds       int `toml:"interval_seconds"`
	HiddenIntervalSeconds int `toml:"hidden_interval_seconds"`
	ProbeIntervalSeconds  int `toml:"probe_interval_seconds"`
	MaxRetries            int `toml:"max_retries"`
	BaseDelayMillis       int `toml:"base_delay_millis"`
	MaxDelayMillis        int `toml:"max_delay_millis"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        "https://api.trim.app",
			TimeoutSeconds: 15,
		},
		Cache: CacheConfig{
			CeilingBytes:       4 << 20,
			MinRetainedPerType: 5,
			MirrorSize:         50,
		},
		Sync: SyncConfig{
			IntervalSeconds:       30,
			HiddenIntervalSeconds: 300,
			ProbeIntervalSeconds:  10,
			MaxRetries:            8,
			BaseDelayMillis:       1000,
			MaxDelayMillis:        10000,
		},
	}
}

// Load reads config from the given path. Returns an error if the file
// is missing; callers fall back to Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
