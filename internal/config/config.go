package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.cmsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Sync           Sync   `toml:"sync"`
	Native         Native `toml:"native"`
}

// Sync holds synchronization policy knobs.
type Sync struct {
	// UploadNativeOutgoing controls whether SMS/MMS sent through the
	// system dialer are pushed to the message store.
	UploadNativeOutgoing bool `toml:"upload_native_outgoing"`
	// ReportDebounceMS is the debounce window for flag reporting, in
	// milliseconds. Bursts of read/delete events within the window are
	// aggregated into one report per conversation.
	ReportDebounceMS int `toml:"report_debounce_ms"`
	// PurgeIntervalS is the interval between tombstone purge passes,
	// in seconds. Zero disables the janitor.
	PurgeIntervalS int `toml:"purge_interval_s"`
}

// Native holds native message store access settings.
type Native struct {
	// DBPath points at the platform message database polled by the
	// watcher. Empty disables native watching (remote-only profile).
	DBPath string `toml:"db_path"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Sync: Sync{
			UploadNativeOutgoing: true,
			ReportDebounceMS:     3000,
			PurgeIntervalS:       3600,
		},
	}
}

// ReportDebounce returns the debounce window as a duration.
func (c *Config) ReportDebounce() time.Duration {
	if c.Sync.ReportDebounceMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.Sync.ReportDebounceMS) * time.Millisecond
}

// Load reads config from the given path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
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
