package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.cmsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cmsync")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// DBPath returns the app-owned cmsync.db path for a profile.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "cmsync.db")
}

// SpoolDir returns the default outbound spool directory for a profile.
// The store-command fallback transport writes flag documents here for
// the external uploader.
func SpoolDir(name string) string {
	return filepath.Join(Dir(name), "spool")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "cmsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
		SpoolDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
