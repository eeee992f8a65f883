// Package session resolves on-disk layout and naming for engine sessions.
//
// Each session owns a directory under ~/.trim/sessions/<name>/ holding
// its cache database and profile lock. Logs and the global config live
// directly under ~/.trim/.
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns the root trim directory, ~/.trim.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".trim"), nil
}

// Dir returns the directory for the named session.
func Dir(name string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "sessions", name), nil
}

// DBPath returns the session's cache database path.
func DBPath(name string) (string, error) {
	dir, err := Dir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "trim.db"), nil
}

// LockPath returns the session's profile lock file path.
func LockPath(name string) (string, error) {
	dir, err := Dir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "LOCK"), nil
}

// LogPath returns the daemon log file path.
func LogPath() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "logs", "trimd.log"), nil
}

// ConfigPath returns the global config file path.
func ConfigPath() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.toml"), nil
}

// EnsureDir creates the session directory with owner-only permissions.
func EnsureDir(name string) (string, error) {
	dir, err := Dir(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// List returns the names of sessions with an existing directory.
func List() ([]string, error) {
	base, err := BaseDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(base, "sessions"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
