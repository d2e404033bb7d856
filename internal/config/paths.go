// Package config provides configuration loading and path management for
// the portal backend, proxy, and launcher binaries.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard per-user directories the portal uses for
// persistent state. They follow the XDG base directory layout on Unix and
// fall back to %APPDATA% on Windows.
type Paths struct {
	Data   string // ~/.local/share/portal
	Config string // ~/.config/portal
	Cache  string // ~/.cache/portal
	State  string // ~/.local/state/portal
}

// GetPaths returns the standard paths for portal data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "portal"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "portal"),
		Cache:  filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), "portal"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "portal"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath returns the default path to the backend's sqlite database.
func (p *Paths) DatabasePath() string {
	return filepath.Join(p.Data, "portal.db")
}

// BuffersDir returns the directory holding each session's OutputBuffer
// file (spec: buffers/<session_id>.json), proxy-side only.
func (p *Paths) BuffersDir() string {
	return filepath.Join(p.State, "buffers")
}

// BufferPath returns the on-disk path for a single session's output buffer.
func (p *Paths) BufferPath(sessionID string) string {
	return filepath.Join(p.BuffersDir(), sessionID+".json")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "portal.json")
}

// ProjectConfigPath returns the path to a working-directory-local config
// override, consulted by the proxy when launched inside a repo.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".portal", "portal.json")
}
