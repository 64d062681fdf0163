package config

import (
	"os"
	"path/filepath"
)

const appName = "tripguide"

// xdgDir returns $env or falls back to $HOME/<rel...>.
func xdgDir(env string, rel ...string) string {
	if d := os.Getenv(env); d != "" {
		return d
	}
	home := os.Getenv("HOME")
	if home == "" {
		// Last resort: current working directory
		cwd, _ := os.Getwd()
		home = cwd
	}
	return filepath.Join(append([]string{home}, rel...)...)
}

// ResolveDirs fills empty directory settings from the XDG base directories.
func (c *Config) ResolveDirs() {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), appName)
	}
	if c.ConfigDir == "" {
		c.ConfigDir = filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), appName)
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(xdgDir("XDG_CACHE_HOME", ".cache"), appName)
	}
}

// EnsureDirs creates the data, config and cache directories.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, c.ConfigDir, c.CacheDir} {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DefaultFile is the config file path used when none is given.
func DefaultFile() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), appName, "config.yaml")
}

// StorePath is the session database.
func (c *Config) StorePath() string { return filepath.Join(c.DataDir, "session.sqlite") }

// CachePath is the geocode cache database.
func (c *Config) CachePath() string { return filepath.Join(c.CacheDir, "geocode.sqlite") }

// ExportDir receives GPX exports.
func (c *Config) ExportDir() string { return filepath.Join(c.DataDir, "exports") }

// KeyPath is the credential sealing key.
func (c *Config) KeyPath() string { return filepath.Join(c.ConfigDir, "session.key") }
