// Package config provides configuration management for the Remaster Agent.
// Connection settings are loaded from environment variables with sensible
// defaults; playback/scheduling tunables come from an optional TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// Default values
	DefaultPort     = 8490
	DefaultLogLevel = "info"
	DefaultDataDir  = ".remaster-agent"

	// Environment variable names
	EnvPort         = "REMASTER_PORT"
	EnvLogLevel     = "REMASTER_LOG_LEVEL"
	EnvDataDir      = "REMASTER_DATA_DIR"
	EnvBackendURL   = "REMASTER_BACKEND_URL"
	EnvBackendToken = "REMASTER_BACKEND_TOKEN"
	EnvTunables     = "REMASTER_TUNABLES"

	// Database filename
	DBFilename = "remaster.db"

	// Tunables filename (relative to the data dir unless overridden)
	TunablesFilename = "remaster.toml"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	BackendURL() string
	BackendToken() string
	Tunables() Tunables
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port         int
	logLevel     string
	dataDir      string
	backendURL   string
	backendToken string
	tunables     Tunables
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:     DefaultPort,
		logLevel: DefaultLogLevel,
		dataDir:  defaultDataDir(),
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	cfg.backendURL = os.Getenv(EnvBackendURL)
	cfg.backendToken = os.Getenv(EnvBackendToken)

	tunablesPath := filepath.Join(cfg.dataDir, TunablesFilename)
	if tp := os.Getenv(EnvTunables); tp != "" {
		tunablesPath = tp
	}

	tunables, err := LoadTunables(tunablesPath)
	if err != nil {
		return nil, fmt.Errorf("load tunables: %w", err)
	}
	cfg.tunables = tunables

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// BackendURL returns the base URL of the processing backend
func (c *EnvConfig) BackendURL() string {
	return c.backendURL
}

// BackendToken returns the bearer token for the processing backend
func (c *EnvConfig) BackendToken() string {
	return c.backendToken
}

// Tunables returns the playback and scheduling tunables
func (c *EnvConfig) Tunables() Tunables {
	return c.tunables
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}
