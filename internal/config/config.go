package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/tasksync/internal/changefeed"
	"github.com/livinlefevreloca/tasksync/internal/identity"
	"github.com/livinlefevreloca/tasksync/internal/logging"
	"github.com/livinlefevreloca/tasksync/internal/orchestrator"
	"github.com/livinlefevreloca/tasksync/internal/remote"
	"github.com/livinlefevreloca/tasksync/internal/store"
)

// Config represents the application configuration
type Config struct {
	Store      store.Config        `toml:"store"`
	Remote     remote.Config       `toml:"remote"`
	Sync       orchestrator.Config `toml:"sync"`
	ChangeFeed changefeed.Config   `toml:"changefeed"`
	Identity   identity.Config     `toml:"identity"`
	Logging    logging.Config      `toml:"logging"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store:      store.DefaultConfig(),
		Remote:     remote.DefaultConfig(),
		Sync:       orchestrator.DefaultConfig(),
		ChangeFeed: changefeed.DefaultConfig(),
		Identity:   identity.DefaultConfig(),
		Logging:    logging.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Store validation
	if c.Store.Path == "" {
		return fmt.Errorf("store path must be specified")
	}
	if c.Store.MaxOpenConns < 0 {
		return fmt.Errorf("store max_open_conns must not be negative")
	}
	if c.Store.BusyTimeout < 0 {
		return fmt.Errorf("store busy_timeout must not be negative")
	}

	// Remote validation
	if c.Remote.Enabled {
		if c.Remote.URL == "" {
			return fmt.Errorf("remote url must be specified when remote is enabled")
		}
		u, err := url.Parse(c.Remote.URL)
		if err != nil {
			return fmt.Errorf("invalid remote url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("unsupported remote url scheme: %s (must be http or https)", u.Scheme)
		}
		if c.Remote.Timeout <= 0 {
			return fmt.Errorf("remote timeout must be positive")
		}
	}

	// Sync validation
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	// Change feed validation
	if err := c.ChangeFeed.Validate(); err != nil {
		return fmt.Errorf("changefeed: %w", err)
	}

	// Identity validation
	if c.Identity.SessionFile == "" {
		return fmt.Errorf("identity session_file must be specified")
	}

	// Logging validation
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	return nil
}
