package orchestrator

import (
	"fmt"
	"time"
)

// Config defines sync cycle timing
type Config struct {
	// Periodic pull interval
	TickInterval time.Duration `toml:"tick_interval"`

	// Upper bound on one cycle, applied on top of the transport timeout
	CycleTimeout time.Duration `toml:"cycle_timeout"`
}

// DefaultConfig returns sync defaults
func DefaultConfig() Config {
	return Config{
		TickInterval: 60 * time.Second,
		CycleTimeout: 2 * time.Minute,
	}
}

// Validate checks the configuration and returns an error if invalid
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be positive, got %v", c.TickInterval)
	}
	if c.CycleTimeout <= 0 {
		return fmt.Errorf("CycleTimeout must be positive, got %v", c.CycleTimeout)
	}
	return nil
}
