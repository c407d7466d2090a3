package changefeed

import (
	"fmt"
	"time"
)

// Config defines buffering for change-feed events on their way to the store
type Config struct {
	// Channel buffer size between the feed goroutine and the applier
	ChannelSize int `toml:"channel_size"`

	// Batch flushing - dual mechanism (size OR time triggers flush)
	BatchSize     int           `toml:"batch_size"`
	FlushInterval time.Duration `toml:"flush_interval"`
}

// DefaultConfig returns change-feed defaults
func DefaultConfig() Config {
	return Config{
		ChannelSize:   256,
		BatchSize:     50,
		FlushInterval: 200 * time.Millisecond,
	}
}

// Validate checks the configuration and returns an error if invalid
func (c Config) Validate() error {
	if c.ChannelSize <= 0 {
		return fmt.Errorf("ChannelSize must be positive, got %d", c.ChannelSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", c.FlushInterval)
	}
	return nil
}
