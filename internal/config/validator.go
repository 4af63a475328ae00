package config

import (
	"fmt"
)

var validStrategies = map[string]bool{
	"script": true,
	"watch":  true,
}

var validLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Lease.TimeoutSeconds <= 0 {
		return fmt.Errorf("lease.timeoutSeconds must be positive, got %d", c.Lease.TimeoutSeconds)
	}
	if !validStrategies[c.Lease.Strategy] {
		return fmt.Errorf("lease.strategy must be \"script\" or \"watch\", got %q", c.Lease.Strategy)
	}
	if c.Coalescing.MaxPendingUpdates < 1 {
		return fmt.Errorf("coalescing.maxPendingUpdates must be at least 1, got %d", c.Coalescing.MaxPendingUpdates)
	}
	if c.Coalescing.MaxPendingUpdates > 1 && c.Coalescing.IntervalSeconds <= 0 {
		return fmt.Errorf("coalescing.intervalSeconds must be positive when coalescing is enabled")
	}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}
