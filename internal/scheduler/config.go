package scheduler

import (
	"fmt"
	"time"
)

// Config defines the scheduler's loop cadence and maintenance policy
type Config struct {
	// How often due workers are evaluated
	TickInterval time.Duration `toml:"tick_interval"`

	// How often stale runs are reclaimed and old events purged
	MaintenanceInterval time.Duration `toml:"maintenance_interval"`

	// A queued or running run with no heartbeat for this long is stale
	StaleThreshold time.Duration `toml:"stale_threshold"`

	// Run events older than this are purged. Zero keeps them forever.
	EventRetention time.Duration `toml:"event_retention"`

	// Bound on concurrent triggers issued by RunAll
	RunAllConcurrency int `toml:"run_all_concurrency"`
}

// DefaultConfig returns the scheduler defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:        30 * time.Second,
		MaintenanceInterval: 1 * time.Minute,
		StaleThreshold:      15 * time.Minute,
		EventRetention:      7 * 24 * time.Hour,
		RunAllConcurrency:   8,
	}
}

// validateConfig validates scheduler configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be positive, got %v", config.TickInterval)
	}

	if config.MaintenanceInterval <= 0 {
		return fmt.Errorf("MaintenanceInterval must be positive, got %v", config.MaintenanceInterval)
	}

	if config.StaleThreshold <= 0 {
		return fmt.Errorf("StaleThreshold must be positive, got %v", config.StaleThreshold)
	}

	if config.EventRetention < 0 {
		return fmt.Errorf("EventRetention must not be negative, got %v", config.EventRetention)
	}

	if config.RunAllConcurrency <= 0 {
		return fmt.Errorf("RunAllConcurrency must be positive, got %d", config.RunAllConcurrency)
	}

	return nil
}
