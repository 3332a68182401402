package config

import "time"

// MaintenanceConfig contains background maintenance loop settings.
type MaintenanceConfig struct {
	// ScheduledTasksInterval is how often due scheduled tasks are checked.
	ScheduledTasksInterval time.Duration

	// TokenCleanupInterval is how often expired refresh tokens are purged.
	TokenCleanupInterval time.Duration

	// OrphanCleanupInterval is how often orphaned sandboxes and stuck
	// executions are reaped.
	OrphanCleanupInterval time.Duration
}

// DefaultMaintenanceConfig returns the built-in maintenance defaults.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		ScheduledTasksInterval: 60 * time.Second,
		TokenCleanupInterval:   24 * time.Hour,
		OrphanCleanupInterval:  1 * time.Hour,
	}
}
