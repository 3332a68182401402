package config

import "time"

// SchedulerConfig contains scheduled task engine settings.
type SchedulerConfig struct {
	// TickInterval is how often due tasks are claimed.
	TickInterval time.Duration

	// ClaimLimit caps how many due tasks one tick may claim.
	ClaimLimit int

	// WorkerCount is the number of goroutines executing claimed tasks.
	WorkerCount int

	// ExecutionTimeout bounds one scheduled task run end to end.
	ExecutionTimeout time.Duration

	// OrphanThreshold is how long a claimed execution may stay running
	// without finishing before maintenance marks it failed.
	OrphanThreshold time.Duration
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval:     60 * time.Second,
		ClaimLimit:       100,
		WorkerCount:      4,
		ExecutionTimeout: 30 * time.Minute,
		OrphanThreshold:  2 * time.Hour,
	}
}
