package config

import "time"

// FollowUpConfig contains follow-up queue settings.
type FollowUpConfig struct {
	// MessageTTL is the lifetime of a queued follow-up. The TTL is
	// reapplied on every merge or edit.
	MessageTTL time.Duration
}

// DefaultFollowUpConfig returns the built-in follow-up queue defaults.
func DefaultFollowUpConfig() *FollowUpConfig {
	return &FollowUpConfig{
		MessageTTL: 24 * time.Hour,
	}
}
