package config

import "time"

// PermissionConfig contains permission request settings.
type PermissionConfig struct {
	// RequestTTL is how long a registered permission request stays
	// answerable before it expires.
	RequestTTL time.Duration

	// DefaultWait is the long-poll wait used when the caller does not
	// pass an explicit timeout.
	DefaultWait time.Duration

	// MaxWait caps the caller-supplied long-poll timeout.
	MaxWait time.Duration
}

// DefaultPermissionConfig returns the built-in permission defaults.
func DefaultPermissionConfig() *PermissionConfig {
	return &PermissionConfig{
		RequestTTL:  5 * time.Minute,
		DefaultWait: 300 * time.Second,
		MaxWait:     600 * time.Second,
	}
}
