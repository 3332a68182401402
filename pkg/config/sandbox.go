package config

import "time"

// SandboxConfig contains sandbox provider settings.
type SandboxConfig struct {
	// BaseURL is the sandbox provider API endpoint. Empty disables
	// sandbox integration (streams run without a workspace).
	BaseURL string

	// APIKeyEnv is the env var name holding the provider API key.
	APIKeyEnv string

	// RequestTimeout bounds individual provider calls.
	RequestTimeout time.Duration
}

// DefaultSandboxConfig returns the built-in sandbox defaults.
func DefaultSandboxConfig() *SandboxConfig {
	return &SandboxConfig{
		APIKeyEnv:      "SANDBOX_API_KEY",
		RequestTimeout: 30 * time.Second,
	}
}
