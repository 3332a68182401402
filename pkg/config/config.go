// Package config loads and validates relay configuration from YAML and
// the environment.
package config

// Config is the umbrella configuration object that encapsulates all
// resolved settings. This is the primary object returned by Initialize()
// and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// HTTP server settings
	Server *ServerConfig

	// Stream runtime and live delivery tuning
	Stream *StreamConfig

	// Follow-up queue settings
	FollowUp *FollowUpConfig

	// Permission request settings
	Permissions *PermissionConfig

	// Scheduled task engine settings
	Scheduler *SchedulerConfig

	// Maintenance loop settings
	Maintenance *MaintenanceConfig

	// Agent subprocess settings
	Agent *AgentConfig

	// Sandbox provider settings
	Sandbox *SandboxConfig
}

// Initialize is defined in loader.go

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}
