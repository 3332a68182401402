package config

// AgentConfig contains agent subprocess settings.
type AgentConfig struct {
	// Command is the agent binary launched per stream.
	Command string `yaml:"command"`

	// Args are passed to the agent binary before per-stream flags.
	Args []string `yaml:"args"`

	// DefaultModelID is used when a prompt does not name a model.
	DefaultModelID string `yaml:"default_model_id"`

	// ContextWindow is the assumed context window in tokens when the
	// agent does not report one.
	ContextWindow int64 `yaml:"context_window"`
}

// DefaultAgentConfig returns the built-in agent defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Command:        "relay-agent",
		DefaultModelID: "claude-sonnet-4-5",
		ContextWindow:  200000,
	}
}
