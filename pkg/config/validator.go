package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateStream(); err != nil {
		return fmt.Errorf("stream validation failed: %w", err)
	}

	if err := v.validatePermissions(); err != nil {
		return fmt.Errorf("permission validation failed: %w", err)
	}

	if err := v.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler validation failed: %w", err)
	}

	if err := v.validateAgent(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("must be between 1 and 65535, got %d", s.Port))
	}
	return nil
}

func (v *ConfigValidator) validateStream() error {
	s := v.cfg.Stream
	if s.FlushInterval <= 0 {
		return NewValidationError("stream", "flush_interval", fmt.Errorf("must be positive"))
	}
	if s.FlushMaxEvents < 1 {
		return NewValidationError("stream", "flush_max_events", fmt.Errorf("must be at least 1"))
	}
	if s.ReplayBatchSize < 1 {
		return NewValidationError("stream", "replay_batch_size", fmt.Errorf("must be at least 1"))
	}
	if s.LiveWaitTimeout <= 0 {
		return NewValidationError("stream", "live_wait_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validatePermissions() error {
	p := v.cfg.Permissions
	if p.RequestTTL <= 0 {
		return NewValidationError("permissions", "request_ttl", fmt.Errorf("must be positive"))
	}
	if p.MaxWait < p.DefaultWait {
		return NewValidationError("permissions", "max_wait", fmt.Errorf("must be at least default_wait"))
	}
	return nil
}

func (v *ConfigValidator) validateScheduler() error {
	s := v.cfg.Scheduler
	if s.TickInterval <= 0 {
		return NewValidationError("scheduler", "tick_interval", fmt.Errorf("must be positive"))
	}
	if s.ClaimLimit < 1 {
		return NewValidationError("scheduler", "claim_limit", fmt.Errorf("must be at least 1"))
	}
	if s.WorkerCount < 1 {
		return NewValidationError("scheduler", "worker_count", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *ConfigValidator) validateAgent() error {
	a := v.cfg.Agent
	if a.Command == "" {
		return NewValidationError("agent", "command", fmt.Errorf("must not be empty"))
	}
	if a.ContextWindow < 1 {
		return NewValidationError("agent", "context_window", fmt.Errorf("must be at least 1"))
	}
	return nil
}
