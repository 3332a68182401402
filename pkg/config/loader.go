package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// RelayYAMLConfig represents the complete relay.yaml file structure.
// Durations are strings in Go duration syntax ("200ms", "24h").
type RelayYAMLConfig struct {
	Server      *ServerConfig          `yaml:"server"`
	Stream      *StreamYAMLConfig      `yaml:"stream"`
	FollowUp    *FollowUpYAMLConfig    `yaml:"followup"`
	Permissions *PermissionYAMLConfig  `yaml:"permissions"`
	Scheduler   *SchedulerYAMLConfig   `yaml:"scheduler"`
	Maintenance *MaintenanceYAMLConfig `yaml:"maintenance"`
	Agent       *AgentConfig           `yaml:"agent"`
	Sandbox     *SandboxYAMLConfig     `yaml:"sandbox"`
}

// StreamYAMLConfig holds stream tuning from YAML.
type StreamYAMLConfig struct {
	FlushInterval     string `yaml:"flush_interval,omitempty"`
	FlushMaxEvents    int    `yaml:"flush_max_events,omitempty"`
	ReplayBatchSize   int    `yaml:"replay_batch_size,omitempty"`
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"`
	LiveWaitTimeout   string `yaml:"live_wait_timeout,omitempty"`
	TaskKeyTTL        string `yaml:"task_key_ttl,omitempty"`
	RevokedKeyTTL     string `yaml:"revoked_key_ttl,omitempty"`
	CancelPendingTTL  string `yaml:"cancel_pending_ttl,omitempty"`
	UsagePollInterval string `yaml:"usage_poll_interval,omitempty"`
	UsageCacheTTL     string `yaml:"usage_cache_ttl,omitempty"`
}

// FollowUpYAMLConfig holds follow-up queue settings from YAML.
type FollowUpYAMLConfig struct {
	MessageTTL string `yaml:"message_ttl,omitempty"`
}

// PermissionYAMLConfig holds permission settings from YAML.
type PermissionYAMLConfig struct {
	RequestTTL  string `yaml:"request_ttl,omitempty"`
	DefaultWait string `yaml:"default_wait,omitempty"`
	MaxWait     string `yaml:"max_wait,omitempty"`
}

// SchedulerYAMLConfig holds scheduler settings from YAML.
type SchedulerYAMLConfig struct {
	TickInterval     string `yaml:"tick_interval,omitempty"`
	ClaimLimit       int    `yaml:"claim_limit,omitempty"`
	WorkerCount      int    `yaml:"worker_count,omitempty"`
	ExecutionTimeout string `yaml:"execution_timeout,omitempty"`
	OrphanThreshold  string `yaml:"orphan_threshold,omitempty"`
}

// MaintenanceYAMLConfig holds maintenance loop settings from YAML.
type MaintenanceYAMLConfig struct {
	ScheduledTasksInterval string `yaml:"scheduled_tasks_interval,omitempty"`
	TokenCleanupInterval   string `yaml:"token_cleanup_interval,omitempty"`
	OrphanCleanupInterval  string `yaml:"orphan_cleanup_interval,omitempty"`
}

// SandboxYAMLConfig holds sandbox provider settings from YAML.
type SandboxYAMLConfig struct {
	BaseURL        string `yaml:"base_url,omitempty"`
	APIKeyEnv      string `yaml:"api_key_env,omitempty"`
	RequestTimeout string `yaml:"request_timeout,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load relay.yaml from configDir (missing file = all defaults)
//  2. Expand environment variables
//  3. Merge user-defined values over built-in defaults
//  4. Validate the resolved configuration
//  5. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"flush_interval", cfg.Stream.FlushInterval,
		"flush_max_events", cfg.Stream.FlushMaxEvents,
		"replay_batch_size", cfg.Stream.ReplayBatchSize,
		"scheduler_tick", cfg.Scheduler.TickInterval)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	relayConfig, err := loadRelayYAML(configDir)
	if err != nil {
		return nil, NewLoadError("relay.yaml", err)
	}

	serverCfg := DefaultServerConfig()
	if relayConfig.Server != nil {
		if err := mergo.Merge(serverCfg, relayConfig.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server config: %w", err)
		}
	}

	agentCfg := DefaultAgentConfig()
	if relayConfig.Agent != nil {
		if err := mergo.Merge(agentCfg, relayConfig.Agent, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge agent config: %w", err)
		}
	}

	return &Config{
		configDir:   configDir,
		Server:      serverCfg,
		Stream:      resolveStreamConfig(relayConfig.Stream),
		FollowUp:    resolveFollowUpConfig(relayConfig.FollowUp),
		Permissions: resolvePermissionConfig(relayConfig.Permissions),
		Scheduler:   resolveSchedulerConfig(relayConfig.Scheduler),
		Maintenance: resolveMaintenanceConfig(relayConfig.Maintenance),
		Agent:       agentCfg,
		Sandbox:     resolveSandboxConfig(relayConfig.Sandbox),
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

// loadRelayYAML reads and parses relay.yaml. A missing file is not an
// error; every setting has a built-in default.
func loadRelayYAML(configDir string) (*RelayYAMLConfig, error) {
	var config RelayYAMLConfig

	path := filepath.Join(configDir, "relay.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No relay.yaml found, using built-in defaults", "path", path)
			return &config, nil
		}
		return nil, err
	}

	// Expand ${VAR} references before parsing
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &config, nil
}

// parseDuration parses a user-supplied duration, falling back to the
// default (with a warning) when the value is empty or malformed.
func parseDuration(field, value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field,
			"value", value,
			"default", fallback,
			"error", err)
		return fallback
	}
	return d
}

// resolveStreamConfig resolves stream tuning from YAML, applying defaults.
func resolveStreamConfig(y *StreamYAMLConfig) *StreamConfig {
	cfg := DefaultStreamConfig()
	if y == nil {
		return cfg
	}

	cfg.FlushInterval = parseDuration("stream.flush_interval", y.FlushInterval, cfg.FlushInterval)
	cfg.HeartbeatInterval = parseDuration("stream.heartbeat_interval", y.HeartbeatInterval, cfg.HeartbeatInterval)
	cfg.LiveWaitTimeout = parseDuration("stream.live_wait_timeout", y.LiveWaitTimeout, cfg.LiveWaitTimeout)
	cfg.TaskKeyTTL = parseDuration("stream.task_key_ttl", y.TaskKeyTTL, cfg.TaskKeyTTL)
	cfg.RevokedKeyTTL = parseDuration("stream.revoked_key_ttl", y.RevokedKeyTTL, cfg.RevokedKeyTTL)
	cfg.CancelPendingTTL = parseDuration("stream.cancel_pending_ttl", y.CancelPendingTTL, cfg.CancelPendingTTL)
	cfg.UsagePollInterval = parseDuration("stream.usage_poll_interval", y.UsagePollInterval, cfg.UsagePollInterval)
	cfg.UsageCacheTTL = parseDuration("stream.usage_cache_ttl", y.UsageCacheTTL, cfg.UsageCacheTTL)
	if y.FlushMaxEvents > 0 {
		cfg.FlushMaxEvents = y.FlushMaxEvents
	}
	if y.ReplayBatchSize > 0 {
		cfg.ReplayBatchSize = y.ReplayBatchSize
	}

	return cfg
}

// resolveFollowUpConfig resolves follow-up queue settings from YAML.
func resolveFollowUpConfig(y *FollowUpYAMLConfig) *FollowUpConfig {
	cfg := DefaultFollowUpConfig()
	if y == nil {
		return cfg
	}

	cfg.MessageTTL = parseDuration("followup.message_ttl", y.MessageTTL, cfg.MessageTTL)
	return cfg
}

// resolvePermissionConfig resolves permission settings from YAML.
func resolvePermissionConfig(y *PermissionYAMLConfig) *PermissionConfig {
	cfg := DefaultPermissionConfig()
	if y == nil {
		return cfg
	}

	cfg.RequestTTL = parseDuration("permissions.request_ttl", y.RequestTTL, cfg.RequestTTL)
	cfg.DefaultWait = parseDuration("permissions.default_wait", y.DefaultWait, cfg.DefaultWait)
	cfg.MaxWait = parseDuration("permissions.max_wait", y.MaxWait, cfg.MaxWait)
	return cfg
}

// resolveSchedulerConfig resolves scheduler settings from YAML.
func resolveSchedulerConfig(y *SchedulerYAMLConfig) *SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	if y == nil {
		return cfg
	}

	cfg.TickInterval = parseDuration("scheduler.tick_interval", y.TickInterval, cfg.TickInterval)
	cfg.ExecutionTimeout = parseDuration("scheduler.execution_timeout", y.ExecutionTimeout, cfg.ExecutionTimeout)
	cfg.OrphanThreshold = parseDuration("scheduler.orphan_threshold", y.OrphanThreshold, cfg.OrphanThreshold)
	if y.ClaimLimit > 0 {
		cfg.ClaimLimit = y.ClaimLimit
	}
	if y.WorkerCount > 0 {
		cfg.WorkerCount = y.WorkerCount
	}
	return cfg
}

// resolveMaintenanceConfig resolves maintenance loop settings from YAML.
func resolveMaintenanceConfig(y *MaintenanceYAMLConfig) *MaintenanceConfig {
	cfg := DefaultMaintenanceConfig()
	if y == nil {
		return cfg
	}

	cfg.ScheduledTasksInterval = parseDuration("maintenance.scheduled_tasks_interval", y.ScheduledTasksInterval, cfg.ScheduledTasksInterval)
	cfg.TokenCleanupInterval = parseDuration("maintenance.token_cleanup_interval", y.TokenCleanupInterval, cfg.TokenCleanupInterval)
	cfg.OrphanCleanupInterval = parseDuration("maintenance.orphan_cleanup_interval", y.OrphanCleanupInterval, cfg.OrphanCleanupInterval)
	return cfg
}

// resolveSandboxConfig resolves sandbox provider settings from YAML.
// SANDBOX_API_URL overrides the YAML base URL so deployments can point
// at a provider without editing config files.
func resolveSandboxConfig(y *SandboxYAMLConfig) *SandboxConfig {
	cfg := DefaultSandboxConfig()

	if y != nil {
		if y.BaseURL != "" {
			cfg.BaseURL = y.BaseURL
		}
		if y.APIKeyEnv != "" {
			cfg.APIKeyEnv = y.APIKeyEnv
		}
		cfg.RequestTimeout = parseDuration("sandbox.request_timeout", y.RequestTimeout, cfg.RequestTimeout)
	}

	if url := os.Getenv("SANDBOX_API_URL"); url != "" {
		cfg.BaseURL = url
	}

	return cfg
}
