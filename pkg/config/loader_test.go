package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDefaults(t *testing.T) {
	// Empty directory: every setting falls back to built-in defaults
	configDir := t.TempDir()

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 200*time.Millisecond, cfg.Stream.FlushInterval)
	assert.Equal(t, 24, cfg.Stream.FlushMaxEvents)
	assert.Equal(t, 500, cfg.Stream.ReplayBatchSize)
	assert.Equal(t, 24*time.Hour, cfg.FollowUp.MessageTTL)
	assert.Equal(t, 5*time.Minute, cfg.Permissions.RequestTTL)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 100, cfg.Scheduler.ClaimLimit)
	assert.Equal(t, 60*time.Second, cfg.Maintenance.ScheduledTasksInterval)
	assert.Equal(t, 24*time.Hour, cfg.Maintenance.TokenCleanupInterval)
	assert.Equal(t, time.Hour, cfg.Maintenance.OrphanCleanupInterval)
	assert.NotEmpty(t, cfg.Agent.Command)
	assert.Equal(t, configDir, cfg.ConfigDir())
}

func TestInitializeOverrides(t *testing.T) {
	configDir := t.TempDir()

	config := `
server:
  port: 9100
  allowed_origins:
    - "https://app.example.com"

stream:
  flush_interval: 50ms
  flush_max_events: 8
  replay_batch_size: 100

permissions:
  request_ttl: 2m

scheduler:
  tick_interval: 30s
  claim_limit: 10
  worker_count: 2

agent:
  command: "/usr/local/bin/agent"
  default_model_id: "test-model"
`
	err := os.WriteFile(filepath.Join(configDir, "relay.yaml"), []byte(config), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 50*time.Millisecond, cfg.Stream.FlushInterval)
	assert.Equal(t, 8, cfg.Stream.FlushMaxEvents)
	assert.Equal(t, 100, cfg.Stream.ReplayBatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Permissions.RequestTTL)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 10, cfg.Scheduler.ClaimLimit)
	assert.Equal(t, 2, cfg.Scheduler.WorkerCount)
	assert.Equal(t, "/usr/local/bin/agent", cfg.Agent.Command)
	assert.Equal(t, "test-model", cfg.Agent.DefaultModelID)

	// Untouched sections keep their defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.LiveWaitTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.ExecutionTimeout)
}

func TestInitializeInvalidYAML(t *testing.T) {
	configDir := t.TempDir()

	invalidYAML := `{{{`
	err := os.WriteFile(filepath.Join(configDir, "relay.yaml"), []byte(invalidYAML), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = Initialize(ctx, configDir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestInitializeValidationFailure(t *testing.T) {
	configDir := t.TempDir()

	config := `
server:
  port: 99999
`
	err := os.WriteFile(filepath.Join(configDir, "relay.yaml"), []byte(config), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = Initialize(ctx, configDir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
	assert.Contains(t, err.Error(), "port")
}

func TestInitializeInvalidDurationFallsBack(t *testing.T) {
	configDir := t.TempDir()

	config := `
stream:
  flush_interval: "not-a-duration"
`
	err := os.WriteFile(filepath.Join(configDir, "relay.yaml"), []byte(config), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, cfg.Stream.FlushInterval)
}

func TestEnvironmentVariableInterpolationInConfig(t *testing.T) {
	configDir := t.TempDir()

	config := `
agent:
  command: "${RELAY_TEST_AGENT_CMD}"

sandbox:
  base_url: "${RELAY_TEST_SANDBOX_URL}"
`
	err := os.WriteFile(filepath.Join(configDir, "relay.yaml"), []byte(config), 0644)
	require.NoError(t, err)

	t.Setenv("RELAY_TEST_AGENT_CMD", "/opt/agent/bin/run")
	t.Setenv("RELAY_TEST_SANDBOX_URL", "https://sandbox.example.com")

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	assert.Equal(t, "/opt/agent/bin/run", cfg.Agent.Command)
	assert.Equal(t, "https://sandbox.example.com", cfg.Sandbox.BaseURL)
}

func TestSandboxURLEnvOverridesYAML(t *testing.T) {
	configDir := t.TempDir()

	config := `
sandbox:
  base_url: "https://from-yaml.example.com"
`
	err := os.WriteFile(filepath.Join(configDir, "relay.yaml"), []byte(config), 0644)
	require.NoError(t, err)

	t.Setenv("SANDBOX_API_URL", "https://from-env.example.com")

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	assert.Equal(t, "https://from-env.example.com", cfg.Sandbox.BaseURL)
}
