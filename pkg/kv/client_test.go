package kv

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// newTestClient creates a test Redis client with CI/local environment detection.
// In CI (when CI_REDIS_URL is set): connects to an external Redis service container.
// In local dev: spins up a testcontainer with Redis.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	url := os.Getenv("CI_REDIS_URL")

	if url == "" {
		t.Log("Using testcontainers for Redis")
		redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(redisContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		url, err = redisContainer.ConnectionString(ctx)
		require.NoError(t, err)
	} else {
		t.Log("Using external Redis from CI_REDIS_URL")
	}

	cfg := &Config{
		URL:          url,
		PoolSize:     5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestClient_ConnectAndHealth(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Health(ctx))

	// Round-trip through the underlying client
	key := "relay:test:" + t.Name()
	require.NoError(t, client.Redis().Set(ctx, key, "value", time.Minute).Err())

	got, err := client.Redis().Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	require.NoError(t, client.Redis().Del(ctx, key).Err())
	_, err = client.Redis().Get(ctx, key).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		os.Unsetenv("REDIS_URL")
		os.Unsetenv("REDIS_POOL_SIZE")

		cfg, err := LoadConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "redis://localhost:6379/0", cfg.URL)
		assert.Equal(t, 10, cfg.PoolSize)
	})

	t.Run("custom values", func(t *testing.T) {
		t.Setenv("REDIS_URL", "redis://cache.internal:6380/2")
		t.Setenv("REDIS_POOL_SIZE", "32")

		cfg, err := LoadConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "redis://cache.internal:6380/2", cfg.URL)
		assert.Equal(t, 32, cfg.PoolSize)
	})

	t.Run("invalid pool size", func(t *testing.T) {
		t.Setenv("REDIS_POOL_SIZE", "not-a-number")

		_, err := LoadConfigFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "REDIS_POOL_SIZE")
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg:  Config{URL: "redis://localhost:6379/0", PoolSize: 10},
		},
		{
			name:    "missing URL",
			cfg:     Config{PoolSize: 10},
			wantErr: "REDIS_URL is required",
		},
		{
			name:    "zero pool size",
			cfg:     Config{URL: "redis://localhost:6379/0"},
			wantErr: "pool size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
