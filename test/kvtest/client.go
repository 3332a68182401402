// Package kvtest provides Redis test helpers shared across packages.
package kvtest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/relay/pkg/kv"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	sharedURL     string
	containerOnce sync.Once
	containerErr  error
)

// NewTestClient creates a test Redis client.
// In CI (when CI_REDIS_URL is set): connects to an external Redis service container.
// In local dev: reuses one shared testcontainer per package run.
// Logical database indexes do not isolate pub/sub, so tests share the
// keyspace; uuid-based chat IDs keep them from colliding.
func NewTestClient(t *testing.T) *kv.Client {
	ctx := context.Background()

	url := getOrCreateSharedRedis(t)

	cfg := &kv.Config{
		URL:          url,
		PoolSize:     5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	client, err := kv.NewClient(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func getOrCreateSharedRedis(t *testing.T) string {
	if ciRedisURL := os.Getenv("CI_REDIS_URL"); ciRedisURL != "" {
		t.Log("Using external Redis from CI_REDIS_URL")
		return ciRedisURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Redis testcontainer for all tests")

		redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			containerErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}

		url, err := redisContainer.ConnectionString(ctx)
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			_ = testcontainers.TerminateContainer(redisContainer)
			return
		}

		sharedURL = url
		t.Logf("Shared Redis container ready: %s", sharedURL)
	})

	require.NoError(t, containerErr, "Failed to setup shared redis test container")
	return sharedURL
}
