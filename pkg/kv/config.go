// Package kv provides the Redis-backed key/value store and pub/sub bus
// used for stream bookkeeping, follow-up queues, and live delivery.
package kv

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config contains Redis connection configuration
type Config struct {
	// URL is a redis:// connection URL (host, port, credentials, db).
	URL string

	// PoolSize is the connection pool size.
	PoolSize int

	// DialTimeout bounds new connection establishment.
	DialTimeout time.Duration

	// ReadTimeout bounds socket reads. Pub/sub receives are exempt.
	ReadTimeout time.Duration

	// WriteTimeout bounds socket writes.
	WriteTimeout time.Duration
}

// Validate checks the configuration for correctness
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.PoolSize)
	}
	return nil
}

// LoadConfigFromEnv creates Config from environment variables
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		URL:          getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	if poolStr := os.Getenv("REDIS_POOL_SIZE"); poolStr != "" {
		pool, err := strconv.Atoi(poolStr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = pool
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
