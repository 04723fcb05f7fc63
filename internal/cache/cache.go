// Package cache provides a small byte cache for usage report payloads.
// Supports an in-memory backend and Redis for multi-instance deployments.
// Never used in the deduction path: balances always come from storage.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache stores serialized report payloads under string keys.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves a cached value. Returns nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a time-to-live.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close releases any resources held by the cache.
	Close() error
}

// Backend constants for cache selection.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config selects and configures the cache backend.
type Config struct {
	// Backend is "memory" or "redis".
	Backend string

	Redis RedisConfig
}

// New creates a cache from config.
func New(cfg Config) (Cache, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryCache(), nil
	case BackendRedis:
		return NewRedisCache(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s (valid: memory, redis)", cfg.Backend)
	}
}
