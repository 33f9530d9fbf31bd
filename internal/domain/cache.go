package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require taxpayerID for strict isolation between taxpayers.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, taxpayerID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, taxpayerID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, taxpayerID string, key string) error

	// GetRuleSet retrieves a cached active rule set.
	GetRuleSet(ctx context.Context, taxpayerID string) ([]*Rule, error)

	// SetRuleSet caches the active rule set for a taxpayer.
	SetRuleSet(ctx context.Context, taxpayerID string, rules []*Rule, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns the new
	// value. Used to count runs per taxpayer in a time window.
	IncrementCounter(ctx context.Context, taxpayerID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
