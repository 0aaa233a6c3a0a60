// Package storage wraps the broker's Redis client construction. The
// client is not a package-level global: internal/queue, internal/sequence,
// and internal/fanout each take a *redis.Client explicitly, so tests can
// hand them a miniredis-backed client without touching process-wide state.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the connection knobs for a Redis client, plus a pool-size
// default.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewClient builds a *redis.Client and verifies connectivity with PING as
// a fail-fast startup check.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 100
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}
