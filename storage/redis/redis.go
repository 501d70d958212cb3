// Package redis provides a Redis implementation of the recon.Locker interface.
// Leases are plain keys set with NX and a TTL. Release uses a Lua script so a
// worker can only delete a lease it still owns.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

// Locker implements recon.Locker using Redis
type Locker struct {
	client  redis.UniversalClient
	config  Config
	release *redis.Script
}

// Config holds Redis locker configuration
type Config struct {
	// KeyPrefix is prepended to all lease keys (default: "gorecon:lease:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gorecon:lease:",
	}
}

// New creates a new Redis locker
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}

	return &Locker{
		client: client,
		config: config,
		release: redis.NewScript(`
			if redis.call('GET', KEYS[1]) == ARGV[1] then
				return redis.call('DEL', KEYS[1])
			end
			return 0
		`),
	}, nil
}

func (l *Locker) key(name string) string {
	return l.config.KeyPrefix + name
}

// TryLock implements recon.Locker
func (l *Locker) TryLock(
	ctx context.Context, key string, ttl time.Duration,
) (func(context.Context) error, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, recon.ErrLeaseHeld
	}

	unlock := func(ctx context.Context) error {
		if err := l.release.Run(ctx, l.client, []string{l.key(key)}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lease %s: %w", key, err)
		}
		return nil
	}
	return unlock, nil
}

// Holder returns the token of the current lease owner, or "" when the lease is free.
func (l *Locker) Holder(ctx context.Context, key string) (string, error) {
	token, err := l.client.Get(ctx, l.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease %s: %w", key, err)
	}
	return token, nil
}

// Ping checks the Redis connection
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
