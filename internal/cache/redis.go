package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisRegion.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys of the region.
	Prefix string
	TTL    time.Duration
}

// RedisRegion stores entries in Redis so several processes share them.
type RedisRegion struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisRegion connects a region to the server in cfg.
func NewRedisRegion(cfg RedisConfig) *RedisRegion {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisRegionWithClient(client, cfg.Prefix, cfg.TTL)
}

// NewRedisRegionWithClient wraps an existing client.
func NewRedisRegionWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisRegion {
	if prefix == "" {
		prefix = "joinfetch"
	}
	return &RedisRegion{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegion) key(key string) string {
	return r.prefix + ":" + key
}

func (r *RedisRegion) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisRegion) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}
	return nil
}

func (r *RedisRegion) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (r *RedisRegion) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisRegion) Close() error {
	return r.client.Close()
}
