package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of Redis operations the backend needs.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
}

// RedisBackend implements Backend by storing the snapshot under a single key.
type RedisBackend struct {
	client RedisClient
	key    string
}

// NewRedisBackend creates a Redis-backed snapshot backend.
func NewRedisBackend(client RedisClient, key string) *RedisBackend {
	if key == "" {
		key = "pipassist:conversations"
	}
	return &RedisBackend{client: client, key: key}
}

// Read returns the snapshot stored under the backend key.
func (b *RedisBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("redis get %s: %w", b.key, err)
	}
	return []byte(data), nil
}

// Write replaces the snapshot stored under the backend key.
func (b *RedisBackend) Write(ctx context.Context, data []byte) error {
	if err := b.client.Set(ctx, b.key, string(data)); err != nil {
		return fmt.Errorf("redis set %s: %w", b.key, err)
	}
	return nil
}

// GoRedisClient adapts a go-redis client to RedisClient.
type GoRedisClient struct {
	rdb redis.UniversalClient
}

// NewGoRedisClient connects to the Redis server at addr.
func NewGoRedisClient(addr string) *GoRedisClient {
	return &GoRedisClient{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// Get returns the value at key; a missing key maps to ErrNoSnapshot.
func (c *GoRedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoSnapshot
	}
	return val, err
}

// Set stores value at key without expiry; retention is handled by the sweep.
func (c *GoRedisClient) Set(ctx context.Context, key string, value string) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

// Close closes the underlying connection pool.
func (c *GoRedisClient) Close() error {
	return c.rdb.Close()
}
