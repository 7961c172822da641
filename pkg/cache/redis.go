package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBlobStore keeps values in Redis strings, so several machines can
// share one cache.
type RedisBlobStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisConfig configures a RedisBlobStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key.
	Prefix string
	// Timeout bounds each call. Defaults to 2s.
	Timeout time.Duration
}

// NewRedisBlobStore connects to Redis and verifies the connection.
func NewRedisBlobStore(ctx context.Context, cfg RedisConfig) (*RedisBlobStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	store := NewRedisBlobStoreFromClient(client, cfg.Prefix, cfg.Timeout)
	pingCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return store, nil
}

// NewRedisBlobStoreFromClient wraps an existing client.
func NewRedisBlobStoreFromClient(client *redis.Client, prefix string, timeout time.Duration) *RedisBlobStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisBlobStore{client: client, prefix: prefix, timeout: timeout}
}

func (r *RedisBlobStore) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

func (r *RedisBlobStore) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisBlobStore) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *RedisBlobStore) Close() error {
	return r.client.Close()
}
