package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lgulliver/masterbase/pkg/config"
	"github.com/redis/go-redis/v9"
)

const (
	cacheNamespace   = "masterbase:"
	cacheDialTimeout = 5 * time.Second
	cacheOpTimeout   = 500 * time.Millisecond
)

// ErrCacheMiss is returned by Get when the key is absent
var ErrCacheMiss = errors.New("cache miss")

// Cache is a JSON value cache in Redis. Every key is namespaced so the relay
// can share a Redis database with other services.
type Cache struct {
	client *redis.Client
}

// NewCache connects to the configured Redis and checks the connection
func NewCache(cfg *config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cacheDialTimeout,
		ReadTimeout:  cacheOpTimeout,
		WriteTimeout: cacheOpTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cacheDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr(), err)
	}

	return &Cache{client: client}, nil
}

// Set stores value as JSON under key for expiration
func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := c.client.Set(ctx, cacheNamespace+key, data, expiration).Err(); err != nil {
		return fmt.Errorf("failed to cache %s: %w", key, err)
	}
	return nil
}

// Get decodes the value stored under key into dest
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, cacheNamespace+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrCacheMiss, key)
		}
		return fmt.Errorf("failed to read %s from cache: %w", key, err)
	}
	return json.Unmarshal(data, dest)
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}
