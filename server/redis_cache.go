package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache implements the Cache interface using Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(ctx context.Context, address string, ttlSeconds int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		Password:    "", // no password
		DB:          0,  // use default DB
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})

	// Test connection with the provided context
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisCache{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}, nil
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// GetRecord gets an image record from the cache
func (c *RedisCache) GetRecord(ctx context.Context, imageID string) (*ImageRecord, error) {
	data, err := c.client.Get(ctx, recordCacheKey(imageID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var record ImageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}

	return &record, nil
}

// SetRecord stores an image record in the cache with the configured TTL
func (c *RedisCache) SetRecord(ctx context.Context, record *ImageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, recordCacheKey(record.ImageID), data, c.ttl).Err()
}

// DeleteRecord removes an image record from the cache
func (c *RedisCache) DeleteRecord(ctx context.Context, imageID string) error {
	return c.client.Del(ctx, recordCacheKey(imageID)).Err()
}

// recordCacheKey builds the cache key for an image record
func recordCacheKey(imageID string) string {
	return fmt.Sprintf("image:%s", imageID)
}
