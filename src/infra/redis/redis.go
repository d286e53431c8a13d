package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements the store cache contract on a Redis cluster. Per-key
// TTLs come from the caller; the client itself carries no default expiry.
type RedisCache struct {
	client *redis.ClusterClient
}

func NewRedisCache(addrs string, poolSize int) *RedisCache {
	client := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs: strings.Split(addrs, ","),

		// Pool settings for high concurrency
		PoolSize:     poolSize,
		MinIdleConns: 10,

		// Cluster specific
		MaxRedirects: 3,

		// Timeouts tuned for cache traffic
		DialTimeout:  5 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,

		// Retry and backoff
		MaxRetries:      3,
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})

	return &RedisCache{client: client}
}

func (rc *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	result := rc.client.Get(ctx, key)

	// Cache miss
	if result.Err() == redis.Nil {
		return "", false, nil
	}
	if result.Err() != nil {
		return "", false, result.Err()
	}

	return result.Val(), true, nil
}

func (rc *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return rc.client.Set(ctx, key, value, ttl).Err()
}

// GetMulti fetches keys one command per key through a pipeline. MGET would be
// simpler but breaks on a cluster when keys hash to different slots.
func (rc *RedisCache) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	pipe := rc.client.Pipeline()

	cmds := make(map[string]*redis.StringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.Get(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	result := make(map[string]string, len(keys))
	for key, cmd := range cmds {
		if cmd.Err() == redis.Nil {
			continue
		}
		if cmd.Err() != nil {
			return nil, cmd.Err()
		}
		result[key] = cmd.Val()
	}
	return result, nil
}

func (rc *RedisCache) SetMulti(ctx context.Context, values map[string]string, ttl time.Duration) error {
	pipe := rc.client.Pipeline()

	for key, value := range values {
		pipe.Set(ctx, key, value, ttl)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Add stores the value only if the key is absent. Returns whether the write
// won.
func (rc *RedisCache) Add(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return rc.client.SetNX(ctx, key, value, ttl).Result()
}

func (rc *RedisCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return rc.client.IncrBy(ctx, key, delta).Result()
}

// Deletion in a cluster goes key by key; a multi-key DEL fails across slots.
func (rc *RedisCache) Delete(ctx context.Context, keys ...string) error {
	var errors []string

	for _, key := range keys {
		if err := rc.client.Del(ctx, key).Err(); err != nil {
			errors = append(errors, fmt.Sprintf("key %s: %v", key, err))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("delete errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// Health check for the cluster
func (rc *RedisCache) HealthCheck(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}
