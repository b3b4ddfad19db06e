package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps the dedup window in a Redis sorted set scored by a
// monotonically increasing sequence, trimmed to capacity after every write.
type RedisCache struct {
	client   *redis.Client
	key      string
	capacity int64
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL, key string, capacity int) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, key, capacity), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client
func NewRedisCacheWithClient(client *redis.Client, key string, capacity int) *RedisCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if key == "" {
		key = "relay:dedup"
	}
	return &RedisCache{
		client:   client,
		key:      key,
		capacity: int64(capacity),
	}
}

func (c *RedisCache) seqKey() string {
	return c.key + ":seq"
}

func (c *RedisCache) Seen(ctx context.Context, id string) (bool, error) {
	err := c.client.ZScore(ctx, c.key, id).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup mutation id: %w", err)
	}
	return true, nil
}

func (c *RedisCache) Record(ctx context.Context, id string) error {
	seq, err := c.client.Incr(ctx, c.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("next dedup sequence: %w", err)
	}

	// Keep only the newest capacity members; ranks are ascending by score.
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, c.key, redis.Z{Score: float64(seq), Member: id})
		pipe.ZRemRangeByRank(ctx, c.key, 0, -(c.capacity + 1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("record mutation id: %w", err)
	}
	return nil
}

func (c *RedisCache) Len(ctx context.Context) (int64, error) {
	n, err := c.client.ZCard(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count mutation ids: %w", err)
	}
	return n, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
