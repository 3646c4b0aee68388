package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache holds the short-lived state that sits beside the job store: webhook
// dedup markers, each user's last submission, and rate-limit counters.
// Implementations must be safe for concurrent use.
type Cache interface {
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	// MarkSeen records key and reports whether this call was the first to do so.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	SetLastJob(ctx context.Context, userID string, jobID uuid.UUID, ttl time.Duration) error
	GetLastJob(ctx context.Context, userID string) (uuid.UUID, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// MarkSeen sets key only if it is absent. The value is never read back.
func (c *RedisCache) MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, 1, ttl).Result()
}

func (c *RedisCache) SetLastJob(ctx context.Context, userID string, jobID uuid.UUID, ttl time.Duration) error {
	return c.client.Set(ctx, LastJobKey(userID), jobID.String(), ttl).Err()
}

func (c *RedisCache) GetLastJob(ctx context.Context, userID string) (uuid.UUID, bool, error) {
	val, err := c.client.Get(ctx, LastJobKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(val)
	if err != nil {
		// Unparseable entries behave as a miss.
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var _ Cache = (*RedisCache)(nil)
