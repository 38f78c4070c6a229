// ==============================================================================
// REDIS INTEGRATION - pkg/cache/redis.go
// ==============================================================================
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(url, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, expiration).Err()
}

// Get decodes the JSON value at key into dest. A missing key returns
// redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(data), dest)
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// ==============================================================================
// LEASES
// ==============================================================================

// releaseScript deletes the lease only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// AcquireLease takes key for owner if nobody holds it. The lease expires after
// ttl so a crashed holder cannot block other instances forever.
func (c *RedisCache) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, owner, ttl).Result()
}

// ReleaseLease gives up key if owner still holds it.
func (c *RedisCache) ReleaseLease(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, c.client, []string{key}, owner).Err()
}

// LeaseHolder returns the current holder of key, or "" when free.
func (c *RedisCache) LeaseHolder(ctx context.Context, key string) (string, error) {
	owner, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}
