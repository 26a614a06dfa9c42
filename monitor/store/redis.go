package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/scnms/monitor/observability"
	"github.com/redis/go-redis/v9"
)

// Lua: extend TTL only when the caller still owns the key.
// Returns 1 on success, -1 when the key is gone, -2 on owner mismatch.
const renewScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	end
	return -2
`

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`

// RedisCoordinator implements Coordinator on a single Redis instance.
type RedisCoordinator struct {
	client *redis.Client
}

// NewRedisClient connects and verifies a Redis client.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func NewRedisCoordinator(client *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{client: client}
}

func observeRedis(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// AcquireLease uses SET key value NX PX ttl.
func (c *RedisCoordinator) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCoordinator) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	res, err := c.client.Eval(ctx, renewScript, []string{key}, value, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	code, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from lua script")
	}
	return code == 1, nil
}

func (c *RedisCoordinator) ReleaseLease(ctx context.Context, key string, value string) error {
	defer observeRedis(time.Now())
	return c.client.Eval(ctx, releaseScript, []string{key}, value).Err()
}

func (c *RedisCoordinator) LeaseHolder(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// IncrementEpoch uses a separate key suffixed with ":epoch".
func (c *RedisCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	defer observeRedis(time.Now())
	return c.client.Incr(ctx, key+":epoch").Result()
}
