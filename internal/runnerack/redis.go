package runnerack

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisKV backs the protocol with Redis. SET NX/XX map directly to the
// corresponding Redis options, so claims are atomic across processes.
type RedisKV struct {
	client *redis.Client
}

// refreshScript extends a key's TTL only while it still holds the
// expected value. Scripted so the compare and the refresh execute as
// one step on the server.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// NewRedisKV creates a KV over a Redis connection.
func NewRedisKV(addr, password string, db int) *RedisKV {
	return &RedisKV{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// SetNX writes the key only when absent.
func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// CompareAndRefresh extends the key's TTL when it still holds the
// given value.
func (r *RedisKV) CompareAndRefresh(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := refreshScript.Run(ctx, r.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Get returns the key's value; the second return is false when absent.
func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Del removes the key.
func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Ping verifies connectivity, used by health checks.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
