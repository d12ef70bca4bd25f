package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps connectivity failures from the Redis backend.
var ErrRedisUnavailable = errors.New("redis unavailable")

// RedisBackend stores each session as one Redis hash. Multi-field writes and deletes
// run inside MULTI/EXEC so readers never see a partial update.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisBackend constructs the backend. Keys are "<prefix>:<sid>".
func NewRedisBackend(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "sso"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (b *RedisBackend) key(sid string) string {
	return b.prefix + ":" + sid
}

func wrapRedis(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRedisUnavailable, err)
}

// Get returns a single hash field.
func (b *RedisBackend) Get(ctx context.Context, sid, key string) (string, bool, error) {
	v, err := b.rdb.HGet(ctx, b.key(sid), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapRedis("hget", err)
	}
	return v, true, nil
}

// GetAll reads every key with a single HMGET.
func (b *RedisBackend) GetAll(ctx context.Context, sid string, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := b.rdb.HMGet(ctx, b.key(sid), keys...).Result()
	if err != nil {
		return nil, wrapRedis("hmget", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

// SetAll writes all fields and refreshes the TTL in one transaction.
func (b *RedisBackend) SetAll(ctx context.Context, sid string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	key := b.key(sid)
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if b.ttl > 0 {
			pipe.Expire(ctx, key, b.ttl)
		}
		return nil
	})
	if err != nil {
		return wrapRedis("hset", err)
	}
	return nil
}

// Has reports whether the hash field exists.
func (b *RedisBackend) Has(ctx context.Context, sid, key string) (bool, error) {
	ok, err := b.rdb.HExists(ctx, b.key(sid), key).Result()
	if err != nil {
		return false, wrapRedis("hexists", err)
	}
	return ok, nil
}

// ClearAll deletes every listed field with a single HDEL.
func (b *RedisBackend) ClearAll(ctx context.Context, sid string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.rdb.HDel(ctx, b.key(sid), keys...).Err(); err != nil {
		return wrapRedis("hdel", err)
	}
	return nil
}

// Consume reads and deletes a field inside MULTI/EXEC.
func (b *RedisBackend) Consume(ctx context.Context, sid, key string) (string, bool, error) {
	hkey := b.key(sid)
	var get *redis.StringCmd
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGet(ctx, hkey, key)
		pipe.HDel(ctx, hkey, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, wrapRedis("consume", err)
	}
	v, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapRedis("consume", err)
	}
	return v, true, nil
}

// Destroy deletes the session hash.
func (b *RedisBackend) Destroy(ctx context.Context, sid string) error {
	if err := b.rdb.Del(ctx, b.key(sid)).Err(); err != nil {
		return wrapRedis("del", err)
	}
	return nil
}
