package repository

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "omni:kv:"

// RedisIDStore keeps the session id slot in Redis.
type RedisIDStore struct {
	rdb *redis.Client
}

// NewRedisIDStore wraps an existing client.
func NewRedisIDStore(rdb *redis.Client) *RedisIDStore {
	return &RedisIDStore{rdb: rdb}
}

// LoadSessionID returns the id stored under key, or "" when none is stored.
func (r *RedisIDStore) LoadSessionID(ctx context.Context, key string) (string, error) {
	value, err := r.rdb.Get(ctx, redisKeyPrefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to load key %q", key)
	}
	return value, nil
}

// SaveSessionID stores id under key without expiry.
func (r *RedisIDStore) SaveSessionID(ctx context.Context, key, id string) error {
	return errors.Wrapf(r.rdb.Set(ctx, redisKeyPrefix+key, id, 0).Err(), "failed to save key %q", key)
}

// Ping checks the Redis connection.
func (r *RedisIDStore) Ping(ctx context.Context) error {
	return errors.Wrap(r.rdb.Ping(ctx).Err(), "redis ping failed")
}

// Close closes the client.
func (r *RedisIDStore) Close() error {
	return r.rdb.Close()
}
