package idempotency

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "otto:event:"

type redisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisStore constructs a Redis backed idempotency store and verifies
// connectivity before returning.
func NewRedisStore(addr, password string, db int) (Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisStore{client: client, timeout: 500 * time.Millisecond}, nil
}

func (s *redisStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.SetNX(opCtx, keyPrefix+key, 1, ttl).Result()
}

func (s *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	prefixed := make([]string, 0, len(keys))
	for _, key := range keys {
		prefixed = append(prefixed, keyPrefix+key)
	}
	return s.client.Del(opCtx, prefixed...).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
