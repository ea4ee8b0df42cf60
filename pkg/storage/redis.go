package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// leaseTTL bounds the mutual-exclusion lease RedisStore acquires
// around every operation, per spec.
const leaseTTL = 5 * time.Second

const keyPrefix = "broker:record:"
const leasePrefix = "broker:lease:"

// RedisStore is the "distributed key-value store" persistence engine:
// keyed lookups and prefix scans over Redis, with a short-TTL named
// lease acquired around every operation to provide mutual exclusion
// across broker instances sharing the same Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) withLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	leaseKey := leasePrefix + key
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, leaseKey, token, leaseTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", leaseKey, err)
	}
	if !ok {
		return fmt.Errorf("lease %s held by another broker instance", leaseKey)
	}
	defer s.client.Del(context.Background(), leaseKey)

	return fn(ctx)
}

// Put upserts value under key.
func (s *RedisStore) Put(key string, value []byte) error {
	ctx := context.Background()
	return s.withLease(ctx, key, func(ctx context.Context) error {
		return s.client.Set(ctx, keyPrefix+key, value, 0).Err()
	})
}

// Get returns the value at key, or ErrNotFound.
func (s *RedisStore) Get(key string) ([]byte, error) {
	ctx := context.Background()
	var out []byte
	err := s.withLease(ctx, key, func(ctx context.Context) error {
		v, err := s.client.Get(ctx, keyPrefix+key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *RedisStore) Delete(key string) error {
	ctx := context.Background()
	return s.withLease(ctx, key, func(ctx context.Context) error {
		return s.client.Del(ctx, keyPrefix+key).Err()
	})
}

// DeleteAll removes every key with the given prefix.
func (s *RedisStore) DeleteAll(prefix string) error {
	ctx := context.Background()
	return s.withLease(ctx, prefix, func(ctx context.Context) error {
		keys, err := s.scanKeys(ctx, prefix)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		return s.client.Del(ctx, keys...).Err()
	})
}

// GetAll returns every key/value pair with the given prefix.
func (s *RedisStore) GetAll(prefix string) (map[string][]byte, error) {
	ctx := context.Background()
	var out map[string][]byte
	err := s.withLease(ctx, prefix, func(ctx context.Context) error {
		keys, err := s.scanKeys(ctx, prefix)
		if err != nil {
			return err
		}

		out = make(map[string][]byte, len(keys))
		for _, k := range keys {
			v, err := s.client.Get(ctx, k).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return err
			}
			out[k[len(keyPrefix):]] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	match := keyPrefix + prefix + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
