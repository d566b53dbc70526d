package offline0

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 5 * time.Second

// RedisBackend shares one cache between several offline0 processes. Keys are
// stored as "<namespace>:<key>". Size is not tracked; use redis maxmemory.
//
// Every process sharing a namespace must run the same cache.version: any
// process purges the other generations it finds, including those another
// process is still serving. Roll a version bump out under a new namespace.
type RedisBackend struct {
	client    *redis.Client
	namespace string
}

func NewRedisBackend(url, namespace string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBackend{client: client, namespace: namespace}, nil
}

func (r *RedisBackend) key(k string) string { return r.namespace + ":" + k }

func (r *RedisBackend) Get(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisBackend) Put(key string, val []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Set(ctx, r.key(key), val, 0).Err()
}

func (r *RedisBackend) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisBackend) Iterate(prefix string, fn func(key string, val []byte) bool) error {
	ctx := context.Background()
	match := r.key(prefix) + "*"
	iter := r.client.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		b, ok, err := r.Get(strings.TrimPrefix(full, r.namespace+":"))
		if err != nil {
			return err
		}
		if !ok {
			// deleted between SCAN and GET
			continue
		}
		if !fn(strings.TrimPrefix(full, r.namespace+":"), b) {
			return nil
		}
	}
	return iter.Err()
}

func (r *RedisBackend) Size() int64 { return 0 }

func (r *RedisBackend) Close() error { return r.client.Close() }
