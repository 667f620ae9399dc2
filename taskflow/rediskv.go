package taskflow

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisKV is a KV backed by Redis. Keys are namespaced by prefix so several
// accounts can share one server.
type RedisKV struct {
	rdb    redis.UniversalClient
	prefix string
}

type RedisKVOptions struct {
	Prefix string
}

func NewRedisKV(rdb redis.UniversalClient, opts RedisKVOptions) *RedisKV {
	p := opts.Prefix
	if p == "" {
		p = "taskflow:"
	}
	return &RedisKV{rdb: rdb, prefix: p}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return b, err
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.rdb.Del(ctx, full...).Err()
}

func (r *RedisKV) Close() error {
	return r.rdb.Close()
}
