package kv

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the Redis backend configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Namespace prefixes every key so several deployments can share a
	// database. Defaults to "tideline:".
	Namespace string
}

// Redis stores values as plain keys plus a lex-ordered index set, so List
// returns ascending keys without a full-database SCAN.
type Redis struct {
	client *redis.Client
	ns     string
}

// NewRedis connects the Redis backend and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis store: missing address")
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "tideline:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}
	return &Redis{client: client, ns: ns}, nil
}

func (r *Redis) indexKey() string { return r.ns + "__keys__" }

// Put implements Store. The value SET and the index ZADD run in one
// pipeline so the index never lags the data.
func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.ns+key, value, 0)
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: 0, Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "error executing Redis pipeline")
	}
	return nil
}

// List implements Store. With all index members at score zero, ZRANGEBYLEX
// yields keys in ascending lexical order.
func (r *Redis) List(ctx context.Context, prefix string) ([]Entry, error) {
	keys, err := r.client.ZRangeByLex(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error listing Redis keys")
	}
	if len(keys) == 0 {
		return nil, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.ns + k
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error fetching Redis values")
	}

	entries := make([]Entry, 0, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Value expired or deleted out-of-band; skip it.
			continue
		}
		entries = append(entries, Entry{Key: keys[i], Value: []byte(s)})
	}
	return entries, nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, prefix string) error {
	keys, err := r.client.ZRangeByLex(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return errors.Wrap(err, "error listing Redis keys")
	}
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.ns + k
	}
	pipe := r.client.Pipeline()
	pipe.Del(ctx, full...)
	pipe.ZRemRangeByLex(ctx, r.indexKey(), "["+prefix, "["+prefix+"\xff")
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "error executing Redis pipeline")
	}
	return nil
}

// Close implements Store.
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
