package capability

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/wippyai/wasm-host/errors"
)

// RedisStore is a key-value backend on a redis database. Keys are
// namespaced with a prefix so multiple stores can share one database.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects a store to the redis database at url
// (redis://host:port/db). The store name becomes the key prefix.
func NewRedisStore(url, name string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "invalid redis URL")
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: name + ":"}, nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client, name string) *RedisStore {
	return &RedisStore{client: client, prefix: name + ":"}
}

// Ping verifies connectivity. The supervisor calls it once during
// initialization so broken backends fail before Running.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.CapabilityFailed(err, "redis ping")
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	switch {
	case err == redis.Nil:
		return nil, errors.NotFound(errors.PhaseCapability, "key %q", key)
	case err != nil:
		return nil, errors.CapabilityFailed(err, "redis get %q", key)
	}
	return v, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return errors.CapabilityFailed(err, "redis set %q", key)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return errors.CapabilityFailed(err, "redis del %q", key)
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.CapabilityFailed(err, "redis scan")
	}
	return keys, nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
