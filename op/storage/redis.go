package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server, for deployments where
// interaction and token state must survive a provider restart or be shared
// across instances.  Record TTLs map directly onto Redis key expiry, so
// SweepExpired is a no-op.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// takeScript atomically reads and deletes a key, the Redis analogue of
// Memory.Take.
var takeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
	redis.call('DEL', KEYS[1])
end
return v
`)

// NewRedis creates a Store on the given Redis client.  The prefix
// namespaces all keys written by this store.
func NewRedis(client *redis.Client, prefix string) (*Redis, error) {
	const op = "storage.NewRedis"
	if client == nil {
		return nil, fmt.Errorf("%s: redis client is nil", op)
	}
	if prefix == "" {
		prefix = "op"
	}
	return &Redis{client: client, keyPrefix: prefix}, nil
}

func (r *Redis) key(kind, id string) string {
	return r.keyPrefix + ":" + kind + ":" + id
}

// Put implements Store.
func (r *Redis) Put(ctx context.Context, kind, id string, value []byte, ttl time.Duration) error {
	const op = "Redis.Put"
	if err := r.client.Set(ctx, r.key(kind, id), value, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, kind, id string) ([]byte, error) {
	const op = "Redis.Get"
	v, err := r.client.Get(ctx, r.key(kind, id)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

// Take implements Store using a GET+DEL script so concurrent callers
// contend on the Redis side and exactly one wins.
func (r *Redis) Take(ctx context.Context, kind, id string) ([]byte, error) {
	const op = "Redis.Take"
	v, err := takeScript.Run(ctx, r.client, []string{r.key(kind, id)}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s, ok := v.(string)
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(s), nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, kind, id string) error {
	const op = "Redis.Delete"
	if err := r.client.Del(ctx, r.key(kind, id)).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SweepExpired implements Store.  Redis expires keys natively.
func (r *Redis) SweepExpired(context.Context) (int, error) {
	return 0, nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
