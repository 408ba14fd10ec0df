// Package leasecache wraps a Redis connection as a fast advisory lock in
// front of the durable Mongo compare-and-set lease, built around a single
// SET-NX/DEL lock primitive. New validates its required Options fields and
// returns an error rather than panicking on misconfiguration.
//
// A process should treat this cache as an optimization, not a source of
// truth: a miss (or the cache being unreachable) always falls through to
// the database's own lockJob/unlockJob CAS, which remains authoritative.
package leasecache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the Cache.
type Options struct {
	// Redis is the connection backing the advisory lock. Required.
	Redis *redis.Client
	// KeyPrefix namespaces lock keys, useful when multiple engine
	// deployments share one Redis instance.
	KeyPrefix string
}

// Cache is a Redis-backed advisory lock used to short-circuit repeated
// lock attempts against jobs another process already holds, without
// hitting the database.
type Cache struct {
	redis  *redis.Client
	prefix string
}

// New constructs a Cache. Returns an error if opts.Redis is nil.
func New(opts Options) (*Cache, error) {
	if opts.Redis == nil {
		return nil, errors.New("leasecache: redis client is required")
	}
	return &Cache{redis: opts.Redis, prefix: opts.KeyPrefix}, nil
}

// TryAcquire sets an advisory lock for jobID if none is currently held,
// returning true when the caller obtained it. It never blocks.
func (c *Cache) TryAcquire(ctx context.Context, jobID, token string, ttl time.Duration) (bool, error) {
	ok, err := c.redis.SetNX(ctx, c.key(jobID), token, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release clears the advisory lock for jobID only if it is still held with
// the given token, so a caller never releases a lease it does not own.
func (c *Cache) Release(ctx context.Context, jobID, token string) error {
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`
	return c.redis.Eval(ctx, script, []string{c.key(jobID)}, token).Err()
}

// Holder returns the token currently recorded against jobID, or "" if no
// advisory lock is held (including on a cache miss from expiry).
func (c *Cache) Holder(ctx context.Context, jobID string) (string, error) {
	v, err := c.redis.Get(ctx, c.key(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (c *Cache) key(jobID string) string {
	if c.prefix == "" {
		return "engine:lease:" + jobID
	}
	return c.prefix + ":lease:" + jobID
}
