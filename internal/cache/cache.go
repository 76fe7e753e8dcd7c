// Package cache provides the key-value cache used to memoize expensive
// derivations such as introspected source schemas.
package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// KeyValueCache stores opaque byte values. A missing key is reported with
// ok=false and a nil error.
type KeyValueCache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

var group singleflight.Group

// GetWithSet returns the cached value for key, computing and storing it on a
// miss. Concurrent misses for the same key within the process share one
// computation. A failing Set is not reported; the computed value is still
// returned.
func GetWithSet(ctx context.Context, c KeyValueCache, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok, err := c.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	v, err, _ := group.Do(flightKey(c, key), func() (any, error) {
		if v, ok, err := c.Get(ctx, key); err == nil && ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		_ = c.Set(ctx, key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// flightKey scopes singleflight keys to one cache instance.
func flightKey(c KeyValueCache, key string) string {
	if n, ok := c.(interface{ name() string }); ok {
		return n.name() + "\x00" + key
	}
	return key
}
