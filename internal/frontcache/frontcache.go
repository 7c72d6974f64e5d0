// Package frontcache layers a per-process TTL cache over a shared external
// key/value store.
//
// Hits are served locally. A miss takes a per-key lock, double-checks the
// local layer and performs at most one external round trip for all callers
// concurrently missing on the same key; the fetched value is kept locally
// for its remaining external lifetime, adjusted for the time the round trip
// itself took.
package frontcache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dcbickfo/regencache/internal/logger"
	"github.com/dcbickfo/regencache/internal/namedlock"
)

// keyPrefix namespaces every external key written by this package.
const keyPrefix = "MemoryFrontedExternalCache:"

// ExternalCache is the slice of the external store this package consumes.
type ExternalCache interface {
	// StringSet upserts key with the given time to live.
	StringSet(ctx context.Context, key, value string, ttl time.Duration) error

	// StringGetWithExpiry returns the value and its remaining time to live,
	// both-or-neither-absent.
	StringGetWithExpiry(ctx context.Context, key string) (value string, remaining time.Duration, ok bool, err error)

	// GetStringStart returns the first length bytes of the stored value, or
	// the entire value if shorter; ok is false if the key is absent.
	GetStringStart(ctx context.Context, key string, length int) (value string, ok bool, err error)
}

// Cache is a memory-fronted view of one keyspace of the external store.
type Cache struct {
	keyspace string
	ext      ExternalCache
	log      logger.Logger

	local    *ttlcache.Cache[string, string]
	locks    *namedlock.Table
	stopOnce sync.Once
}

// New creates a cache for keyspace backed by ext.
func New(keyspace string, ext ExternalCache, log logger.Logger) *Cache {
	c := &Cache{
		keyspace: keyspace,
		ext:      ext,
		log:      log,
		local:    ttlcache.New[string, string](ttlcache.WithDisableTouchOnHit[string, string]()),
		locks:    namedlock.NewTable(),
	}
	go c.local.Start()
	return c
}

// Stop halts the local layer's expiry loop.
func (c *Cache) Stop() {
	c.stopOnce.Do(c.local.Stop)
}

func (c *Cache) externalKey(key string) string {
	return keyPrefix + c.keyspace + ":Item:" + key
}

// Set writes the value locally and to the external store with the same TTL.
// Only external-store failures are surfaced.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.local.Set(key, value, ttl)
	return c.ext.StringSet(ctx, c.externalKey(key), value, ttl)
}

// Get returns the cached value for key, or ok=false when neither layer holds
// a live copy. A returned value always has a positive remaining lifetime.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	if item := c.local.Get(key); item != nil {
		return item.Value(), true, nil
	}

	h := c.locks.Acquire(key, -1)
	defer h.Release()

	if item := c.local.Get(key); item != nil {
		return item.Value(), true, nil
	}

	start := time.Now()
	value, remaining, ok, err := c.ext.StringGetWithExpiry(ctx, c.externalKey(key))
	if err != nil {
		return "", false, err
	}
	if !ok {
		c.log.Debug("cache miss", "keyspace", c.keyspace, "key", key)
		return "", false, nil
	}
	remaining -= time.Since(start)
	if remaining <= 0 {
		c.log.Debug("external value expired in flight", "keyspace", c.keyspace, "key", key)
		return "", false, nil
	}
	c.local.Set(key, value, remaining)
	return value, true, nil
}

// GetPrefix returns the first length bytes of the value for key. Best
// effort: a local hit is sliced in place, otherwise the external store is
// asked for a range read; nothing is written through to the local layer.
func (c *Cache) GetPrefix(ctx context.Context, key string, length int) (string, bool, error) {
	if item := c.local.Get(key); item != nil {
		v := item.Value()
		if len(v) > length {
			v = v[:length]
		}
		return v, true, nil
	}
	return c.ext.GetStringStart(ctx, c.externalKey(key), length)
}

// RemoveLocal drops only the in-process copy of key.
func (c *Cache) RemoveLocal(key string) {
	c.local.Delete(key)
}
