package frontcache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeEntry struct {
	value     string
	expiresAt time.Time
}

// stubStore is an in-memory ExternalCache with call counters.
type stubStore struct {
	mu      sync.Mutex
	entries map[string]storeEntry

	sets  atomic.Int64
	gets  atomic.Int64
	setErr error
	getErr error
}

func newStubStore() *stubStore {
	return &stubStore{entries: make(map[string]storeEntry)}
}

func (s *stubStore) StringSet(_ context.Context, key, value string, ttl time.Duration) error {
	s.sets.Add(1)
	if s.setErr != nil {
		return s.setErr
	}
	s.mu.Lock()
	s.entries[key] = storeEntry{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *stubStore) StringGetWithExpiry(_ context.Context, key string) (string, time.Duration, bool, error) {
	s.gets.Add(1)
	if s.getErr != nil {
		return "", 0, false, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", 0, false, nil
	}
	remaining := time.Until(e.expiresAt)
	if remaining <= 0 {
		delete(s.entries, key)
		return "", 0, false, nil
	}
	return e.value, remaining, true, nil
}

func (s *stubStore) GetStringStart(_ context.Context, key string, length int) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false, nil
	}
	v := e.value
	if len(v) > length {
		v = v[:length]
	}
	return v, true, nil
}

func newTestCache(t *testing.T, store *stubStore) *Cache {
	t.Helper()
	c := New("testspace", store, slog.Default())
	t.Cleanup(c.Stop)
	return c
}

func TestCache_Set(t *testing.T) {
	t.Run("WritesBothLayers", func(t *testing.T) {
		store := newStubStore()
		c := newTestCache(t, store)

		require.NoError(t, c.Set(t.Context(), "k", "v", time.Minute))

		store.mu.Lock()
		entry, ok := store.entries["MemoryFrontedExternalCache:testspace:Item:k"]
		store.mu.Unlock()
		require.True(t, ok, "external key must carry the documented prefix")
		assert.Equal(t, "v", entry.value)

		// Served locally, no external read.
		v, ok, err := c.Get(t.Context(), "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v", v)
		assert.Zero(t, store.gets.Load())
	})

	t.Run("ExternalErrorPropagates", func(t *testing.T) {
		store := newStubStore()
		store.setErr = assert.AnError
		c := newTestCache(t, store)

		assert.ErrorIs(t, c.Set(t.Context(), "k", "v", time.Minute), assert.AnError)
	})
}

func TestCache_Get(t *testing.T) {
	t.Run("MissOnBothLayers", func(t *testing.T) {
		c := newTestCache(t, newStubStore())

		_, ok, err := c.Get(t.Context(), "absent")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PopulatesLocalFromExternal", func(t *testing.T) {
		store := newStubStore()
		require.NoError(t, store.StringSet(t.Context(), "MemoryFrontedExternalCache:testspace:Item:k", "remote", time.Minute))
		c := newTestCache(t, store)

		v, ok, err := c.Get(t.Context(), "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "remote", v)
		assert.Equal(t, int64(1), store.gets.Load())

		// Second read is local.
		_, ok, err = c.Get(t.Context(), "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1), store.gets.Load())
	})

	t.Run("NeverServesNonPositiveRemaining", func(t *testing.T) {
		store := newStubStore()
		store.mu.Lock()
		store.entries["MemoryFrontedExternalCache:testspace:Item:k"] = storeEntry{value: "stale", expiresAt: time.Now()}
		store.mu.Unlock()
		c := newTestCache(t, store)

		_, ok, err := c.Get(t.Context(), "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ExternalErrorPropagates", func(t *testing.T) {
		store := newStubStore()
		store.getErr = assert.AnError
		c := newTestCache(t, store)

		_, _, err := c.Get(t.Context(), "k")
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("ConcurrentMissesSingleRoundTrip", func(t *testing.T) {
		store := newStubStore()
		require.NoError(t, store.StringSet(t.Context(), "MemoryFrontedExternalCache:testspace:Item:k", "remote", time.Minute))
		c := newTestCache(t, store)

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, ok, err := c.Get(t.Context(), "k")
				assert.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "remote", v)
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), store.gets.Load(), "concurrent misses on one key take one external round trip")
	})
}

func TestCache_GetPrefix(t *testing.T) {
	t.Run("SlicesLocalHit", func(t *testing.T) {
		store := newStubStore()
		c := newTestCache(t, store)
		require.NoError(t, c.Set(t.Context(), "k", "abcdefgh", time.Minute))

		v, ok, err := c.GetPrefix(t.Context(), "k", 3)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "abc", v)
	})

	t.Run("ShorterValueReturnedWhole", func(t *testing.T) {
		store := newStubStore()
		c := newTestCache(t, store)
		require.NoError(t, c.Set(t.Context(), "k", "ab", time.Minute))

		v, ok, err := c.GetPrefix(t.Context(), "k", 50)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "ab", v)
	})

	t.Run("FallsBackToExternalWithoutWriteThrough", func(t *testing.T) {
		store := newStubStore()
		require.NoError(t, store.StringSet(t.Context(), "MemoryFrontedExternalCache:testspace:Item:k", "abcdefgh", time.Minute))
		c := newTestCache(t, store)

		v, ok, err := c.GetPrefix(t.Context(), "k", 4)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "abcd", v)

		// No local copy was created: a full Get still goes external.
		_, ok, err = c.Get(t.Context(), "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1), store.gets.Load())
	})

	t.Run("AbsentKey", func(t *testing.T) {
		c := newTestCache(t, newStubStore())

		_, ok, err := c.GetPrefix(t.Context(), "missing", 50)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCache_RemoveLocal(t *testing.T) {
	store := newStubStore()
	c := newTestCache(t, store)
	require.NoError(t, c.Set(t.Context(), "k", "v1", time.Minute))

	// Simulate a peer overwriting the external entry.
	require.NoError(t, store.StringSet(t.Context(), "MemoryFrontedExternalCache:testspace:Item:k", "v2", time.Minute))

	v, ok, err := c.Get(t.Context(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v, "local copy still served before invalidation")

	c.RemoveLocal("k")

	v, ok, err = c.Get(t.Context(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", v, "invalidation forces a fresh external read")
}
