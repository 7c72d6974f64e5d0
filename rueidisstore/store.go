// Package rueidisstore binds regencache's collaborator interfaces to Redis
// using the rueidis client: the external cache (Store), the distributed lock
// factory (LockFactory) and the fan-out bus (Bus).
//
// One rueidis client can back all three. The bus takes a dedicated pub/sub
// connection per subscription; everything else multiplexes on the shared
// connection.
package rueidisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/dcbickfo/regencache/internal/luascript"
)

var (
	// getWithExpiryLua returns {value, pttl} atomically, or an empty table
	// when the key is absent.
	getWithExpiryLua = luascript.New(`local v = redis.call("GET", KEYS[1]) if not v then return {} end return {v, redis.call("PTTL", KEYS[1])}`)

	// getStartLua distinguishes an absent key from an empty range, which
	// GETRANGE alone cannot.
	getStartLua = luascript.New(`if redis.call("EXISTS", KEYS[1]) == 0 then return false end return redis.call("GETRANGE", KEYS[1], 0, ARGV[1])`)
)

// Store implements regencache.ExternalCache (and the optional remover) on a
// rueidis client.
type Store struct {
	client rueidis.Client
}

// NewStore creates a Store on the given client.
func NewStore(client rueidis.Client) *Store {
	return &Store{client: client}
}

// StringSet upserts key with a millisecond-precision TTL.
func (s *Store) StringSet(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Px(ttl).Build()).Error()
}

// StringGetWithExpiry returns the value and its remaining TTL. Keys written
// by this module always carry a TTL; a persistent key (PTTL < 0) is reported
// as absent rather than inventing a lifetime for it.
func (s *Store) StringGetWithExpiry(ctx context.Context, key string) (string, time.Duration, bool, error) {
	resp := getWithExpiryLua.Exec(ctx, s.client, []string{key}, nil)
	arr, err := resp.ToArray()
	if err != nil {
		return "", 0, false, fmt.Errorf("get with expiry %q: %w", key, err)
	}
	if len(arr) < 2 {
		return "", 0, false, nil
	}
	value, err := arr[0].ToString()
	if err != nil {
		return "", 0, false, fmt.Errorf("get with expiry %q: %w", key, err)
	}
	ms, err := arr[1].AsInt64()
	if err != nil {
		return "", 0, false, fmt.Errorf("get with expiry %q: %w", key, err)
	}
	if ms <= 0 {
		return "", 0, false, nil
	}
	return value, time.Duration(ms) * time.Millisecond, true, nil
}

// GetStringStart returns the first length bytes of the stored value.
func (s *Store) GetStringStart(ctx context.Context, key string, length int) (string, bool, error) {
	if length < 1 {
		return "", false, errors.New("length must be positive")
	}
	resp := getStartLua.Exec(ctx, s.client, []string{key}, []string{strconv.Itoa(length - 1)})
	value, err := resp.ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("range read %q: %w", key, err)
	}
	return value, true, nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
}
