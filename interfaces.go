package regencache

import (
	"context"
	"time"
)

// ExternalCache is the shared key/value store all nodes of a farm read and
// write through. Any store with TTL-carrying string entries and cheap range
// reads can implement it; see the rueidisstore package for a Redis binding.
type ExternalCache interface {
	// StringSet upserts key with the given time to live.
	StringSet(ctx context.Context, key, value string, ttl time.Duration) error

	// StringGetWithExpiry returns the value stored under key together with
	// its remaining time to live. The pair is both-or-neither-absent: ok is
	// false exactly when the key does not exist.
	StringGetWithExpiry(ctx context.Context, key string) (value string, remaining time.Duration, ok bool, err error)

	// GetStringStart returns the first length bytes of the stored value, or
	// the entire value if it is shorter; ok is false if the key is absent.
	GetStringStart(ctx context.Context, key string, length int) (value string, ok bool, err error)
}

// ExternalCacheRemover is optionally implemented by ExternalCache bindings
// that can delete entries. Invalidate uses it when available.
type ExternalCacheRemover interface {
	// Remove deletes key from the store. Removing an absent key is not an
	// error.
	Remove(ctx context.Context, key string) error
}

// DistributedLockFactory hands out farm-wide mutual exclusion. The lock must
// auto-expire after its expiry regardless of holder liveness, so a crashed
// node can never block the farm for more than one regeneration cycle.
type DistributedLockFactory interface {
	// CreateLock tries to acquire lockKey. It returns a nil lock (and nil
	// error) when another holder has it; a non-nil error only for lock
	// service failures.
	CreateLock(ctx context.Context, lockKey string, expiry time.Duration) (DistributedLock, error)
}

// DistributedLock is a held farm-wide lock.
type DistributedLock interface {
	// Release relinquishes the lock. Releasing an already-expired lock is
	// harmless.
	Release(ctx context.Context) error
}

// FanOutBus is a non-durable publish/subscribe transport. Delivery is
// at-least-once to all current subscribers; duplicates are tolerated by the
// manager because notifications complete awaiters with a try-set.
type FanOutBus interface {
	// Subscribe registers handler for topic and does not return until the
	// subscription is live. The returned function cancels the subscription.
	Subscribe(ctx context.Context, topic string, handler func(payload string)) (unsubscribe func(), err error)

	// Publish delivers payload to every current subscriber of topic.
	Publish(ctx context.Context, topic, payload string) error
}

// Logger defines the logging interface used by the manager.
// Implementations must be safe for concurrent use and should handle log
// levels internally. *slog.Logger satisfies this interface.
type Logger interface {
	// Error logs error messages. Should be used for unexpected failures or critical issues.
	Error(msg string, args ...any)
	// Warn logs conditions an operator should notice, such as a generation
	// that ran longer than its regeneration interval.
	Warn(msg string, args ...any)
	// Debug logs detailed diagnostic information useful for development and troubleshooting.
	Debug(msg string, args ...any)
}

// GenerateFunc produces the value to cache. It is invoked by at most one
// goroutine per key per process, and by at most one node per key across the
// farm while the distributed lock holds.
type GenerateFunc func(ctx context.Context) (string, error)
