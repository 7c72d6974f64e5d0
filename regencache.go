// Package regencache fronts a slow-to-produce value with a two-tier cache and
// proactively regenerates it in the background, coordinating across a farm so
// that at most one node at a time recomputes a given key.
//
// The library builds on three pluggable collaborators — a shared external
// key/value store, a distributed lock factory, and a fan-out publish/subscribe
// bus — to provide:
//   - A single GetOrAdd operation that returns the freshest cached value
//   - Single-flight value generation, per process and farm-wide
//   - Background regeneration once per interval while a key stays active
//   - Cross-node invalidation of per-process copies via bus notifications
//
// # Basic Usage
//
//	mgr, err := regencache.New("reports", store, locks, bus, regencache.Option{})
//	if err != nil {
//	    return err
//	}
//	defer mgr.Close()
//
//	value, err := mgr.GetOrAdd(ctx, "daily-summary", func(ctx context.Context) (string, error) {
//	    return runExpensiveQuery(ctx)
//	}, 10*time.Minute, time.Minute)
//
// With an inactive retention larger than the regeneration interval, the first
// successful GetOrAdd arms a local trigger that regenerates the value once per
// interval for as long as the key keeps being requested on this node. Setting
// inactive retention at or below the interval opts out of background
// regeneration; GetOrAdd then behaves as a coordinated read-through cache.
//
// # Coordination
//
// On a miss, callers enroll with a correlated-await manager and attempt a
// single-flight regeneration: a process-local named lock discards duplicate
// workers inside the process, a distributed lock with expiry equal to the
// regeneration interval discards duplicate nodes across the farm. The winner
// generates, stores the timestamped value, notifies local awaiters and then
// publishes the result so peers can release their own awaiters and drop their
// per-process copies. Losers simply wait; no caller ever blocks behind a
// second generation of the same key.
//
// # Clock discipline
//
// Creation instants stored with each entry are UTC wall-clock values; nodes
// compare them against their own clocks when deciding whether an entry is
// still fresh. The farm clock tolerance bounds the skew the comparison
// forgives. The entry's store TTL exceeds the regeneration interval by the
// cache expiry tolerance so a slightly overlong generation does not let the
// previous value expire and stampede the farm.
package regencache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dcbickfo/regencache/internal/contextx"
	"github.com/dcbickfo/regencache/internal/frontcache"
	"github.com/dcbickfo/regencache/internal/namedlock"
	"github.com/dcbickfo/regencache/internal/rendezvous"
	"github.com/dcbickfo/regencache/internal/scheduler"
	"github.com/dcbickfo/regencache/internal/tsval"
)

const managerName = "RegenerativeCacheManager"

// Option configures the behavior of a RegenerativeCacheManager.
// All fields are optional with sensible defaults.
type Option struct {
	// CacheExpiryTolerance extends each entry's external-store TTL beyond the
	// regeneration interval, tolerating generations that slightly exceed the
	// interval. Defaults to 30 seconds.
	CacheExpiryTolerance time.Duration

	// FarmClockTolerance is the assumed upper bound on wall-clock skew
	// between nodes; it is subtracted when deciding whether an existing entry
	// is fresh enough to skip regeneration. Defaults to 15 seconds.
	FarmClockTolerance time.Duration

	// MinimumForwardScheduling floors how close to now a background trigger
	// may fire. Defaults to 5 seconds.
	MinimumForwardScheduling time.Duration

	// TriggerDelay is the slack after a trigger's target time before the
	// trigger store is forced to observe the expiry. Defaults to 1 second.
	TriggerDelay time.Duration

	// Logger for errors, warnings and debug information. Defaults to
	// slog.Default().
	Logger Logger
}

// RegenerativeCacheManager coordinates cached value regeneration across a
// farm of nodes sharing one keyspace. Create instances with New; the zero
// value is not usable.
//
// All methods are safe for concurrent use.
type RegenerativeCacheManager struct {
	keyspace    string
	ext         ExternalCache
	lockFactory DistributedLockFactory
	bus         FanOutBus
	logger      Logger

	cacheExpiryTolerance atomic.Int64 // nanoseconds
	farmClockTolerance   atomic.Int64 // nanoseconds
	triggerDelay         time.Duration

	front      *frontcache.Cache
	triggers   *scheduler.Manager
	awaiters   *rendezvous.Manager
	localLocks *namedlock.Table

	topic            string
	globalLockPrefix string
	localLockPrefix  string
	senderID         string

	unsubscribe func()
	closeOnce   sync.Once
}

// New creates a manager for keyspace and subscribes it to the farm's result
// notification topic; the subscription is live when New returns.
//
// Every node cooperating on the same data must be constructed with the same
// keyspace against the same collaborators. Two managers with the same
// keyspace inside one process behave as two distinct nodes.
func New(keyspace string, ext ExternalCache, locks DistributedLockFactory, bus FanOutBus, opt Option) (*RegenerativeCacheManager, error) {
	if keyspace == "" {
		return nil, ErrKeyspaceRequired
	}
	if ext == nil || locks == nil || bus == nil {
		return nil, ErrNilCollaborator
	}
	if opt.CacheExpiryTolerance < 0 || opt.FarmClockTolerance < 0 || opt.MinimumForwardScheduling < 0 || opt.TriggerDelay < 0 {
		return nil, ErrInvalidTolerance
	}
	if opt.CacheExpiryTolerance == 0 {
		opt.CacheExpiryTolerance = 30 * time.Second
	}
	if opt.FarmClockTolerance == 0 {
		opt.FarmClockTolerance = 15 * time.Second
	}
	if opt.TriggerDelay == 0 {
		opt.TriggerDelay = scheduler.DefaultTriggerDelay
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}

	instanceID := uuid.NewString()
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	globalLockPrefix := managerName + ":RegenerateIfNotUnderway:" + keyspace + ":"

	m := &RegenerativeCacheManager{
		keyspace:         keyspace,
		ext:              ext,
		lockFactory:      locks,
		bus:              bus,
		logger:           opt.Logger,
		triggerDelay:     opt.TriggerDelay,
		front:            frontcache.New(keyspace, ext, opt.Logger),
		triggers:         scheduler.New(managerName, keyspace, opt.MinimumForwardScheduling, opt.TriggerDelay, opt.Logger),
		awaiters:         rendezvous.NewManager(),
		localLocks:       namedlock.NewTable(),
		topic:            managerName + ":ResultNotification:" + keyspace,
		globalLockPrefix: globalLockPrefix,
		localLockPrefix:  globalLockPrefix + instanceID + ":",
		senderID:         host + "-" + keyspace + "-" + instanceID,
	}
	m.cacheExpiryTolerance.Store(int64(opt.CacheExpiryTolerance))
	m.farmClockTolerance.Store(int64(opt.FarmClockTolerance))

	unsubscribe, err := bus.Subscribe(context.Background(), m.topic, m.onNotification)
	if err != nil {
		m.triggers.Stop()
		m.front.Stop()
		return nil, fmt.Errorf("subscribe to %q: %w: %w", m.topic, err, ErrBus)
	}
	m.unsubscribe = unsubscribe
	return m, nil
}

// Close cancels the bus subscription and stops the local stores. In-flight
// GetOrAdd calls and background generations are not interrupted.
func (m *RegenerativeCacheManager) Close() {
	m.closeOnce.Do(func() {
		m.unsubscribe()
		m.triggers.Stop()
		m.front.Stop()
	})
}

// Keyspace returns the keyspace this manager was constructed with.
func (m *RegenerativeCacheManager) Keyspace() string {
	return m.keyspace
}

// SenderID returns this node's identifier as it appears in published
// notifications.
func (m *RegenerativeCacheManager) SenderID() string {
	return m.senderID
}

// CacheExpiryTolerance returns the current entry-TTL slack.
func (m *RegenerativeCacheManager) CacheExpiryTolerance() time.Duration {
	return time.Duration(m.cacheExpiryTolerance.Load())
}

// SetCacheExpiryTolerance changes the entry-TTL slack for subsequent
// regenerations.
func (m *RegenerativeCacheManager) SetCacheExpiryTolerance(d time.Duration) {
	m.cacheExpiryTolerance.Store(int64(d))
}

// FarmClockTolerance returns the assumed inter-node clock skew bound.
func (m *RegenerativeCacheManager) FarmClockTolerance() time.Duration {
	return time.Duration(m.farmClockTolerance.Load())
}

// SetFarmClockTolerance changes the assumed inter-node clock skew bound.
func (m *RegenerativeCacheManager) SetFarmClockTolerance(d time.Duration) {
	m.farmClockTolerance.Store(int64(d))
}

// onNotification handles one inbound bus message. It never panics out into
// the bus and never tears down the subscription: malformed messages are
// logged and dropped.
func (m *RegenerativeCacheManager) onNotification(payload string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("notification handler panicked", "keyspace", m.keyspace, "panic", r)
		}
	}()

	n, err := parseNotification(payload)
	if err != nil {
		m.logger.Error("dropping malformed result notification", "keyspace", m.keyspace, "error", err)
		return
	}

	// Drop the local copy before releasing awaiters, so a caller waking up
	// and immediately re-reading cannot see the stale value.
	if n.Success && n.Sender != m.senderID {
		m.front.RemoveLocal(n.Key)
	}
	m.awaiters.Notify(rendezvous.Result{
		Success: n.Success,
		Key:     n.Key,
		Err:     n.Exception,
		Sender:  n.Sender,
	})
}

// GetOrAdd returns the cached value for key, generating it if necessary.
//
// interval is the nominal period between background regenerations;
// inactiveRetention bounds how long this node keeps regenerating after the
// last GetOrAdd for the key. Passing inactiveRetention <= interval disables
// background regeneration for this call.
//
// On a miss, at most one caller per process (and one node per farm) runs
// generate; everyone else waits for its result notification. The call honors
// ctx cancellation while waiting.
func (m *RegenerativeCacheManager) GetOrAdd(ctx context.Context, key string, generate GenerateFunc, inactiveRetention, interval time.Duration) (string, error) {
	if key == "" {
		return "", ErrKeyRequired
	}
	if generate == nil {
		return "", ErrNilGenerate
	}
	if interval <= 0 {
		return "", ErrInvalidInterval
	}

	triggerRequired := inactiveRetention > interval
	triggerExisted := false
	if triggerRequired {
		triggerExisted = m.triggers.UpdateLastActivity(key)
	}

	createdAt, value, ok, err := m.readEntry(ctx, key)
	if err != nil {
		return "", err
	}
	if ok && (!triggerRequired || triggerExisted) {
		return value, nil
	}
	if ok {
		// A value exists (written by a peer or a previous life of this node)
		// but no local schedule does; anchor one at the entry's creation.
		m.ensureTrigger(key, generate, inactiveRetention, interval, createdAt)
		return value, nil
	}

	awaiter := m.awaiters.CreateAwaiter(key)
	defer awaiter.Release()

	if err := m.regenerateIfNotUnderway(ctx, key, generate, interval, false); err != nil {
		return "", err
	}

	var res rendezvous.Result
	select {
	case res = <-awaiter.Done():
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if !res.Success {
		return "", fmt.Errorf("generate %q: %s: %w", key, res.Err, ErrGenerationFailed)
	}

	createdAt, value, ok, err = m.readEntry(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("key %q: %w", key, ErrGenerationRaced)
	}
	if triggerRequired {
		m.ensureTrigger(key, generate, inactiveRetention, interval, createdAt)
	}
	return value, nil
}

// Invalidate removes the local copy of key and, when the external cache
// supports removal, the shared entry as well, so the next GetOrAdd
// regenerates. Peer nodes' local copies converge via the entry TTL or the
// next regeneration notification.
func (m *RegenerativeCacheManager) Invalidate(ctx context.Context, key string) error {
	if key == "" {
		return ErrKeyRequired
	}
	m.front.RemoveLocal(key)
	remover, ok := m.ext.(ExternalCacheRemover)
	if !ok {
		m.logger.Debug("external cache does not support removal; invalidated locally only", "keyspace", m.keyspace, "key", key)
		return nil
	}
	if err := remover.Remove(ctx, externalEntryKey(m.keyspace, key)); err != nil {
		return fmt.Errorf("remove %q: %w: %w", key, err, ErrExternalStore)
	}
	return nil
}

// externalEntryKey mirrors the composite key the front cache writes.
func externalEntryKey(keyspace, key string) string {
	return "MemoryFrontedExternalCache:" + keyspace + ":Item:" + key
}

// readEntry fetches and decodes the cached entry for key. A malformed entry
// is logged and treated as a miss so the next regeneration replaces it.
func (m *RegenerativeCacheManager) readEntry(ctx context.Context, key string) (createdAt time.Time, value string, ok bool, err error) {
	raw, ok, err := m.front.Get(ctx, key)
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("read %q: %w: %w", key, err, ErrExternalStore)
	}
	if !ok {
		return time.Time{}, "", false, nil
	}
	createdAt, value, err = tsval.Decode(raw)
	if err != nil {
		m.logger.Error("malformed cache entry, treating as miss", "keyspace", m.keyspace, "key", key, "error", err)
		return time.Time{}, "", false, nil
	}
	return createdAt, value, true, nil
}

// ensureTrigger arms the background regeneration schedule for key, anchored
// at the creation instant of the entry the caller just observed.
func (m *RegenerativeCacheManager) ensureTrigger(key string, generate GenerateFunc, inactiveRetention, interval time.Duration, anchor time.Time) {
	callback := func() {
		if err := m.regenerateIfNotUnderway(context.Background(), key, generate, interval, true); err != nil {
			m.logger.Error("background regeneration failed", "keyspace", m.keyspace, "key", key, "error", err)
		}
	}
	m.triggers.EnsureScheduled(key, callback, inactiveRetention, interval, anchor, time.Time{}, "")
}

// regenerateIfNotUnderway performs one single-flight regeneration attempt.
//
// Returning nil without generating is the common case: another worker in this
// process holds the local lock, another node holds the distributed lock, or
// (for background attempts) the entry is still fresh enough that a peer will
// reissue it in time. Whoever does generate notifies local awaiters first and
// then publishes to the farm.
func (m *RegenerativeCacheManager) regenerateIfNotUnderway(ctx context.Context, key string, generate GenerateFunc, interval time.Duration, isBackground bool) error {
	slack := m.FarmClockTolerance() + m.triggerDelay

	if isBackground {
		fresh, err := m.entryStillFresh(ctx, key, interval, slack)
		if err != nil {
			return err
		}
		if fresh {
			m.logger.Debug("entry still fresh, skipping background regeneration", "keyspace", m.keyspace, "key", key)
			return nil
		}
	}

	local := m.localLocks.Acquire(m.localLockPrefix+key, 0)
	defer local.Release()
	if !local.Locked() {
		m.logger.Debug("regeneration already underway in this process", "keyspace", m.keyspace, "key", key)
		return nil
	}

	lock, err := m.lockFactory.CreateLock(ctx, m.globalLockPrefix+key, interval)
	if err != nil {
		return fmt.Errorf("acquire regeneration lock for %q: %w: %w", key, err, ErrLockService)
	}
	if lock == nil {
		m.logger.Debug("another node holds the regeneration lock", "keyspace", m.keyspace, "key", key)
		return nil
	}
	defer m.releaseLock(ctx, key, lock)

	// Between the unlocked check and lock acquisition a peer may have
	// finished; awaiters may still be parked, so notify success rather than
	// returning silently.
	fresh, err := m.entryStillFresh(ctx, key, interval, slack)
	if err != nil {
		return err
	}
	if fresh {
		m.logger.Debug("entry regenerated by a peer while locking", "keyspace", m.keyspace, "key", key)
		return m.notify(ctx, ResultNotification{Success: true, Key: key, Sender: m.senderID})
	}

	generationStarted := time.Now().UTC()
	value, genErr := generate(ctx)
	if genErr != nil {
		return m.notify(ctx, ResultNotification{
			Success:   false,
			Key:       key,
			Exception: genErr.Error(),
			Sender:    m.senderID,
		})
	}

	if elapsed := time.Since(generationStarted); elapsed > interval-m.FarmClockTolerance() {
		m.logger.Warn("generation ran longer than the interval allows; expect contention next cycle",
			"keyspace", m.keyspace, "key", key, "elapsed", elapsed, "interval", interval)
	}

	encoded := tsval.Encode(generationStarted, value)
	if err := m.front.Set(ctx, key, encoded, interval+m.CacheExpiryTolerance()); err != nil {
		// Awaiters must not hang on a value that never made it to the store.
		notifyErr := m.notify(ctx, ResultNotification{
			Success:   false,
			Key:       key,
			Exception: err.Error(),
			Sender:    m.senderID,
		})
		if notifyErr != nil {
			m.logger.Error("failed to publish store-failure notification", "keyspace", m.keyspace, "key", key, "error", notifyErr)
		}
		return fmt.Errorf("store generated value for %q: %w: %w", key, err, ErrExternalStore)
	}

	return m.notify(ctx, ResultNotification{Success: true, Key: key, Sender: m.senderID})
}

// entryStillFresh reports whether the stored entry's creation instant is
// recent enough that regeneration is not yet due, reading only the entry's
// timestamp prefix.
func (m *RegenerativeCacheManager) entryStillFresh(ctx context.Context, key string, interval, slack time.Duration) (bool, error) {
	prefix, ok, err := m.front.GetPrefix(ctx, key, tsval.PrefixLength)
	if err != nil {
		return false, fmt.Errorf("peek %q: %w: %w", key, err, ErrExternalStore)
	}
	if !ok {
		return false, nil
	}
	createdAt, err := tsval.DecodeTimestamp(prefix)
	if err != nil {
		m.logger.Error("malformed cache entry prefix, treating as due", "keyspace", m.keyspace, "key", key, "error", err)
		return false, nil
	}
	return createdAt.Add(interval - slack).After(time.Now().UTC()), nil
}

// notify completes local awaiters first (they are cheapest to release), then
// publishes to the farm.
func (m *RegenerativeCacheManager) notify(ctx context.Context, n ResultNotification) error {
	m.awaiters.Notify(rendezvous.Result{
		Success: n.Success,
		Key:     n.Key,
		Err:     n.Exception,
		Sender:  n.Sender,
	})
	payload, err := marshalNotification(n)
	if err != nil {
		return err
	}
	if err := m.bus.Publish(ctx, m.topic, payload); err != nil {
		return fmt.Errorf("publish result for %q: %w: %w", n.Key, err, ErrBus)
	}
	return nil
}

// releaseLock releases the distributed lock on a context that survives caller
// cancellation. Best effort: the lock self-expires regardless.
func (m *RegenerativeCacheManager) releaseLock(ctx context.Context, key string, lock DistributedLock) {
	cleanupCtx, cancel := contextx.WithCleanupTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := lock.Release(cleanupCtx); err != nil {
		m.logger.Error("failed to release regeneration lock", "keyspace", m.keyspace, "key", key, "error", err)
	}
}
