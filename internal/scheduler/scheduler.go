// Package scheduler fires a per-key callback once per interval while the key
// is still active.
//
// Triggers live in a local TTL store whose entries expire at the next target
// callback time. The eviction callback re-arms the trigger (keeping the
// original last-activity instant, so background work does not extend a
// trigger's life) and runs the user callback, until the key has seen no
// activity for its inactive-retention window.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dcbickfo/regencache/internal/logger"
)

// Defaults applied by New when the corresponding parameter is zero.
const (
	// DefaultMinimumForwardScheduling floors how close to now a trigger may
	// fire. It bounds re-arm recursion when generation consistently exceeds
	// the interval.
	DefaultMinimumForwardScheduling = 5 * time.Second

	// DefaultTriggerDelay is the slack after the target callback time before
	// the store is forced to observe the expiry.
	DefaultTriggerDelay = time.Second
)

// Manager schedules one trigger per key.
type Manager struct {
	name         string
	minForward   time.Duration
	triggerDelay time.Duration
	log          logger.Logger

	triggers *ttlcache.Cache[string, *trigger]
	stopOnce sync.Once
}

type trigger struct {
	mu         sync.Mutex
	lastActive time.Time
	target     time.Time

	inactiveRetention time.Duration
	interval          time.Duration
	callback          func()
	traceID           string
}

// New creates a manager whose trigger store is named "{prefix}_{keyspace}".
// Zero minForward or triggerDelay select the defaults.
func New(prefix, keyspace string, minForward, triggerDelay time.Duration, log logger.Logger) *Manager {
	if minForward == 0 {
		minForward = DefaultMinimumForwardScheduling
	}
	if triggerDelay == 0 {
		triggerDelay = DefaultTriggerDelay
	}
	m := &Manager{
		name:         prefix + "_" + keyspace,
		minForward:   minForward,
		triggerDelay: triggerDelay,
		log:          log,
		triggers:     ttlcache.New[string, *trigger](ttlcache.WithDisableTouchOnHit[string, *trigger]()),
	}
	m.triggers.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *trigger]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		m.expired(item.Key(), item.Value())
	})
	go m.triggers.Start()
	return m
}

// Stop halts the expiry loop. In-flight callbacks are not interrupted.
func (m *Manager) Stop() {
	m.stopOnce.Do(m.triggers.Stop)
}

// EnsureScheduled arms a trigger for key if none exists.
//
// The target callback time is prevStart + interval, floored at
// now + minimum forward scheduling. lastActive seeds the trigger's activity
// instant; pass the zero value to use now. Losing an insertion race to a
// concurrent scheduler is not an error: exactly one trigger per key survives.
func (m *Manager) EnsureScheduled(key string, callback func(), inactiveRetention, interval time.Duration, prevStart, lastActive time.Time, traceID string) {
	// The probe may itself drive a mid-expiry entry through its re-arm.
	if m.triggers.Get(key) != nil {
		return
	}

	now := time.Now().UTC()
	target := prevStart.Add(interval)
	if floor := now.Add(m.minForward); target.Before(floor) {
		target = floor
	}
	if lastActive.IsZero() {
		lastActive = now
	}

	t := &trigger{
		lastActive:        lastActive,
		target:            target,
		inactiveRetention: inactiveRetention,
		interval:          interval,
		callback:          callback,
		traceID:           traceID,
	}
	if _, existed := m.triggers.GetOrSet(key, t, ttlcache.WithTTL[string, *trigger](time.Until(target))); existed {
		return
	}
	m.log.Debug("trigger scheduled", "store", m.name, "key", key, "target", target, "traceID", traceID)

	// The store is not required to evict at the exact instant; force it to
	// look shortly after the target.
	time.AfterFunc(time.Until(target)+m.triggerDelay, func() {
		m.triggers.DeleteExpired()
	})
}

// UpdateLastActivity marks key as just used and reports whether a trigger
// exists for it.
func (m *Manager) UpdateLastActivity(key string) bool {
	item := m.triggers.Get(key)
	if item == nil {
		// The probe races the expiry/re-arm window; look once more.
		item = m.triggers.Get(key)
	}
	if item == nil {
		return false
	}
	t := item.Value()
	now := time.Now().UTC()
	t.mu.Lock()
	if now.After(t.lastActive) {
		t.lastActive = now
	}
	t.mu.Unlock()
	return true
}

// expired is the eviction callback for reason Expired. Re-arm and user
// callback both run off the eviction goroutine so the store's expiry loop is
// never blocked and the re-arm recursion depth stays at one.
func (m *Manager) expired(key string, t *trigger) {
	t.mu.Lock()
	lastActive := t.lastActive
	target := t.target
	t.mu.Unlock()

	if time.Now().UTC().After(lastActive.Add(t.inactiveRetention)) {
		m.log.Debug("trigger retired", "store", m.name, "key", key, "lastActive", lastActive, "traceID", t.traceID)
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("trigger callback panicked", "store", m.name, "key", key, "panic", r)
			}
		}()
		m.EnsureScheduled(key, t.callback, t.inactiveRetention, t.interval, target, lastActive, t.traceID)
		t.callback()
	}()
}
