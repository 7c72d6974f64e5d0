// Package rendezvous lets many callers await a key and be released together
// by a single notification carrying that key.
//
// Registration and notification for the same key are serialized by a per-key
// named lock, so an awaiter created before a notification is never missed.
// Completion happens outside the lock; user code waking up on the result
// channel can immediately re-enter the manager without deadlocking.
package rendezvous

import (
	"sync"
	"sync/atomic"

	"github.com/dcbickfo/regencache/internal/namedlock"
)

// Result is the message delivered to every awaiter of a key.
type Result struct {
	Success bool
	Key     string
	Err     string
	Sender  string
}

// Manager tracks the pending awaiters per key.
type Manager struct {
	locks *namedlock.Table

	mu       sync.Mutex
	awaiters map[string]map[*Awaiter]struct{}
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		locks:    namedlock.NewTable(),
		awaiters: make(map[string]map[*Awaiter]struct{}),
	}
}

// CreateAwaiter registers a new awaiter for key. The caller must Release it,
// whether or not a result arrives; a leaked awaiter stays registered until
// the next notification for its key.
func (m *Manager) CreateAwaiter(key string) *Awaiter {
	h := m.locks.Acquire(key, -1)
	defer h.Release()

	a := &Awaiter{
		manager: m,
		key:     key,
		ch:      make(chan Result, 1),
	}
	m.mu.Lock()
	set, ok := m.awaiters[key]
	if !ok {
		set = make(map[*Awaiter]struct{})
		m.awaiters[key] = set
	}
	set[a] = struct{}{}
	m.mu.Unlock()
	return a
}

// Notify completes every awaiter currently registered for res.Key with res.
// The whole set is swapped out under the per-key lock; awaiters created
// afterwards wait for the next notification.
func (m *Manager) Notify(res Result) {
	h := m.locks.Acquire(res.Key, -1)

	m.mu.Lock()
	set := m.awaiters[res.Key]
	delete(m.awaiters, res.Key)
	m.mu.Unlock()

	for a := range set {
		a.removed.Store(true)
	}
	h.Release()

	for a := range set {
		a.complete(res)
	}
}

// pending reports how many awaiters are registered for key. Test hook.
func (m *Manager) pending(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.awaiters[key])
}

// Awaiter is a single-shot rendezvous for one key.
type Awaiter struct {
	manager *Manager
	key     string
	ch      chan Result
	removed atomic.Bool
	release sync.Once
}

// Done returns the channel on which the result is delivered. The channel
// receives at most one value and is never closed.
func (a *Awaiter) Done() <-chan Result {
	return a.ch
}

// Release removes the awaiter from its manager if a notification has not
// already claimed it. Release is idempotent and safe to call concurrently
// with Notify.
func (a *Awaiter) Release() {
	a.release.Do(func() {
		if a.removed.Load() {
			return
		}
		h := a.manager.locks.Acquire(a.key, -1)
		defer h.Release()

		a.manager.mu.Lock()
		if set, ok := a.manager.awaiters[a.key]; ok {
			delete(set, a)
			if len(set) == 0 {
				delete(a.manager.awaiters, a.key)
			}
		}
		a.manager.mu.Unlock()
	})
}

// complete delivers res if nothing has been delivered yet.
func (a *Awaiter) complete(res Result) {
	select {
	case a.ch <- res:
	default:
	}
}
