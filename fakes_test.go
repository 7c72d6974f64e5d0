package regencache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dcbickfo/regencache"
)

type storeEntry struct {
	value     string
	expiresAt time.Time
}

// fakeStore is an in-memory ExternalCache shared by all nodes of a test farm.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]storeEntry

	sets   atomic.Int64
	setErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]storeEntry)}
}

func (s *fakeStore) StringSet(_ context.Context, key, value string, ttl time.Duration) error {
	s.sets.Add(1)
	if s.setErr != nil {
		return s.setErr
	}
	s.mu.Lock()
	s.entries[key] = storeEntry{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) StringGetWithExpiry(_ context.Context, key string) (string, time.Duration, bool, error) {
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

func (s *fakeStore) GetStringStart(_ context.Context, key string, length int) (string, bool, error) {
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

func (s *fakeStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// fakeLockFactory is an in-memory DistributedLockFactory with expiring locks.
type fakeLockFactory struct {
	mu   sync.Mutex
	held map[string]time.Time

	acquired   atomic.Int64
	createErr  error
	alwaysBusy bool
}

func newFakeLockFactory() *fakeLockFactory {
	return &fakeLockFactory{held: make(map[string]time.Time)}
}

func (f *fakeLockFactory) CreateLock(_ context.Context, lockKey string, expiry time.Duration) (regencache.DistributedLock, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.alwaysBusy {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if until, ok := f.held[lockKey]; ok && time.Now().Before(until) {
		return nil, nil
	}
	f.held[lockKey] = time.Now().Add(expiry)
	f.acquired.Add(1)
	return &fakeLock{factory: f, key: lockKey}, nil
}

type fakeLock struct {
	factory *fakeLockFactory
	key     string
}

func (l *fakeLock) Release(context.Context) error {
	l.factory.mu.Lock()
	delete(l.factory.held, l.key)
	l.factory.mu.Unlock()
	return nil
}

// fakeBus delivers published messages synchronously to all current
// subscribers.
type fakeBus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]func(string)

	published atomic.Int64
	pubErr    error
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]map[int]func(string))}
}

func (b *fakeBus) Subscribe(_ context.Context, topic string, handler func(string)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]func(string))
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = handler
	return func() {
		b.mu.Lock()
		delete(b.handlers[topic], id)
		b.mu.Unlock()
	}, nil
}

func (b *fakeBus) Publish(_ context.Context, topic, payload string) error {
	if b.pubErr != nil {
		return b.pubErr
	}
	b.published.Add(1)
	b.mu.Lock()
	handlers := make([]func(string), 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}
