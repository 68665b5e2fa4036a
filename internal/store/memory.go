package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStateStore is an in-process StateStore.
type MemoryStateStore struct {
	mu     sync.Mutex
	values map[string]memEntry
	lists  map[string]memList
	now    func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

type memList struct {
	items     [][]byte
	expiresAt time.Time
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		values: make(map[string]memEntry),
		lists:  make(map[string]memList),
		now:    time.Now,
	}
}

// SetClock overrides the time source used for expiry.
func (m *MemoryStateStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStateStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStateStore) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}

// Set implements StateStore.
func (m *MemoryStateStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return nil
}

// Get implements StateStore.
func (m *MemoryStateStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	if m.expired(e.expiresAt) {
		delete(m.values, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Delete implements StateStore.
func (m *MemoryStateStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.lists, key)
	return nil
}

// Keys implements StateStore.
func (m *MemoryStateStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k, e := range m.values {
		if m.expired(e.expiresAt) {
			delete(m.values, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k, l := range m.lists {
		if m.expired(l.expiresAt) {
			delete(m.lists, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// PushFront implements StateStore.
func (m *MemoryStateStore) PushFront(_ context.Context, key string, value []byte, max int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.lists[key]
	if m.expired(l.expiresAt) {
		l = memList{}
	}
	l.items = append([][]byte{append([]byte(nil), value...)}, l.items...)
	if max > 0 && len(l.items) > max {
		l.items = l.items[:max]
	}
	l.expiresAt = m.expiry(ttl)
	m.lists[key] = l
	return nil
}

// Range implements StateStore.
func (m *MemoryStateStore) Range(_ context.Context, key string, limit int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lists[key]
	if !ok {
		return nil, nil
	}
	if m.expired(l.expiresAt) {
		delete(m.lists, key)
		return nil, nil
	}

	n := len(l.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = append([]byte(nil), l.items[i]...)
	}
	return out, nil
}

// RemoveFromList implements StateStore.
func (m *MemoryStateStore) RemoveFromList(_ context.Context, key string, match func([]byte) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lists[key]
	if !ok {
		return 0, nil
	}

	kept := l.items[:0]
	removed := 0
	for _, item := range l.items {
		if match(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	l.items = kept
	m.lists[key] = l
	return removed, nil
}
