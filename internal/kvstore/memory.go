package kvstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memItem struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process Store. Expired items are dropped lazily on access
// and by Sweep.
type Memory struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memItem), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = m.item(value, ttl)
	return nil
}

func (m *Memory) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.items[key] = m.item(value, ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur []byte
	if it, ok := m.lookup(key); ok {
		cur = append([]byte(nil), it.value...)
	}
	next, err := fn(cur)
	if errors.Is(err, ErrUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.items, key)
		return nil
	}
	m.items[key] = m.item(next, ttl)
	return nil
}

// Sweep drops every expired item and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, it := range m.items {
		if !it.expires.IsZero() && !now.Before(it.expires) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// caller holds m.mu.
func (m *Memory) lookup(key string) (memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, key)
		return memItem{}, false
	}
	return it, true
}

func (m *Memory) item(value []byte, ttl time.Duration) memItem {
	it := memItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	return it
}
