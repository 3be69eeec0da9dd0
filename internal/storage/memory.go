package storage

import (
	"context"
	"sync"

	"capsync/internal/capsync"
)

// MemoryStore is an in-memory implementation of capsync.ByteStore.
// It is useful for testing and for ephemeral sessions.
// This implementation is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	events notifier
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores a copy of value under key.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()

	m.events.notify(key)
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	_, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if existed {
		m.events.notify(key)
	}
	return nil
}

// OnChanged registers a change listener.
func (m *MemoryStore) OnChanged(fn func(key string)) {
	m.events.add(fn)
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// Compile-time check that MemoryStore implements capsync.ByteStore
var _ capsync.ByteStore = (*MemoryStore)(nil)
