package cache

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Load returns a copy of the entry under key
func (m *MemoryStore) Load(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	e.Value = append([]byte(nil), e.Value...)
	return &e, nil
}

// Save replaces the entry under key (last writer wins)
func (m *MemoryStore) Save(_ context.Context, key string, entry *Entry) error {
	e := Entry{
		Value:    append([]byte(nil), entry.Value...),
		StoredAt: entry.StoredAt,
	}

	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}
