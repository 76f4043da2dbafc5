package sentinel

import (
	"context"
	"sync"
)

// MemoryStore keeps the sentinel in memory, for testing.
type MemoryStore struct {
	mu     sync.RWMutex
	s      *Sentinel
	saves  int
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s Sentinel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.s = &s
	m.saves++
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context) (Sentinel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Sentinel{}, ErrStoreClosed
	}
	if m.s == nil {
		return Sentinel{}, ErrNotFound
	}
	return *m.s, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.s = nil
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
