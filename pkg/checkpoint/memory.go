package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps cursors for the lifetime of the process. It is meant for
// embedding the relay in tests or in programs that persist elsewhere.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]string
	saves   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]string)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cursor, ok := m.cursors[key]
	return cursor, ok, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, key, cursor string) error {
	if cursor == "" {
		return ErrEmptyCursor
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[key] = cursor
	m.saves++
	recordWrite("memory", nil)
	return nil
}

// Saves returns the number of successful Save calls.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
