// Package store provides the persistent list backends used by the update
// queues. Each backend stores an ordered list of strings per key and replaces
// the whole list on save.
package store

import (
	"context"
	"sync"
)

// MemoryList keeps lists in process memory. It is used for tests and dry runs.
type MemoryList struct {
	mu    sync.Mutex
	lists map[string][]string

	// LoadErr and SaveErr, when set, are returned by every Load or Save.
	LoadErr error
	SaveErr error
	saves   int
}

// NewMemoryList creates an empty in-memory list store.
func NewMemoryList() *MemoryList {
	return &MemoryList{lists: make(map[string][]string)}
}

// Load returns a copy of the list stored under key.
func (m *MemoryList) Load(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return append([]string(nil), m.lists[key]...), nil
}

// Save replaces the list stored under key.
func (m *MemoryList) Save(ctx context.Context, key string, values []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.lists[key] = append([]string(nil), values...)
	return nil
}

// Saves returns how many Save calls were made.
func (m *MemoryList) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Close is a no-op.
func (m *MemoryList) Close() error { return nil }
