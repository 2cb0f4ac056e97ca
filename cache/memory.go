// ABOUTME: In-process cache tier
// ABOUTME: Fastest tier, lost on restart
package cache

import (
	"context"
	"sync"
)

// Memory keeps entries in a map guarded by a mutex.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemory creates an empty memory tier.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry)}
}

func (m *Memory) Load(_ context.Context, scope string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[scope]
	if !ok {
		return nil, ErrMiss
	}
	return e.clone(), nil
}

func (m *Memory) Save(_ context.Context, scope string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[scope] = entry.clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, scope)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
	return nil
}
