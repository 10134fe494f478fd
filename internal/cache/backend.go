package cache

import (
	"context"
	"sync"

	"github.com/roach88/tracereplay/internal/model"
)

// Backend stores cache entries. Policy (TTL, eviction, access accounting)
// lives in Cache; backends only persist what they are given.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (model.CacheEntry, bool, error)
	Put(ctx context.Context, entry model.CacheEntry) error
	Delete(ctx context.Context, keys ...string) error
	List(ctx context.Context) ([]model.CacheEntry, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// MemoryBackend keeps entries in a process-local map.
//
// Thread-safety: MemoryBackend is safe for concurrent use via internal mutex.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]model.CacheEntry
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]model.CacheEntry)}
}

// Name identifies the backend in stats.
func (m *MemoryBackend) Name() string { return "memory" }

// Get returns the entry stored under key.
func (m *MemoryBackend) Get(_ context.Context, key string) (model.CacheEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

// Put stores entry under entry.Key.
func (m *MemoryBackend) Put(_ context.Context, entry model.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Key] = entry
	return nil
}

// Delete removes keys; missing keys are ignored.
func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// List returns a snapshot of all entries.
func (m *MemoryBackend) List(_ context.Context) ([]model.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CacheEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

// Len returns the number of entries.
func (m *MemoryBackend) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Clear removes every entry.
func (m *MemoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]model.CacheEntry)
	return nil
}
