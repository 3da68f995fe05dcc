package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store backed by a mutex-guarded map.  Suitable
// for the demo and for tests; state does not survive a restart.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFunc func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		nowFunc: time.Now,
	}
}

func (m *Memory) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}

func memoryKey(kind, id string) string {
	return kind + "/" + id
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, kind, id string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[memoryKey(kind, id)] = memoryEntry{
		value:     cp,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

// Get implements Store.  Expired entries are reclaimed lazily on read and
// reported as ErrNotFound.
func (m *Memory) Get(_ context.Context, kind, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(kind, id)
}

func (m *Memory) get(kind, id string) ([]byte, error) {
	key := memoryKey(kind, id)
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.After(m.now()) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, nil
}

// Take implements Store.  The read and delete happen under one lock, so a
// record can be taken exactly once.
func (m *Memory) Take(_ context.Context, kind, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.get(kind, id)
	if err != nil {
		return nil, err
	}
	delete(m.entries, memoryKey(kind, id))
	return v, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memoryKey(kind, id))
	return nil
}

// SweepExpired implements Store.
func (m *Memory) SweepExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var swept int
	for key, e := range m.entries {
		if !e.expiresAt.After(now) {
			delete(m.entries, key)
			swept++
		}
	}
	return swept, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}
