package kvstore

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is the in-process Store used in single-instance mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	closed  bool
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Used by tests to expire keys deterministically.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// lookup returns the live entry for key, pruning it when expired. Caller holds mu.
func (m *MemoryStore) lookup(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[key] = memoryEntry{value: bytes.Clone(value), expiresAt: expiry(m.now(), ttl)}
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: bytes.Clone(value), expiresAt: expiry(m.now(), ttl)}
	return true, nil
}

func (m *MemoryStore) CompareAndExtend(_ context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	e.expiresAt = expiry(m.now(), ttl)
	m.entries[key] = e
	return true, nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte)
	for key := range m.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e, ok := m.lookup(key); ok {
			out[key] = bytes.Clone(e.value)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = make(map[string]memoryEntry)
	return nil
}
