package storage

import (
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Backend. A put hook can be installed to inject
// write failures.
type Memory struct {
	mu      sync.Mutex
	data    map[string][]byte
	putHook func(key string, value []byte) error
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// SetPutHook installs fn to run before every Put. A non-nil error from fn
// aborts the Put and leaves the stored value unchanged.
func (m *Memory) SetPutHook(fn func(key string, value []byte) error) {
	m.mu.Lock()
	m.putHook = fn
	m.mu.Unlock()
}

// Get returns a copy of the value stored under key.
func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores a copy of value under key.
func (m *Memory) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putHook != nil {
		if err := m.putHook(key, value); err != nil {
			return err
		}
	}
	m.data[key] = append([]byte{}, value...)
	return nil
}

// Delete removes key.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Keys returns all keys starting with prefix, sorted.
func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
