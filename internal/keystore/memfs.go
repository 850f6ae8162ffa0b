package keystore

import (
	"slices"
	"strings"
	"sync"

	"github.com/ezoterikus/ezo-go/internal/vault"
)

// MemoryFS is an in-memory FS for tests and ephemeral profiles.
type MemoryFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

var _ FS = (*MemoryFS)(nil)

// NewMemoryFS returns an empty MemoryFS.
func NewMemoryFS() *MemoryFS {
	return &MemoryFS{files: make(map[string][]byte)}
}

func (m *MemoryFS) Get(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return slices.Clone(data), nil
}

func (m *MemoryFS) Put(path string, data []byte) error {
	m.mu.Lock()
	m.files[path] = append([]byte{}, data...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryFS) Delete(path string) error {
	m.mu.Lock()
	delete(m.files, path)
	m.mu.Unlock()
	return nil
}

func (m *MemoryFS) List(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out, nil
}
