package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dir is a Backend that keeps one file per key. Values are written to a
// temporary file and renamed into place.
type Dir struct {
	root string
}

var _ Backend = (*Dir)(nil)

// OpenDir opens or creates a directory backend rooted at root.
func OpenDir(root string) (*Dir, error) {
	if root == "" {
		root = filepath.Join(DefaultDataDir(), "kv")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	return &Dir{root: root}, nil
}

// Keys may contain separators, so file names are base64url encoded.
func (d *Dir) path(key string) string {
	return filepath.Join(d.root, base64.RawURLEncoding.EncodeToString([]byte(key)))
}

// Get returns the value stored under key.
func (d *Dir) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return data, nil
}

// Put atomically replaces the file for key.
func (d *Dir) Put(key string, value []byte) error {
	tmp, err := os.CreateTemp(d.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: put %q: write: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: put %q: sync: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: put %q: close: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), d.path(key)); err != nil {
		return fmt.Errorf("storage: put %q: rename: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (d *Dir) Delete(key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

// Keys returns all keys starting with prefix, sorted.
func (d *Dir) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("storage: list keys: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		k, err := base64.RawURLEncoding.DecodeString(e.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(string(k), prefix) {
			keys = append(keys, string(k))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op.
func (d *Dir) Close() error { return nil }
