// Package storage provides the flat key/value namespace that vault
// envelopes and the vault index are persisted in.
package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

// ErrNotFound is returned by Get for a key that does not exist.
var ErrNotFound = errors.New("storage: not found")

// Backend is a durable key/value store. Put must replace the value
// atomically: readers observe either the old value or the new one.
type Backend interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

// DefaultDataDir returns the default data directory for ezo databases.
// Uses $XDG_DATA_HOME/ezo, falling back to ~/.local/share/ezo.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := homedir.Dir()
		if err != nil {
			home = "."
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "ezo")
}

// Open picks a backend from a location string: "mem:" for an in-memory
// store, "dir:<path>" for a directory of files, and anything else as a
// SQLite database path ("" selects the default database).
func Open(location string) (Backend, error) {
	switch {
	case location == "mem:":
		return NewMemory(), nil
	case strings.HasPrefix(location, "dir:"):
		return OpenDir(strings.TrimPrefix(location, "dir:"))
	default:
		return OpenSQLite(location)
	}
}
