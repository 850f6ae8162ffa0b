package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// SQLite is a Backend stored in a single SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens or creates a SQLite backend at the given path.
// If dbPath is empty, it defaults to DefaultDataDir()/ezo.db.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "ezo.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Get returns the value stored under key.
func (s *SQLite) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return value, nil
}

// Put stores value under key in a single statement.
func (s *SQLite) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.Exec("INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLite) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

// Keys returns all keys starting with prefix, sorted.
func (s *SQLite) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key", prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("storage: list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
