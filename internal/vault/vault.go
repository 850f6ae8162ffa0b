package vault

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/awnumar/memguard"

	"github.com/ezoterikus/ezo-go/internal/envelope"
	"github.com/ezoterikus/ezo-go/internal/kdf"
)

// Meta is bundle metadata stored alongside the files.
type Meta struct {
	CreatedAt     int64 `json:"createdAt"`
	ChangedAt     int64 `json:"changedAt,omitempty"`
	FormatVersion int   `json:"formatVersion"`
}

// Bundle is the decrypted content of a vault.
type Bundle struct {
	Files map[string][]byte `json:"files"`
	Meta  Meta              `json:"meta"`
}

func (b *Bundle) clone() *Bundle {
	return &Bundle{Files: maps.Clone(b.Files), Meta: b.Meta}
}

// Vault is an unlocked profile. All methods are safe for concurrent use;
// mutations are serialized and each one is persisted before it returns.
type Vault struct {
	m      *Manager
	handle string

	mu     sync.Mutex
	key    *memguard.LockedBuffer
	salt   []byte
	params kdf.Params
	bundle *Bundle
	closed bool
}

// newVault takes ownership of key and wipes the caller's copy.
func newVault(m *Manager, handle string, key, salt []byte, params kdf.Params, b *Bundle) *Vault {
	return &Vault{
		m:      m,
		handle: handle,
		key:    memguard.NewBufferFromBytes(key),
		salt:   salt,
		params: params,
		bundle: b,
	}
}

// Handle returns the profile handle.
func (v *Vault) Handle() string { return v.handle }

// Params returns the KDF parameters the vault is currently sealed with.
func (v *Vault) Params() kdf.Params {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.params
}

// Meta returns the bundle metadata.
func (v *Vault) Meta() (Meta, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return Meta{}, ErrClosed
	}
	return v.bundle.Meta, nil
}

// persist seals b under the live key with a fresh nonce and writes it.
func (v *Vault) persist(b *Bundle) error {
	plaintext, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	nonce, ct, err := envelope.Seal(v.key.Bytes(), plaintext, nil)
	zero(plaintext)
	if err != nil {
		return err
	}
	data, err := envelope.NewFile(v.handle, v.params, v.salt, nonce, ct).Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return v.m.backend.Put(profileKey(v.handle), data)
}

// mutate applies fn to a copy of the bundle, persists the copy and only
// then makes it current.
func (v *Vault) mutate(op string, fn func(b *Bundle)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	next := v.bundle.clone()
	fn(next)
	if err := v.persist(next); err != nil {
		return fmt.Errorf("vault: %s: %w", op, err)
	}
	v.bundle = next
	return nil
}

func validPath(path string) error {
	if path == "" || !utf8.ValidString(path) {
		return ErrInvalidPath
	}
	return nil
}

// Get returns a copy of the file at path.
func (v *Vault) Get(path string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	data, ok := v.bundle.Files[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Put stores data at path and persists the vault.
func (v *Vault) Put(path string, data []byte) error {
	if err := validPath(path); err != nil {
		return err
	}
	data = append([]byte{}, data...)
	return v.mutate("put", func(b *Bundle) { b.Files[path] = data })
}

// Delete removes path and persists the vault. Deleting a missing path is
// not an error.
func (v *Vault) Delete(path string) error {
	return v.mutate("delete", func(b *Bundle) { delete(b.Files, path) })
}

// List returns the sorted paths that start with prefix.
func (v *Vault) List(prefix string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	var paths []string
	for p := range v.bundle.Files {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// ChangePassword re-keys the vault. The old password is verified against
// the live key; the new key gets a fresh salt and the manager's canonical
// parameters. The live key only changes after the new envelope is written.
func (v *Vault) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	if newPassword == "" {
		return ErrEmptyPassword
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}

	check, err := kdf.DeriveContext(ctx, normalizePassword(oldPassword), v.salt, v.params)
	if err != nil {
		return fmt.Errorf("vault: change password: %w", err)
	}
	ok := subtle.ConstantTimeCompare(check, v.key.Bytes()) == 1
	zero(check)
	if !ok {
		return ErrWrongPassword
	}

	salt, err := newSalt()
	if err != nil {
		return err
	}
	key, err := kdf.DeriveContext(ctx, normalizePassword(newPassword), salt, v.m.params)
	if err != nil {
		return fmt.Errorf("vault: change password: %w", err)
	}

	prev := struct {
		key    *memguard.LockedBuffer
		salt   []byte
		params kdf.Params
	}{v.key, v.salt, v.params}

	next := v.bundle.clone()
	next.Meta.ChangedAt = v.m.now().UnixMilli()

	v.key, v.salt, v.params = memguard.NewBufferFromBytes(key), salt, v.m.params
	if err := v.persist(next); err != nil {
		v.key.Destroy()
		v.key, v.salt, v.params = prev.key, prev.salt, prev.params
		return fmt.Errorf("vault: change password: %w", err)
	}
	prev.key.Destroy()
	v.bundle = next
	logf(v.m.logger, "vault: password changed for %q", v.handle)
	return nil
}

// Close wipes the key. Further operations return ErrClosed.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.destroyKey()
	v.bundle = nil
	v.closed = true
	v.m.release(v.handle)
	return nil
}

func (v *Vault) destroyKey() {
	if v.key != nil {
		v.key.Destroy()
	}
}
