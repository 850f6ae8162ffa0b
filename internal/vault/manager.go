// Package vault stores a password-protected bundle of files per profile.
//
// Each profile is one AES-256-GCM envelope keyed by Argon2id. The whole
// bundle is re-encrypted with a fresh nonce and persisted on every mutation.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/ezoterikus/ezo-go/internal/envelope"
	"github.com/ezoterikus/ezo-go/internal/kdf"
	"github.com/ezoterikus/ezo-go/internal/storage"
)

const (
	indexKey      = "ezo:index"
	profilePrefix = "ezo:profile:"
	saltSize      = 16
)

var (
	ErrWrongPassword = errors.New("vault: wrong password")
	ErrCorrupt       = errors.New("vault: archive corrupted")
	ErrNotFound      = errors.New("vault: not found")
	ErrExists        = errors.New("vault: profile already exists")
	ErrClosed        = errors.New("vault: closed")
	ErrInvalidHandle = errors.New("vault: invalid handle")
	ErrInvalidPath   = errors.New("vault: invalid path")
	ErrEmptyPassword = errors.New("vault: empty password")
	ErrAlreadyOpen   = errors.New("vault: profile already open")
)

// Manager creates, opens and administers vaults in a storage backend.
type Manager struct {
	backend storage.Backend
	params  kdf.Params
	logger  *log.Logger
	now     func() time.Time

	mu sync.Mutex // serializes index read-modify-write

	openMu sync.Mutex
	open   map[string]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithKDFParams overrides the canonical KDF parameters for new writes.
func WithKDFParams(p kdf.Params) Option {
	return func(m *Manager) { m.params = p }
}

// WithLogger sets a logger for vault lifecycle events.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock sets the time source used for bundle metadata.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager over backend.
func NewManager(backend storage.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		params:  kdf.Canonical,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func profileKey(handle string) string { return profilePrefix + handle }

func validHandle(handle string) error {
	if handle == "" || !utf8.ValidString(handle) {
		return ErrInvalidHandle
	}
	return nil
}

// normalizePassword applies NFKC so visually identical passwords typed on
// different keyboards derive the same key.
func normalizePassword(password string) []byte {
	return []byte(norm.NFKC.String(password))
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: generate salt: %w", err)
	}
	return salt, nil
}

// Create initializes a new vault for handle, persists it and registers it
// in the index.
func (m *Manager) Create(ctx context.Context, handle, password string) (*Vault, error) {
	if err := validHandle(handle); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, ErrEmptyPassword
	}
	// An open handle necessarily exists.
	if err := m.claim(handle); err != nil {
		return nil, ErrExists
	}
	v, err := m.create(ctx, handle, password)
	if err != nil {
		m.release(handle)
		return nil, err
	}
	return v, nil
}

func (m *Manager) create(ctx context.Context, handle, password string) (*Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.backend.Get(profileKey(handle)); err == nil {
		return nil, ErrExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("vault: create: %w", err)
	}

	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	key, err := kdf.DeriveContext(ctx, normalizePassword(password), salt, m.params)
	if err != nil {
		return nil, fmt.Errorf("vault: create: %w", err)
	}

	v := newVault(m, handle, key, salt, m.params, m.initialBundle(handle))
	if err := v.persist(v.bundle); err != nil {
		v.destroyKey()
		return nil, fmt.Errorf("vault: create: %w", err)
	}
	if err := m.addToIndex(handle); err != nil {
		v.destroyKey()
		return nil, fmt.Errorf("vault: create: %w", err)
	}
	logf(m.logger, "vault: created %q with %s", handle, m.params)
	return v, nil
}

const defaultSettings = `{"autoPoll":false,"pollMs":5000,"relays":[]}`

func (m *Manager) initialBundle(handle string) *Bundle {
	return &Bundle{
		Files: map[string][]byte{
			"profile/name":          []byte(handle),
			"profile/settings.json": []byte(defaultSettings),
			"profile/inbox.txt":     []byte(uuid.NewString()),
			"friends/_deleted.json": []byte("[]"),
		},
		Meta: Meta{
			CreatedAt:     m.now().UnixMilli(),
			FormatVersion: envelope.FormatVersion,
		},
	}
}

// Open unlocks the vault for handle. It distinguishes a missing profile,
// a structurally damaged archive and a wrong password. A handle that is
// already open in m returns ErrAlreadyOpen until that Vault is closed.
func (m *Manager) Open(ctx context.Context, handle, password string) (*Vault, error) {
	if err := validHandle(handle); err != nil {
		return nil, err
	}
	if err := m.claim(handle); err != nil {
		return nil, err
	}
	v, err := m.unlock(ctx, handle, password)
	if err != nil {
		m.release(handle)
		return nil, err
	}
	return v, nil
}

func (m *Manager) unlock(ctx context.Context, handle, password string) (*Vault, error) {
	f, err := m.load(handle)
	if err != nil {
		return nil, err
	}

	params := f.Params()
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	key, err := kdf.DeriveContext(ctx, normalizePassword(password), f.Salt(), params)
	if err != nil {
		return nil, fmt.Errorf("vault: open: %w", err)
	}

	plaintext, err := envelope.Open(key, f.Nonce(), f.Ciphertext(), nil)
	if err != nil {
		zero(key)
		if errors.Is(err, envelope.ErrMalformedEnvelope) {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil, ErrWrongPassword
	}

	var b Bundle
	err = json.Unmarshal(plaintext, &b)
	zero(plaintext)
	if err != nil {
		zero(key)
		return nil, fmt.Errorf("%w: bundle: %v", ErrCorrupt, err)
	}
	if b.Files == nil {
		b.Files = make(map[string][]byte)
	}

	logf(m.logger, "vault: opened %q", handle)
	return newVault(m, handle, key, f.Salt(), params, &b), nil
}

// claim marks handle as open. A Manager hands out one Vault per handle at
// a time, because every mutation rewrites the whole bundle.
func (m *Manager) claim(handle string) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()
	if m.open[handle] {
		return fmt.Errorf("%w: %q", ErrAlreadyOpen, handle)
	}
	if m.open == nil {
		m.open = make(map[string]bool)
	}
	m.open[handle] = true
	return nil
}

func (m *Manager) release(handle string) {
	m.openMu.Lock()
	delete(m.open, handle)
	m.openMu.Unlock()
}

func (m *Manager) load(handle string) (*envelope.File, error) {
	raw, err := m.backend.Get(profileKey(handle))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: load %q: %w", handle, err)
	}
	f, err := envelope.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return f, nil
}

type index struct {
	Profiles []string `json:"profiles"`
}

func (m *Manager) readIndex() (*index, error) {
	raw, err := m.backend.Get(indexKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &index{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		// A damaged index is rebuilt from the profile keys.
		logf(m.logger, "vault: index unreadable, rebuilding: %v", err)
		return m.rebuildIndex()
	}
	return &idx, nil
}

func (m *Manager) rebuildIndex() (*index, error) {
	keys, err := m.backend.Keys(profilePrefix)
	if err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	idx := &index{}
	for _, k := range keys {
		idx.Profiles = append(idx.Profiles, k[len(profilePrefix):])
	}
	return idx, nil
}

func (m *Manager) writeIndex(idx *index) error {
	if idx.Profiles == nil {
		idx.Profiles = []string{}
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := m.backend.Put(indexKey, data); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (m *Manager) addToIndex(handle string) error {
	idx, err := m.readIndex()
	if err != nil {
		return err
	}
	if slices.Contains(idx.Profiles, handle) {
		return nil
	}
	idx.Profiles = append(idx.Profiles, handle)
	return m.writeIndex(idx)
}

// List returns the registered profile handles in creation order.
func (m *Manager) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, err := m.readIndex()
	if err != nil {
		return nil, fmt.Errorf("vault: list: %w", err)
	}
	return idx.Profiles, nil
}

// Remove deletes the vault for handle and drops it from the index.
func (m *Manager) Remove(handle string) error {
	m.openMu.Lock()
	open := m.open[handle]
	m.openMu.Unlock()
	if open {
		return fmt.Errorf("%w: %q", ErrAlreadyOpen, handle)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.backend.Delete(profileKey(handle)); err != nil {
		return fmt.Errorf("vault: remove: %w", err)
	}
	idx, err := m.readIndex()
	if err != nil {
		return fmt.Errorf("vault: remove: %w", err)
	}
	idx.Profiles = slices.DeleteFunc(idx.Profiles, func(h string) bool { return h == handle })
	if err := m.writeIndex(idx); err != nil {
		return fmt.Errorf("vault: remove: %w", err)
	}
	logf(m.logger, "vault: removed %q", handle)
	return nil
}

// Export returns the raw sealed envelope for handle.
func (m *Manager) Export(handle string) ([]byte, error) {
	raw, err := m.backend.Get(profileKey(handle))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: export: %w", err)
	}
	return raw, nil
}

// Import stores an exported envelope after a structural check and returns
// its handle. The password is not needed; the archive stays sealed.
func (m *Manager) Import(raw []byte) (string, error) {
	f, err := envelope.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := validHandle(f.Handle); err != nil {
		return "", fmt.Errorf("%w: missing handle", ErrCorrupt)
	}
	if err := f.Params().Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.backend.Get(profileKey(f.Handle)); err == nil {
		return "", ErrExists
	}
	if err := m.backend.Put(profileKey(f.Handle), raw); err != nil {
		return "", fmt.Errorf("vault: import: %w", err)
	}
	if err := m.addToIndex(f.Handle); err != nil {
		return "", fmt.Errorf("vault: import: %w", err)
	}
	return f.Handle, nil
}

// Info is the non-secret metadata of a stored vault.
type Info struct {
	Handle        string
	FormatVersion int
	KDF           kdf.Params
	SaltSize      int
	Size          int
}

// Inspect returns metadata about the stored envelope without decrypting it.
func (m *Manager) Inspect(handle string) (*Info, error) {
	f, err := m.load(handle)
	if err != nil {
		return nil, err
	}
	return &Info{
		Handle:        handle,
		FormatVersion: f.FormatVersion,
		KDF:           f.Params(),
		SaltSize:      len(f.Salt()),
		Size:          len(f.Ciphertext()),
	}, nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
