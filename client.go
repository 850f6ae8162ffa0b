// Package ezo provides a high-level client for the ezo messenger: an
// encrypted local profile plus end-to-end encrypted messaging with friends
// and groups over untrusted relays.
package ezo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/ezoterikus/ezo-go/internal/group"
	"github.com/ezoterikus/ezo-go/internal/identity"
	"github.com/ezoterikus/ezo-go/internal/kdf"
	"github.com/ezoterikus/ezo-go/internal/keystore"
	"github.com/ezoterikus/ezo-go/internal/profile"
	"github.com/ezoterikus/ezo-go/internal/ratchet"
	"github.com/ezoterikus/ezo-go/internal/relay"
	"github.com/ezoterikus/ezo-go/internal/storage"
	"github.com/ezoterikus/ezo-go/internal/vault"
	"github.com/ezoterikus/ezo-go/internal/wire"
)

// Friend is a contact stored in the profile.
type Friend = profile.Friend

// Group is a group chat stored in the profile.
type Group = group.Group

// ChatMessage is one entry of a chat history.
type ChatMessage = profile.Message

// Profile is the user's own profile.
type Profile = profile.Profile

// deviceID is the only device a profile publishes.
const deviceID = 1

var (
	ErrNoRelay = errors.New("ezo: no relay configured")
	ErrSelf    = errors.New("ezo: card belongs to this profile")
)

// Relay is a store-and-forward mailbox service. *relay.Client implements it.
type Relay interface {
	Put(ctx context.Context, to string, msg any) (int, error)
	Get(ctx context.Context, to string) ([]json.RawMessage, int, error)
}

var _ Relay = (*relay.Client)(nil)

// Client is the main entry point for an unlocked profile.
type Client struct {
	dbPath      string
	backend     storage.Backend
	ownsBackend bool
	kdfParams   *kdf.Params
	logger      *log.Logger
	now         func() time.Time

	vault    *vault.Vault
	keys     *keystore.Store
	cipher   *ratchet.SessionCipher
	profile  *profile.Store
	identity *identity.IdentityKeyPair

	mu        sync.Mutex
	me        *profile.Profile
	relayURLs []string
	relays    []Relay
	dialed    []*relay.Client
}

// Option configures a Client.
type Option func(*Client)

// WithDBPath overrides the storage location. See storage.Open for the
// accepted forms; the default is a SQLite database in the data directory.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithBackend uses an already open storage backend. The client does not
// close it.
func WithBackend(b storage.Backend) Option {
	return func(c *Client) { c.backend = b }
}

// WithKDFParams overrides the key-derivation cost used for new writes.
func WithKDFParams(p kdf.Params) Option {
	return func(c *Client) { c.kdfParams = &p }
}

// WithRelay adds a relay transport.
func WithRelay(r Relay) Option {
	return func(c *Client) { c.relays = append(c.relays, r) }
}

// WithRelayURL adds a relay to dial on first use, in addition to the
// relays listed in the profile settings.
func WithRelayURL(url string) Option {
	return func(c *Client) { c.relayURLs = append(c.relayURLs, url) }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock sets the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func newClient(opts []Option) *Client {
	c := &Client{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Manager returns a vault manager over the configured storage, for
// administrative operations such as listing, exporting and importing
// profiles. Close the returned backend when done.
func Manager(opts ...Option) (*vault.Manager, storage.Backend, error) {
	c := newClient(opts)
	if err := c.openBackend(); err != nil {
		return nil, nil, err
	}
	return c.manager(), c.backend, nil
}

func (c *Client) openBackend() error {
	if c.backend != nil {
		return nil
	}
	b, err := storage.Open(c.dbPath)
	if err != nil {
		return fmt.Errorf("client: open storage: %w", err)
	}
	c.backend, c.ownsBackend = b, true
	return nil
}

func (c *Client) manager() *vault.Manager {
	opts := []vault.Option{vault.WithLogger(c.logger), vault.WithClock(c.now)}
	if c.kdfParams != nil {
		opts = append(opts, vault.WithKDFParams(*c.kdfParams))
	}
	return vault.NewManager(c.backend, opts...)
}

// Create creates a new profile protected by password and opens it.
func Create(ctx context.Context, handle, password string, opts ...Option) (*Client, error) {
	return start(ctx, opts, func(m *vault.Manager) (*vault.Vault, error) {
		return m.Create(ctx, handle, password)
	})
}

// Open unlocks an existing profile.
func Open(ctx context.Context, handle, password string, opts ...Option) (*Client, error) {
	return start(ctx, opts, func(m *vault.Manager) (*vault.Vault, error) {
		return m.Open(ctx, handle, password)
	})
}

func start(ctx context.Context, opts []Option, unlock func(*vault.Manager) (*vault.Vault, error)) (*Client, error) {
	c := newClient(opts)
	if err := c.openBackend(); err != nil {
		return nil, err
	}
	v, err := unlock(c.manager())
	if err != nil {
		c.closeBackend()
		return nil, err
	}
	c.vault = v
	if err := c.load(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// load wires the key store, ratchet and profile state onto the open vault.
func (c *Client) load() error {
	c.keys = keystore.New(c.vault)
	created, err := c.keys.Bootstrap()
	if err != nil {
		return fmt.Errorf("client: bootstrap keys: %w", err)
	}
	if created {
		logf(c.logger, "client: generated identity for %q", c.vault.Handle())
	}
	if c.identity, err = c.keys.GetIdentityKeyPair(); err != nil {
		return fmt.Errorf("client: load identity: %w", err)
	}
	c.cipher = ratchet.NewSessionCipher(c.keys, ratchet.WithLogger(c.logger))
	c.profile = profile.New(c.vault, profile.WithClock(c.now), profile.WithLogger(c.logger))
	me, err := c.profile.Load()
	if err != nil {
		return fmt.Errorf("client: load profile: %w", err)
	}
	c.me = me
	for _, u := range me.Settings.Relays {
		if !slices.Contains(c.relayURLs, u) {
			c.relayURLs = append(c.relayURLs, u)
		}
	}
	return nil
}

// Close closes relay connections and locks the profile.
func (c *Client) Close() error {
	c.mu.Lock()
	dialed := c.dialed
	c.dialed, c.relays = nil, nil
	c.mu.Unlock()

	var errs []error
	for _, r := range dialed {
		errs = append(errs, r.Close())
	}
	if c.vault != nil {
		errs = append(errs, c.vault.Close())
	}
	errs = append(errs, c.closeBackend())
	return errors.Join(errs...)
}

func (c *Client) closeBackend() error {
	if c.ownsBackend && c.backend != nil {
		c.ownsBackend = false
		return c.backend.Close()
	}
	return nil
}

// Handle returns the profile handle.
func (c *Client) Handle() string { return c.vault.Handle() }

// Me returns a copy of the user's profile.
func (c *Client) Me() Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.me
}

func (c *Client) inbox() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.me.InboxID
}

// UpdateProfile saves the selected profile fields.
func (c *Client) UpdateProfile(f profile.Fields) error {
	if err := c.profile.SaveFields(f); err != nil {
		return err
	}
	me, err := c.profile.Load()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.me = me
	c.mu.Unlock()
	return nil
}

// Fingerprint returns the printable fingerprint of the identity key.
func (c *Client) Fingerprint() string {
	return c.identity.PublicKey().Fingerprint()
}

// ChangePassword re-keys the profile.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	return c.vault.ChangePassword(ctx, oldPassword, newPassword)
}

// transports returns the relays, dialing configured URLs that are not
// connected yet. A relay that cannot be reached is logged and skipped.
func (c *Client) transports(ctx context.Context) ([]Relay, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.relayURLs
	c.relayURLs = nil
	for _, u := range pending {
		rc, err := relay.Dial(ctx, u, relay.WithLogger(c.logger))
		if err != nil {
			logf(c.logger, "client: relay %s unreachable: %v", u, err)
			c.relayURLs = append(c.relayURLs, u)
			continue
		}
		c.dialed = append(c.dialed, rc)
		c.relays = append(c.relays, rc)
	}
	if len(c.relays) == 0 {
		return nil, ErrNoRelay
	}
	return slices.Clone(c.relays), nil
}

// deliver puts pkt into inbox on every relay. It succeeds if at least
// one relay accepted the packet.
func (c *Client) deliver(ctx context.Context, inbox string, pkt *wire.Packet) error {
	relays, err := c.transports(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range relays {
		if _, err := r.Put(ctx, inbox, pkt); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(relays) {
		return fmt.Errorf("client: deliver: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		logf(c.logger, "client: deliver: %v", err)
	}
	return nil
}

func publicKey(pubB64 string) ([]byte, error) {
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil || len(pub) != identity.KeySize {
		return nil, fmt.Errorf("%w: public key", wire.ErrBadCard)
	}
	return pub, nil
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// ReadFile returns a raw file from the profile vault.
func (c *Client) ReadFile(path string) ([]byte, error) {
	return c.vault.Get(path)
}

// WriteFile stores a raw file in the profile vault.
func (c *Client) WriteFile(path string, data []byte) error {
	return c.vault.Put(path, data)
}

// ListFiles returns the vault paths starting with prefix.
func (c *Client) ListFiles(prefix string) ([]string, error) {
	return c.vault.List(prefix)
}
