// Package keystore keeps the identity key, prekeys, sessions and peer trust
// records of a profile as files inside its vault.
package keystore

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/ezoterikus/ezo-go/internal/identity"
	"github.com/ezoterikus/ezo-go/internal/vault"
)

// Address identifies a peer device.
type Address struct {
	Name     string
	DeviceID uint32
}

func (a Address) String() string {
	return a.Name + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// pathSegment makes an address safe to embed in a vault path.
func (a Address) pathSegment() string {
	return url.PathEscape(a.Name) + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// SessionStore stores opaque session records keyed by peer address.
type SessionStore interface {
	LoadSession(address Address) ([]byte, error)
	StoreSession(address Address, record []byte) error
	DeleteSession(address Address) error
}

// IdentityKeyStore manages the local identity key and remote identity trust.
type IdentityKeyStore interface {
	GetIdentityKeyPair() (*identity.IdentityKeyPair, error)
	SaveIdentityKeyPair(kp *identity.IdentityKeyPair) error
	GetLocalRegistrationID() (uint32, error)
	SaveRegistrationID(id uint32) error
	IsTrustedIdentity(address Address, key *identity.PublicKey) (bool, error)
	SaveIdentity(address Address, key *identity.PublicKey) (bool, error)
	GetIdentity(address Address) (*identity.PublicKey, error)
}

// PreKeyStore stores one-time pre-key records.
type PreKeyStore interface {
	LoadPreKey(id uint32) (*identity.PreKeyRecord, error)
	StorePreKey(id uint32, record *identity.PreKeyRecord) error
	RemovePreKey(id uint32) error
}

// SignedPreKeyStore stores signed pre-key records.
type SignedPreKeyStore interface {
	LoadSignedPreKey(id uint32) (*identity.SignedPreKeyRecord, error)
	StoreSignedPreKey(id uint32, record *identity.SignedPreKeyRecord) error
}

// KyberPreKeyStore stores Kyber pre-key records.
type KyberPreKeyStore interface {
	LoadKyberPreKey(id uint32) (*identity.KyberPreKeyRecord, error)
	StoreKyberPreKey(id uint32, record *identity.KyberPreKeyRecord) error
	MarkKyberPreKeyUsed(id uint32) error
}

// ProtocolStore is everything a session cipher needs.
type ProtocolStore interface {
	IdentityKeyStore
	PreKeyStore
	SignedPreKeyStore
	KyberPreKeyStore
	SessionStore
}

// FS is the file namespace the store persists into. *vault.Vault
// satisfies it; Get must return vault.ErrNotFound for a missing path.
type FS interface {
	Get(path string) ([]byte, error)
	Put(path string, data []byte) error
	Delete(path string) error
	List(prefix string) ([]string, error)
}

const (
	dir           = "signal/"
	identityPath  = dir + "idkp.json"
	regPath       = dir + "reg.json"
	preKeyDir     = dir + "prekeys/"
	signedDir     = dir + "spk/"
	kyberDir      = dir + "kyber/"
	sessionDir    = dir + "sessions/"
	trustedDir    = dir + "ident/"
	sessionSuffix = ".bin"
	trustedSuffix = ".b64"
	recordSuffix  = ".json"
)

// ErrNoIdentity is returned before Bootstrap has created an identity.
var ErrNoIdentity = errors.New("keystore: identity key pair not set")

// Store implements ProtocolStore over an FS.
type Store struct {
	fs FS
	mu sync.Mutex // guards trust check-and-record and kyber updates
}

// Compile-time interface checks.
var (
	_ SessionStore      = (*Store)(nil)
	_ IdentityKeyStore  = (*Store)(nil)
	_ PreKeyStore       = (*Store)(nil)
	_ SignedPreKeyStore = (*Store)(nil)
	_ KyberPreKeyStore  = (*Store)(nil)
	_ FS                = (*vault.Vault)(nil)
)

// New returns a Store persisting into fs.
func New(fs FS) *Store {
	return &Store{fs: fs}
}

// Bootstrap ensures an identity key pair and registration id exist,
// generating them on first use. It reports whether anything was created.
func (s *Store) Bootstrap() (bool, error) {
	created := false
	if _, err := s.GetIdentityKeyPair(); errors.Is(err, ErrNoIdentity) {
		kp, err := identity.GenerateIdentityKeyPair()
		if err != nil {
			return false, err
		}
		if err := s.SaveIdentityKeyPair(kp); err != nil {
			return false, err
		}
		created = true
	} else if err != nil {
		return false, err
	}

	if id, err := s.GetLocalRegistrationID(); err != nil {
		return false, err
	} else if id == 0 {
		id, err := identity.GenerateRegistrationID()
		if err != nil {
			return false, err
		}
		if err := s.SaveRegistrationID(id); err != nil {
			return false, err
		}
		created = true
	}
	return created, nil
}

// get reads path, mapping a missing file to nil, nil.
func (s *Store) get(path string) ([]byte, error) {
	data, err := s.fs.Get(path)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	return data, nil
}

func idPath(prefix string, id uint32) string {
	return prefix + strconv.FormatUint(uint64(id), 10) + recordSuffix
}
