// Package identity defines the long-term and medium-term key material of a
// profile: the identity key pair, registration id and prekeys.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of an X25519 public or private key.
	KeySize = curve25519.ScalarSize

	// PublicKeySize is the size of a serialized identity public key: the
	// X25519 agreement key followed by the Ed25519 verification key.
	PublicKeySize = KeySize + ed25519.PublicKeySize
)

var (
	ErrInvalidKey       = errors.New("identity: invalid key")
	ErrInvalidSignature = errors.New("identity: invalid signature")
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public  []byte `json:"pub"`
	Private []byte `json:"priv"`
}

// GenerateKeyPair returns a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Agree computes the X25519 shared secret with a peer public key. Low-order
// peer keys are rejected.
func (kp *KeyPair) Agree(peer []byte) ([]byte, error) {
	if len(peer) != KeySize || len(kp.Private) != KeySize {
		return nil, ErrInvalidKey
	}
	shared, err := curve25519.X25519(kp.Private, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return shared, nil
}

// PublicKey is a peer's long-term identity.
type PublicKey struct {
	DH      []byte
	Signing ed25519.PublicKey
}

// ParsePublicKey decodes a serialized identity public key.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("%w: identity key is %d bytes", ErrInvalidKey, len(b))
	}
	return &PublicKey{
		DH:      bytes.Clone(b[:KeySize]),
		Signing: ed25519.PublicKey(bytes.Clone(b[KeySize:])),
	}, nil
}

// Serialize returns the 64-byte wire form.
func (k *PublicKey) Serialize() []byte {
	out := make([]byte, 0, PublicKeySize)
	out = append(out, k.DH...)
	return append(out, k.Signing...)
}

// Equal reports whether k and other are the same identity.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return bytes.Equal(k.Serialize(), other.Serialize())
}

// Verify checks sig over msg with the signing half of k.
func (k *PublicKey) Verify(msg, sig []byte) error {
	if len(k.Signing) != ed25519.PublicKeySize || !ed25519.Verify(k.Signing, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Fingerprint returns a short human-comparable digest of k, in groups of
// four hex digits.
func (k *PublicKey) Fingerprint() string {
	sum := sha256.Sum256(k.Serialize())
	h := hex.EncodeToString(sum[:16])
	var groups []string
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, " ")
}

// IdentityKeyPair is the profile's long-term identity key pair.
type IdentityKeyPair struct {
	DH      KeyPair            `json:"dh"`
	Signing ed25519.PrivateKey `json:"sig"`
}

// GenerateIdentityKeyPair returns a fresh identity.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	dh, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	_, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	return &IdentityKeyPair{DH: *dh, Signing: sk}, nil
}

// PublicKey returns the public identity.
func (kp *IdentityKeyPair) PublicKey() *PublicKey {
	return &PublicKey{
		DH:      bytes.Clone(kp.DH.Public),
		Signing: bytes.Clone(kp.Signing.Public().(ed25519.PublicKey)),
	}
}

// Sign signs msg with the identity signing key.
func (kp *IdentityKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.Signing, msg)
}

// Validate checks key sizes after decoding from storage.
func (kp *IdentityKeyPair) Validate() error {
	if len(kp.DH.Public) != KeySize || len(kp.DH.Private) != KeySize || len(kp.Signing) != ed25519.PrivateKeySize {
		return ErrInvalidKey
	}
	return nil
}

// GenerateRegistrationID returns a random registration id in [1, 16380].
func GenerateRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("identity: generate registration id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:])%16380 + 1, nil
}
