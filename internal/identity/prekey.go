package identity

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// PreKeyRecord is a one-time prekey. It is deleted once consumed.
type PreKeyRecord struct {
	ID      uint32  `json:"id"`
	KeyPair KeyPair `json:"keyPair"`
}

// SignedPreKeyRecord is a medium-term prekey signed by the identity key.
type SignedPreKeyRecord struct {
	ID        uint32  `json:"id"`
	Timestamp int64   `json:"ts"`
	KeyPair   KeyPair `json:"keyPair"`
	Signature []byte  `json:"sig"`
}

// KyberPreKeyRecord is an ML-KEM-768 prekey signed by the identity key.
// Last-resort keys are kept after use and only marked.
type KyberPreKeyRecord struct {
	ID         uint32 `json:"id"`
	Timestamp  int64  `json:"ts"`
	PublicKey  []byte `json:"pub"`
	PrivateKey []byte `json:"priv"`
	Signature  []byte `json:"sig"`
	LastResort bool   `json:"lastResort"`
	Used       bool   `json:"used"`
}

// GeneratePreKeyID returns a random non-zero 24-bit id.
func GeneratePreKeyID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("identity: generate prekey id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:])%0xFFFFFE + 1, nil
}

// GeneratePreKey returns a one-time prekey with the given id.
func GeneratePreKey(id uint32) (*PreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate pre-key: %w", err)
	}
	return &PreKeyRecord{ID: id, KeyPair: *kp}, nil
}

// GenerateSignedPreKey returns a signed prekey with the given id.
func GenerateSignedPreKey(idkp *IdentityKeyPair, id uint32, now time.Time) (*SignedPreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate signed pre-key: %w", err)
	}
	return &SignedPreKeyRecord{
		ID:        id,
		Timestamp: now.UnixMilli(),
		KeyPair:   *kp,
		Signature: idkp.Sign(kp.Public),
	}, nil
}

// GenerateKyberPreKey returns a signed ML-KEM-768 prekey.
func GenerateKyberPreKey(idkp *IdentityKeyPair, id uint32, lastResort bool, now time.Time) (*KyberPreKeyRecord, error) {
	pub, priv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate Kyber key: %w", err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("identity: serialize Kyber pub: %w", err)
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("identity: serialize Kyber priv: %w", err)
	}
	return &KyberPreKeyRecord{
		ID:         id,
		Timestamp:  now.UnixMilli(),
		PublicKey:  pubBytes,
		PrivateKey: privBytes,
		Signature:  idkp.Sign(pubBytes),
		LastResort: lastResort,
	}, nil
}

// KyberEncapsulate produces a ciphertext and shared secret for a peer's
// ML-KEM-768 public key.
func KyberEncapsulate(pub []byte) (ciphertext, shared []byte, err error) {
	scheme := mlkem768.Scheme()
	pk, err := scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kyber public key: %v", ErrInvalidKey, err)
	}
	ct, ss, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: kyber encapsulate: %w", err)
	}
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a ciphertext addressed to r.
func (r *KyberPreKeyRecord) Decapsulate(ciphertext []byte) ([]byte, error) {
	scheme := mlkem768.Scheme()
	sk, err := scheme.UnmarshalBinaryPrivateKey(r.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: kyber private key: %v", ErrInvalidKey, err)
	}
	if len(ciphertext) != scheme.CiphertextSize() {
		return nil, fmt.Errorf("%w: kyber ciphertext is %d bytes", ErrInvalidKey, len(ciphertext))
	}
	ss, err := scheme.Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("identity: kyber decapsulate: %w", err)
	}
	return ss, nil
}
