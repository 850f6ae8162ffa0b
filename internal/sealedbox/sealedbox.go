// Package sealedbox encrypts one-shot messages to a recipient's static
// X25519 key without any prior session, using an ephemeral sender key.
//
// The ephemeral public key is authenticated as associated data. Boxes
// sealed without associated data, as older web clients produce, do not
// open.
package sealedbox

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/ezoterikus/ezo-go/internal/envelope"
	"github.com/ezoterikus/ezo-go/internal/identity"
)

const info = "sealed-box"

// ErrDecryptionFailed is returned for any failure to open a packet.
var ErrDecryptionFailed = errors.New("sealedbox: decryption failed")

// Packet is a sealed message. Its JSON form is
// {"ephPub": ..., "iv": ..., "ct": ...} with base64 fields.
type Packet struct {
	EphemeralPublic []byte
	Nonce           []byte
	Ciphertext      []byte
}

type packetJSON struct {
	EphPub string `json:"ephPub"`
	IV     string `json:"iv"`
	CT     string `json:"ct"`
}

// MarshalJSON implements json.Marshaler.
func (p *Packet) MarshalJSON() ([]byte, error) {
	return json.Marshal(packetJSON{
		EphPub: base64.StdEncoding.EncodeToString(p.EphemeralPublic),
		IV:     base64.StdEncoding.EncodeToString(p.Nonce),
		CT:     base64.StdEncoding.EncodeToString(p.Ciphertext),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Packet) UnmarshalJSON(data []byte) error {
	var raw packetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.EphPub == "" || raw.IV == "" || raw.CT == "" {
		return errors.New("sealedbox: packet missing fields")
	}
	var err error
	if p.EphemeralPublic, err = base64.StdEncoding.DecodeString(raw.EphPub); err != nil {
		return fmt.Errorf("sealedbox: ephPub: %w", err)
	}
	if p.Nonce, err = base64.StdEncoding.DecodeString(raw.IV); err != nil {
		return fmt.Errorf("sealedbox: iv: %w", err)
	}
	if p.Ciphertext, err = base64.StdEncoding.DecodeString(raw.CT); err != nil {
		return fmt.Errorf("sealedbox: ct: %w", err)
	}
	return nil
}

func deriveKey(shared []byte) ([]byte, error) {
	key := make([]byte, envelope.KeySize)
	r := hkdf.New(sha256.New, shared, make([]byte, sha256.Size), []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("sealedbox: derive key: %w", err)
	}
	return key, nil
}

// SealTo encrypts plaintext for the holder of recipientPub. The ephemeral
// public key is bound to the ciphertext as associated data.
func SealTo(recipientPub, plaintext []byte) (*Packet, error) {
	eph, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("sealedbox: %w", err)
	}
	shared, err := eph.Agree(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("sealedbox: recipient key: %w", err)
	}
	key, err := deriveKey(shared)
	if err != nil {
		return nil, err
	}
	nonce, ct, err := envelope.Seal(key, plaintext, eph.Public)
	if err != nil {
		return nil, fmt.Errorf("sealedbox: %w", err)
	}
	return &Packet{EphemeralPublic: eph.Public, Nonce: nonce, Ciphertext: ct}, nil
}

// OpenFrom decrypts p with the recipient's static key pair. Every failure,
// including malformed fields, is reported as ErrDecryptionFailed.
func OpenFrom(recipient *identity.KeyPair, p *Packet) ([]byte, error) {
	if p == nil {
		return nil, ErrDecryptionFailed
	}
	shared, err := recipient.Agree(p.EphemeralPublic)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	key, err := deriveKey(shared)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := envelope.Open(key, p.Nonce, p.Ciphertext, p.EphemeralPublic)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
