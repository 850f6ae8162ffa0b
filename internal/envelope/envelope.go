// Package envelope implements the AES-256-GCM codec used to seal vault
// bundles, and the JSON file format they are stored in.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key size.
	KeySize = 32
	// NonceSize is the GCM nonce size.
	NonceSize = 12
	// TagSize is the GCM authentication tag size.
	TagSize = 16
)

var (
	// ErrDecryptionFailed covers both a wrong key and a tampered ciphertext.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")

	// ErrMalformedEnvelope is returned for structurally invalid input.
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrMalformedEnvelope, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrMalformedEnvelope, len(nonce))
	}
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrMalformedEnvelope)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
