package ratchet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	x3dhInfo    = "ezo-x3dh"
	ratchetInfo = "ezo-ratchet"
	messageInfo = "ezo-message-keys"
)

func hkdfExpand(secret, salt []byte, info string, n int) []byte {
	if salt == nil {
		salt = make([]byte, sha256.Size)
	}
	out := make([]byte, n)
	// HKDF-SHA256 can produce up to 8160 bytes; n is always far below.
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		panic(err)
	}
	return out
}

// deriveRoot combines the X3DH agreement outputs (and the KEM secret when
// present) into the initial root key.
func deriveRoot(secrets ...[]byte) []byte {
	ikm := bytes.Repeat([]byte{0xFF}, 32)
	for _, s := range secrets {
		ikm = append(ikm, s...)
	}
	return hkdfExpand(ikm, nil, x3dhInfo, 32)
}

// kdfRK advances the root chain with a DH output.
func kdfRK(rootKey, dhOut []byte) (newRoot, chainKey []byte) {
	out := hkdfExpand(dhOut, rootKey, ratchetInfo, 64)
	return out[:32], out[32:]
}

// kdfCK advances a symmetric chain, yielding a single-use message key.
func kdfCK(chainKey []byte) (messageKey, next []byte) {
	m := hmac.New(sha256.New, chainKey)
	m.Write([]byte{0x01})
	messageKey = m.Sum(nil)

	m = hmac.New(sha256.New, chainKey)
	m.Write([]byte{0x02})
	return messageKey, m.Sum(nil)
}

func messageAEAD(messageKey []byte) (cipher.AEAD, []byte, error) {
	km := hkdfExpand(messageKey, nil, messageInfo, 32+12)
	block, err := aes.NewCipher(km[:32])
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: create GCM: %w", err)
	}
	return gcm, km[32:], nil
}

func sealMessage(messageKey, plaintext, ad []byte) ([]byte, error) {
	gcm, nonce, err := messageAEAD(messageKey)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, ad), nil
}

func openMessage(messageKey, ciphertext, ad []byte) ([]byte, error) {
	gcm, nonce, err := messageAEAD(messageKey)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}
