package ratchet

import (
	"fmt"
	"time"

	"github.com/ezoterikus/ezo-go/internal/identity"
	"github.com/ezoterikus/ezo-go/internal/keystore"
)

// PreKeyBundle is the public key material a device publishes so that
// peers can start a session without it being online. PreKey and
// KyberPreKey are optional.
type PreKeyBundle struct {
	RegistrationID        uint32
	DeviceID              uint32
	IdentityKey           *identity.PublicKey
	SignedPreKeyID        uint32
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	PreKeyID              uint32
	PreKey                []byte
	KyberPreKeyID         uint32
	KyberPreKey           []byte
	KyberPreKeySignature  []byte
}

func (b *PreKeyBundle) verify() error {
	if b.IdentityKey == nil || len(b.SignedPreKey) != identity.KeySize {
		return fmt.Errorf("%w: incomplete bundle", ErrUntrustedBundle)
	}
	if err := b.IdentityKey.Verify(b.SignedPreKey, b.SignedPreKeySignature); err != nil {
		return fmt.Errorf("%w: signed pre-key: %v", ErrUntrustedBundle, err)
	}
	if b.PreKey != nil && len(b.PreKey) != identity.KeySize {
		return fmt.Errorf("%w: pre-key size", ErrUntrustedBundle)
	}
	if b.KyberPreKey != nil {
		if err := b.IdentityKey.Verify(b.KyberPreKey, b.KyberPreKeySignature); err != nil {
			return fmt.Errorf("%w: kyber pre-key: %v", ErrUntrustedBundle, err)
		}
	}
	return nil
}

// GeneratePreKeyBundle creates and stores a fresh signed prekey, one-time
// prekey and last-resort Kyber prekey, and returns the public bundle.
// The store must already hold an identity (see keystore.Store.Bootstrap).
func GeneratePreKeyBundle(store keystore.ProtocolStore, deviceID uint32, now time.Time) (*PreKeyBundle, error) {
	idkp, err := store.GetIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("keygen: %w", err)
	}
	regID, err := store.GetLocalRegistrationID()
	if err != nil {
		return nil, fmt.Errorf("keygen: %w", err)
	}

	ids := make([]uint32, 3)
	for i := range ids {
		if ids[i], err = identity.GeneratePreKeyID(); err != nil {
			return nil, fmt.Errorf("keygen: %w", err)
		}
	}

	spk, err := identity.GenerateSignedPreKey(idkp, ids[0], now)
	if err != nil {
		return nil, fmt.Errorf("keygen: %w", err)
	}
	if err := store.StoreSignedPreKey(spk.ID, spk); err != nil {
		return nil, fmt.Errorf("keygen: store signed pre-key: %w", err)
	}

	opk, err := identity.GeneratePreKey(ids[1])
	if err != nil {
		return nil, fmt.Errorf("keygen: %w", err)
	}
	if err := store.StorePreKey(opk.ID, opk); err != nil {
		return nil, fmt.Errorf("keygen: store pre-key: %w", err)
	}

	kpk, err := identity.GenerateKyberPreKey(idkp, ids[2], true, now)
	if err != nil {
		return nil, fmt.Errorf("keygen: %w", err)
	}
	if err := store.StoreKyberPreKey(kpk.ID, kpk); err != nil {
		return nil, fmt.Errorf("keygen: store kyber pre-key: %w", err)
	}

	return &PreKeyBundle{
		RegistrationID:        regID,
		DeviceID:              deviceID,
		IdentityKey:           idkp.PublicKey(),
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.KeyPair.Public,
		SignedPreKeySignature: spk.Signature,
		PreKeyID:              opk.ID,
		PreKey:                opk.KeyPair.Public,
		KyberPreKeyID:         kpk.ID,
		KyberPreKey:           kpk.PublicKey,
		KyberPreKeySignature:  kpk.Signature,
	}, nil
}
