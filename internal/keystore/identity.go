package keystore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ezoterikus/ezo-go/internal/identity"
)

// GetIdentityKeyPair returns the local identity key pair.
func (s *Store) GetIdentityKeyPair() (*identity.IdentityKeyPair, error) {
	data, err := s.get(identityPath)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoIdentity
	}
	var kp identity.IdentityKeyPair
	if err := json.Unmarshal(data, &kp); err != nil {
		return nil, fmt.Errorf("keystore: decode identity key pair: %w", err)
	}
	if err := kp.Validate(); err != nil {
		return nil, fmt.Errorf("keystore: identity key pair: %w", err)
	}
	return &kp, nil
}

// SaveIdentityKeyPair replaces the local identity key pair.
func (s *Store) SaveIdentityKeyPair(kp *identity.IdentityKeyPair) error {
	data, err := json.Marshal(kp)
	if err != nil {
		return fmt.Errorf("keystore: encode identity key pair: %w", err)
	}
	if err := s.fs.Put(identityPath, data); err != nil {
		return fmt.Errorf("keystore: save identity key pair: %w", err)
	}
	return nil
}

type registration struct {
	ID uint32 `json:"id"`
}

// GetLocalRegistrationID returns the local registration id, or 0 if none
// has been saved.
func (s *Store) GetLocalRegistrationID() (uint32, error) {
	data, err := s.get(regPath)
	if err != nil || data == nil {
		return 0, err
	}
	var reg registration
	if err := json.Unmarshal(data, &reg); err != nil {
		// Older profiles stored the bare number.
		n, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
		if perr != nil {
			return 0, fmt.Errorf("keystore: decode registration id: %w", err)
		}
		return uint32(n), nil
	}
	return reg.ID, nil
}

// SaveRegistrationID stores the local registration id.
func (s *Store) SaveRegistrationID(id uint32) error {
	data, _ := json.Marshal(registration{ID: id})
	if err := s.fs.Put(regPath, data); err != nil {
		return fmt.Errorf("keystore: save registration id: %w", err)
	}
	return nil
}

func trustPath(address Address) string {
	return trustedDir + address.pathSegment() + trustedSuffix
}

// GetIdentity loads the recorded identity key for address.
// Returns nil, nil if no identity has been recorded.
func (s *Store) GetIdentity(address Address) (*identity.PublicKey, error) {
	data, err := s.get(trustPath(address))
	if err != nil || data == nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("keystore: decode identity for %s: %w", address, err)
	}
	return identity.ParsePublicKey(raw)
}

// SaveIdentity records key for address, replacing any previous key. It
// reports whether an existing, different key was replaced.
func (s *Store) SaveIdentity(address Address, key *identity.PublicKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.GetIdentity(address)
	if err != nil {
		return false, err
	}
	if err := s.putIdentity(address, key); err != nil {
		return false, err
	}
	return existing != nil && !existing.Equal(key), nil
}

func (s *Store) putIdentity(address Address, key *identity.PublicKey) error {
	data := base64.StdEncoding.EncodeToString(key.Serialize())
	if err := s.fs.Put(trustPath(address), []byte(data)); err != nil {
		return fmt.Errorf("keystore: save identity for %s: %w", address, err)
	}
	return nil
}

// IsTrustedIdentity checks whether a remote identity key is trusted.
// Uses trust-on-first-use (TOFU): an unknown identity is recorded and
// trusted; afterwards only the recorded key is.
func (s *Store) IsTrustedIdentity(address Address, key *identity.PublicKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.GetIdentity(address)
	if err != nil {
		return false, err
	}
	if existing == nil {
		if err := s.putIdentity(address, key); err != nil {
			return false, err
		}
		return true, nil
	}
	return bytes.Equal(existing.Serialize(), key.Serialize()), nil
}

// ForgetIdentity removes the recorded identity for address, so the next
// key seen for it is trusted on first use again.
func (s *Store) ForgetIdentity(address Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Delete(trustPath(address)); err != nil {
		return fmt.Errorf("keystore: forget identity for %s: %w", address, err)
	}
	return nil
}
