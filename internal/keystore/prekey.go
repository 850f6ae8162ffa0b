package keystore

import (
	"encoding/json"
	"fmt"

	"github.com/ezoterikus/ezo-go/internal/identity"
)

func (s *Store) loadRecord(path string, v any) (bool, error) {
	data, err := s.get(path)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("keystore: decode %s: %w", path, err)
	}
	return true, nil
}

func (s *Store) storeRecord(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("keystore: encode %s: %w", path, err)
	}
	if err := s.fs.Put(path, data); err != nil {
		return fmt.Errorf("keystore: store %s: %w", path, err)
	}
	return nil
}

// LoadPreKey loads a one-time pre-key record by ID.
// Returns nil, nil once the key has been consumed.
func (s *Store) LoadPreKey(id uint32) (*identity.PreKeyRecord, error) {
	var rec identity.PreKeyRecord
	ok, err := s.loadRecord(idPath(preKeyDir, id), &rec)
	if !ok {
		return nil, err
	}
	return &rec, nil
}

// StorePreKey stores a one-time pre-key record.
func (s *Store) StorePreKey(id uint32, record *identity.PreKeyRecord) error {
	return s.storeRecord(idPath(preKeyDir, id), record)
}

// RemovePreKey deletes a one-time pre-key record.
func (s *Store) RemovePreKey(id uint32) error {
	if err := s.fs.Delete(idPath(preKeyDir, id)); err != nil {
		return fmt.Errorf("keystore: remove pre-key: %w", err)
	}
	return nil
}

// PreKeyIDs lists the ids of unconsumed one-time prekeys.
func (s *Store) PreKeyIDs() ([]uint32, error) {
	paths, err := s.fs.List(preKeyDir)
	if err != nil {
		return nil, fmt.Errorf("keystore: list pre-keys: %w", err)
	}
	ids := make([]uint32, 0, len(paths))
	for _, p := range paths {
		var id uint32
		if _, err := fmt.Sscanf(p[len(preKeyDir):], "%d.json", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// LoadSignedPreKey loads a signed pre-key record by ID.
// Returns nil, nil if it does not exist.
func (s *Store) LoadSignedPreKey(id uint32) (*identity.SignedPreKeyRecord, error) {
	var rec identity.SignedPreKeyRecord
	ok, err := s.loadRecord(idPath(signedDir, id), &rec)
	if !ok {
		return nil, err
	}
	return &rec, nil
}

// StoreSignedPreKey stores a signed pre-key record.
func (s *Store) StoreSignedPreKey(id uint32, record *identity.SignedPreKeyRecord) error {
	return s.storeRecord(idPath(signedDir, id), record)
}

// LoadKyberPreKey loads a Kyber pre-key record by ID.
// Returns nil, nil if it does not exist.
func (s *Store) LoadKyberPreKey(id uint32) (*identity.KyberPreKeyRecord, error) {
	var rec identity.KyberPreKeyRecord
	ok, err := s.loadRecord(idPath(kyberDir, id), &rec)
	if !ok {
		return nil, err
	}
	return &rec, nil
}

// StoreKyberPreKey stores a Kyber pre-key record.
func (s *Store) StoreKyberPreKey(id uint32, record *identity.KyberPreKeyRecord) error {
	return s.storeRecord(idPath(kyberDir, id), record)
}

// MarkKyberPreKeyUsed marks a Kyber pre-key as used. One-time Kyber keys
// are deleted; last-resort keys are kept with the used flag set.
func (s *Store) MarkKyberPreKeyUsed(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.LoadKyberPreKey(id)
	if err != nil || rec == nil {
		return err
	}
	if !rec.LastResort {
		if err := s.fs.Delete(idPath(kyberDir, id)); err != nil {
			return fmt.Errorf("keystore: remove kyber pre-key: %w", err)
		}
		return nil
	}
	rec.Used = true
	return s.StoreKyberPreKey(id, rec)
}
