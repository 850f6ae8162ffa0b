package keystore

import "fmt"

func sessionPath(address Address) string {
	return sessionDir + address.pathSegment() + sessionSuffix
}

// LoadSession loads the session record for the given address.
// Returns nil, nil if no session exists.
func (s *Store) LoadSession(address Address) ([]byte, error) {
	return s.get(sessionPath(address))
}

// StoreSession stores the session record for the given address.
func (s *Store) StoreSession(address Address, record []byte) error {
	if err := s.fs.Put(sessionPath(address), record); err != nil {
		return fmt.Errorf("keystore: store session: %w", err)
	}
	return nil
}

// DeleteSession removes the session for the given address. The next send
// must establish a new session from a prekey bundle.
func (s *Store) DeleteSession(address Address) error {
	if err := s.fs.Delete(sessionPath(address)); err != nil {
		return fmt.Errorf("keystore: delete session: %w", err)
	}
	return nil
}
