// Package ratchet implements end-to-end sessions between peer devices:
// X3DH key agreement from a published prekey bundle (optionally hardened
// with an ML-KEM-768 encapsulation) followed by a Double Ratchet.
//
// All key material is read from and written to the keystore interfaces;
// session state is an opaque blob to the store.
package ratchet

import (
	"bytes"
	"errors"
	"fmt"
	"log"

	"github.com/ezoterikus/ezo-go/internal/identity"
	"github.com/ezoterikus/ezo-go/internal/keystore"
)

var (
	ErrUntrustedBundle   = errors.New("ratchet: prekey bundle signature invalid")
	ErrUntrustedIdentity = errors.New("ratchet: identity key changed")
	ErrSessionMissing    = errors.New("ratchet: no session")
	ErrDuplicateMessage  = errors.New("ratchet: duplicate message")
	ErrPreKeyNotFound    = errors.New("ratchet: pre-key not found")
	ErrDecryptionFailed  = errors.New("ratchet: decryption failed")
	ErrInvalidMessage    = errors.New("ratchet: invalid message")
	ErrTooManySkipped    = errors.New("ratchet: too many skipped messages")
)

// SessionCipher encrypts and decrypts messages for peer addresses.
// Operations on the same address are serialized; different addresses
// proceed independently.
type SessionCipher struct {
	store  keystore.ProtocolStore
	logger *log.Logger
	locks  keyedMutex
}

// Option configures a SessionCipher.
type Option func(*SessionCipher)

// WithLogger sets a logger for session lifecycle events.
func WithLogger(l *log.Logger) Option {
	return func(c *SessionCipher) { c.logger = l }
}

// NewSessionCipher returns a SessionCipher over store.
func NewSessionCipher(store keystore.ProtocolStore, opts ...Option) *SessionCipher {
	c := &SessionCipher{store: store}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SessionCipher) loadState(addr keystore.Address) (*state, error) {
	rec, err := c.store.LoadSession(addr)
	if err != nil {
		return nil, fmt.Errorf("ratchet: load session: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	st, err := unmarshalState(rec)
	if err != nil {
		return nil, fmt.Errorf("ratchet: session for %s: %w", addr, err)
	}
	return st, nil
}

func (c *SessionCipher) storeState(addr keystore.Address, st *state) error {
	if err := c.store.StoreSession(addr, st.marshal()); err != nil {
		return fmt.Errorf("ratchet: store session: %w", err)
	}
	return nil
}

// HasSession reports whether a session with addr exists.
func (c *SessionCipher) HasSession(addr keystore.Address) (bool, error) {
	rec, err := c.store.LoadSession(addr)
	if err != nil {
		return false, fmt.Errorf("ratchet: load session: %w", err)
	}
	return rec != nil, nil
}

// ProcessPreKeyBundle establishes a session with addr from its published
// bundle. It is a no-op if a session already exists.
func (c *SessionCipher) ProcessPreKeyBundle(addr keystore.Address, b *PreKeyBundle) error {
	unlock := c.locks.lock(addr.String())
	defer unlock()

	if existing, err := c.loadState(addr); err != nil {
		return err
	} else if existing != nil {
		return nil
	}

	if err := b.verify(); err != nil {
		return err
	}
	trusted, err := c.store.IsTrustedIdentity(addr, b.IdentityKey)
	if err != nil {
		return fmt.Errorf("ratchet: trust check: %w", err)
	}
	if !trusted {
		return fmt.Errorf("%w: %s", ErrUntrustedIdentity, addr)
	}

	ours, err := c.store.GetIdentityKeyPair()
	if err != nil {
		return fmt.Errorf("ratchet: %w", err)
	}
	localReg, err := c.store.GetLocalRegistrationID()
	if err != nil {
		return fmt.Errorf("ratchet: %w", err)
	}

	base, err := identity.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("ratchet: %w", err)
	}

	secrets := make([][]byte, 0, 5)
	for _, pair := range []struct {
		kp   *identity.KeyPair
		peer []byte
	}{
		{&ours.DH, b.SignedPreKey},
		{base, b.IdentityKey.DH},
		{base, b.SignedPreKey},
	} {
		s, err := pair.kp.Agree(pair.peer)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUntrustedBundle, err)
		}
		secrets = append(secrets, s)
	}

	pending := &pendingPreKey{SignedPreKeyID: b.SignedPreKeyID, BaseKey: base.Public}
	if b.PreKey != nil {
		s, err := base.Agree(b.PreKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUntrustedBundle, err)
		}
		secrets = append(secrets, s)
		pending.HasPreKey, pending.PreKeyID = true, b.PreKeyID
	}
	if b.KyberPreKey != nil {
		ct, ss, err := identity.KyberEncapsulate(b.KyberPreKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUntrustedBundle, err)
		}
		secrets = append(secrets, ss)
		pending.HasKyber, pending.KyberPreKeyID, pending.KyberCiphertext = true, b.KyberPreKeyID, ct
	}

	sending, err := identity.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("ratchet: %w", err)
	}
	dh, err := sending.Agree(b.SignedPreKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedBundle, err)
	}
	root, chain := kdfRK(deriveRoot(secrets...), dh)

	st := &state{
		LocalIdentity:   ours.PublicKey().Serialize(),
		RemoteIdentity:  b.IdentityKey.Serialize(),
		RootKey:         root,
		SendRatchetPriv: sending.Private,
		SendRatchetPub:  sending.Public,
		RecvRatchetPub:  b.SignedPreKey,
		SendChainKey:    chain,
		Pending:         pending,
		BaseKey:         base.Public,
		LocalRegID:      localReg,
		RemoteRegID:     b.RegistrationID,
	}
	if err := c.storeState(addr, st); err != nil {
		return err
	}
	logf(c.logger, "ratchet: session initiated with %s (opk=%v kyber=%v)", addr, pending.HasPreKey, pending.HasKyber)
	return nil
}

// Encrypt seals plaintext for addr. Until the peer has replied, messages
// are PreKeyType and carry the key agreement parameters.
func (c *SessionCipher) Encrypt(addr keystore.Address, plaintext []byte) (*CiphertextMessage, error) {
	unlock := c.locks.lock(addr.String())
	defer unlock()

	st, err := c.loadState(addr)
	if err != nil {
		return nil, err
	}
	if st == nil || st.SendChainKey == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionMissing, addr)
	}

	mk, next := kdfCK(st.SendChainKey)
	wm := &whisperMessage{
		Version:         messageVersion,
		RatchetKey:      st.SendRatchetPub,
		Counter:         st.SendCounter,
		PreviousCounter: st.PrevCounter,
	}
	wm.Ciphertext, err = sealMessage(mk, plaintext, associatedData(st.LocalIdentity, st.RemoteIdentity, wm))
	if err != nil {
		return nil, err
	}
	st.SendChainKey = next
	st.SendCounter++

	body, err := encode(wm)
	if err != nil {
		return nil, err
	}
	msg := &CiphertextMessage{Type: WhisperType, Serialized: body}

	if p := st.Pending; p != nil {
		pm := &preKeyMessage{
			Version:         messageVersion,
			RegistrationID:  st.LocalRegID,
			HasPreKey:       p.HasPreKey,
			PreKeyID:        p.PreKeyID,
			SignedPreKeyID:  p.SignedPreKeyID,
			HasKyber:        p.HasKyber,
			KyberPreKeyID:   p.KyberPreKeyID,
			KyberCiphertext: p.KyberCiphertext,
			BaseKey:         p.BaseKey,
			IdentityKey:     st.LocalIdentity,
			Message:         body,
		}
		if msg.Serialized, err = encode(pm); err != nil {
			return nil, err
		}
		msg.Type = PreKeyType
	}

	if err := c.storeState(addr, st); err != nil {
		return nil, err
	}
	return msg, nil
}

// SenderIdentity returns the identity key msg is bound to: the key a
// PreKey message claims, or the peer identity of the session a Whisper
// message belongs to. It returns nil, nil for a Whisper message without
// a session.
func (c *SessionCipher) SenderIdentity(addr keystore.Address, msg *CiphertextMessage) (*identity.PublicKey, error) {
	switch msg.Type {
	case PreKeyType:
		pm, err := decodePreKey(msg.Serialized)
		if err != nil {
			return nil, err
		}
		key, err := identity.ParsePublicKey(pm.IdentityKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return key, nil
	case WhisperType:
		unlock := c.locks.lock(addr.String())
		defer unlock()
		st, err := c.loadState(addr)
		if err != nil || st == nil {
			return nil, err
		}
		key, err := identity.ParsePublicKey(st.RemoteIdentity)
		if err != nil {
			return nil, fmt.Errorf("ratchet: session for %s: %w", addr, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: type %d", ErrInvalidMessage, msg.Type)
	}
}

// Decrypt opens a message from addr. Session state is only updated when
// decryption succeeds.
func (c *SessionCipher) Decrypt(addr keystore.Address, msg *CiphertextMessage) ([]byte, error) {
	unlock := c.locks.lock(addr.String())
	defer unlock()

	switch msg.Type {
	case WhisperType:
		st, err := c.loadState(addr)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionMissing, addr)
		}
		wm, err := decodeWhisper(msg.Serialized)
		if err != nil {
			return nil, err
		}
		pt, err := decryptWhisper(st, wm)
		if err != nil {
			return nil, err
		}
		return pt, c.storeState(addr, st)
	case PreKeyType:
		return c.decryptPreKey(addr, msg.Serialized)
	default:
		return nil, fmt.Errorf("%w: type %d", ErrInvalidMessage, msg.Type)
	}
}

func (c *SessionCipher) decryptPreKey(addr keystore.Address, data []byte) ([]byte, error) {
	pm, err := decodePreKey(data)
	if err != nil {
		return nil, err
	}
	wm, err := decodeWhisper(pm.Message)
	if err != nil {
		return nil, err
	}
	theirs, err := identity.ParsePublicKey(pm.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	// A repeat of the message that created the current session.
	existing, err := c.loadState(addr)
	if err != nil {
		return nil, err
	}
	if existing != nil && bytes.Equal(existing.BaseKey, pm.BaseKey) {
		pt, err := decryptWhisper(existing, wm)
		if err != nil {
			return nil, err
		}
		return pt, c.storeState(addr, existing)
	}

	if known, err := c.store.GetIdentity(addr); err != nil {
		return nil, fmt.Errorf("ratchet: trust check: %w", err)
	} else if known != nil && !known.Equal(theirs) {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIdentity, addr)
	}

	spk, err := c.store.LoadSignedPreKey(pm.SignedPreKeyID)
	if err != nil {
		return nil, fmt.Errorf("ratchet: load signed pre-key: %w", err)
	}
	if spk == nil {
		return nil, fmt.Errorf("%w: signed pre-key %d", ErrPreKeyNotFound, pm.SignedPreKeyID)
	}
	var opk *identity.PreKeyRecord
	if pm.HasPreKey {
		if opk, err = c.store.LoadPreKey(pm.PreKeyID); err != nil {
			return nil, fmt.Errorf("ratchet: load pre-key: %w", err)
		}
		if opk == nil {
			return nil, fmt.Errorf("%w: pre-key %d", ErrPreKeyNotFound, pm.PreKeyID)
		}
	}
	var kyber *identity.KyberPreKeyRecord
	if pm.HasKyber {
		if kyber, err = c.store.LoadKyberPreKey(pm.KyberPreKeyID); err != nil {
			return nil, fmt.Errorf("ratchet: load kyber pre-key: %w", err)
		}
		if kyber == nil {
			return nil, fmt.Errorf("%w: kyber pre-key %d", ErrPreKeyNotFound, pm.KyberPreKeyID)
		}
	}

	ours, err := c.store.GetIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("ratchet: %w", err)
	}
	localReg, err := c.store.GetLocalRegistrationID()
	if err != nil {
		return nil, fmt.Errorf("ratchet: %w", err)
	}

	secrets := make([][]byte, 0, 5)
	for _, pair := range []struct {
		kp   *identity.KeyPair
		peer []byte
	}{
		{&spk.KeyPair, theirs.DH},
		{&ours.DH, pm.BaseKey},
		{&spk.KeyPair, pm.BaseKey},
	} {
		s, err := pair.kp.Agree(pair.peer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		secrets = append(secrets, s)
	}
	if opk != nil {
		s, err := opk.KeyPair.Agree(pm.BaseKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		secrets = append(secrets, s)
	}
	if kyber != nil {
		ss, err := kyber.Decapsulate(pm.KyberCiphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		secrets = append(secrets, ss)
	}

	st := &state{
		LocalIdentity:   ours.PublicKey().Serialize(),
		RemoteIdentity:  theirs.Serialize(),
		RootKey:         deriveRoot(secrets...),
		SendRatchetPriv: bytes.Clone(spk.KeyPair.Private),
		SendRatchetPub:  bytes.Clone(spk.KeyPair.Public),
		BaseKey:         pm.BaseKey,
		LocalRegID:      localReg,
		RemoteRegID:     pm.RegistrationID,
	}
	pt, err := decryptWhisper(st, wm)
	if err != nil {
		return nil, err
	}

	trusted, err := c.store.IsTrustedIdentity(addr, theirs)
	if err != nil {
		return nil, fmt.Errorf("ratchet: trust check: %w", err)
	}
	if !trusted {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIdentity, addr)
	}
	if opk != nil {
		if err := c.store.RemovePreKey(opk.ID); err != nil {
			return nil, fmt.Errorf("ratchet: consume pre-key: %w", err)
		}
	}
	if kyber != nil {
		if err := c.store.MarkKyberPreKeyUsed(kyber.ID); err != nil {
			return nil, fmt.Errorf("ratchet: consume kyber pre-key: %w", err)
		}
	}
	if err := c.storeState(addr, st); err != nil {
		return nil, err
	}
	logf(c.logger, "ratchet: session accepted from %s (opk=%v kyber=%v)", addr, opk != nil, kyber != nil)
	return pt, nil
}

// decryptWhisper advances st to decrypt wm. On error st may be partially
// advanced and must be discarded by the caller.
func decryptWhisper(st *state, wm *whisperMessage) ([]byte, error) {
	ad := associatedData(st.RemoteIdentity, st.LocalIdentity, wm)

	if mk := st.takeSkipped(wm.RatchetKey, wm.Counter); mk != nil {
		return openMessage(mk, wm.Ciphertext, ad)
	}

	if !bytes.Equal(wm.RatchetKey, st.RecvRatchetPub) {
		if st.seenChain(wm.RatchetKey) {
			return nil, ErrDuplicateMessage
		}
		if err := st.skipTo(wm.PreviousCounter); err != nil {
			return nil, err
		}
		if err := st.dhRatchet(wm.RatchetKey); err != nil {
			return nil, err
		}
	}

	if wm.Counter < st.RecvCounter {
		return nil, ErrDuplicateMessage
	}
	if err := st.skipTo(wm.Counter); err != nil {
		return nil, err
	}
	mk, next := kdfCK(st.RecvChainKey)
	pt, err := openMessage(mk, wm.Ciphertext, ad)
	if err != nil {
		return nil, err
	}
	st.RecvChainKey = next
	st.RecvCounter++
	// The peer has our session; stop sending key agreement parameters.
	st.Pending = nil
	return pt, nil
}

// dhRatchet performs a DH ratchet step on receipt of a new peer key.
func (st *state) dhRatchet(theirs []byte) error {
	if st.RecvRatchetPub != nil {
		st.PreviousRecv = append(st.PreviousRecv, st.RecvRatchetPub)
		if over := len(st.PreviousRecv) - maxPreviousChains; over > 0 {
			st.PreviousRecv = st.PreviousRecv[over:]
		}
	}

	current := &identity.KeyPair{Public: st.SendRatchetPub, Private: st.SendRatchetPriv}
	dh, err := current.Agree(theirs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	st.RootKey, st.RecvChainKey = kdfRK(st.RootKey, dh)
	st.RecvRatchetPub = theirs
	st.RecvCounter = 0

	next, err := identity.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("ratchet: %w", err)
	}
	if dh, err = next.Agree(theirs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	st.RootKey, st.SendChainKey = kdfRK(st.RootKey, dh)
	st.SendRatchetPriv, st.SendRatchetPub = next.Private, next.Public
	st.PrevCounter = st.SendCounter
	st.SendCounter = 0
	return nil
}

// associatedData binds a message to both identities (sender first) and
// its header.
func associatedData(sender, receiver []byte, wm *whisperMessage) []byte {
	ad := make([]byte, 0, len(sender)+len(receiver)+44)
	ad = append(ad, sender...)
	ad = append(ad, receiver...)
	return append(ad, wm.header()...)
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
