package ratchet

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	recordVersion = 1

	// maxSkipped bounds the stored message keys for out-of-order delivery.
	maxSkipped = 1000
	// maxPreviousChains bounds remembered receiving ratchet keys, used to
	// recognize replays from chains the session has moved past.
	maxPreviousChains = 5
)

var errBadRecord = errors.New("ratchet: corrupt session record")

type skippedKey struct {
	RatchetKey []byte
	Counter    uint32
	MessageKey []byte
}

// pendingPreKey is kept by the initiator until the peer replies, so that
// outgoing messages can carry the X3DH parameters.
type pendingPreKey struct {
	HasPreKey       bool
	PreKeyID        uint32
	SignedPreKeyID  uint32
	HasKyber        bool
	KyberPreKeyID   uint32
	KyberCiphertext []byte
	BaseKey         []byte
}

// state is one Double Ratchet session with a peer device.
type state struct {
	LocalIdentity  []byte
	RemoteIdentity []byte
	RootKey        []byte

	SendRatchetPriv []byte
	SendRatchetPub  []byte
	RecvRatchetPub  []byte

	SendChainKey []byte
	SendCounter  uint32
	PrevCounter  uint32
	RecvChainKey []byte
	RecvCounter  uint32

	Skipped      []skippedKey
	PreviousRecv [][]byte
	Pending      *pendingPreKey
	BaseKey      []byte
	LocalRegID   uint32
	RemoteRegID  uint32
}

// Session record field numbers.
const (
	fVersion protowire.Number = iota + 1
	fLocalIdentity
	fRemoteIdentity
	fRootKey
	fSendRatchetPriv
	fSendRatchetPub
	fRecvRatchetPub
	fSendChainKey
	fSendCounter
	fPrevCounter
	fRecvChainKey
	fRecvCounter
	fSkipped
	fPending
	fBaseKey
	fLocalRegID
	fRemoteRegID
	fPreviousRecv
)

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func boolToUint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func (s *state) marshal() []byte {
	var b []byte
	b = appendUint(b, fVersion, recordVersion)
	b = appendBytes(b, fLocalIdentity, s.LocalIdentity)
	b = appendBytes(b, fRemoteIdentity, s.RemoteIdentity)
	b = appendBytes(b, fRootKey, s.RootKey)
	b = appendBytes(b, fSendRatchetPriv, s.SendRatchetPriv)
	b = appendBytes(b, fSendRatchetPub, s.SendRatchetPub)
	b = appendBytes(b, fRecvRatchetPub, s.RecvRatchetPub)
	b = appendBytes(b, fSendChainKey, s.SendChainKey)
	b = appendUint(b, fSendCounter, uint64(s.SendCounter))
	b = appendUint(b, fPrevCounter, uint64(s.PrevCounter))
	b = appendBytes(b, fRecvChainKey, s.RecvChainKey)
	b = appendUint(b, fRecvCounter, uint64(s.RecvCounter))
	for _, sk := range s.Skipped {
		var m []byte
		m = appendBytes(m, 1, sk.RatchetKey)
		m = appendUint(m, 2, uint64(sk.Counter))
		m = appendBytes(m, 3, sk.MessageKey)
		b = protowire.AppendTag(b, fSkipped, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	if p := s.Pending; p != nil {
		var m []byte
		m = appendUint(m, 1, boolToUint(p.HasPreKey))
		m = appendUint(m, 2, uint64(p.PreKeyID))
		m = appendUint(m, 3, uint64(p.SignedPreKeyID))
		m = appendUint(m, 4, boolToUint(p.HasKyber))
		m = appendUint(m, 5, uint64(p.KyberPreKeyID))
		m = appendBytes(m, 6, p.KyberCiphertext)
		m = appendBytes(m, 7, p.BaseKey)
		b = protowire.AppendTag(b, fPending, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	b = appendBytes(b, fBaseKey, s.BaseKey)
	b = appendUint(b, fLocalRegID, uint64(s.LocalRegID))
	b = appendUint(b, fRemoteRegID, uint64(s.RemoteRegID))
	for _, k := range s.PreviousRecv {
		b = appendBytes(b, fPreviousRecv, k)
	}
	return b
}

// fields walks a protobuf message, calling fn for each varint or bytes
// field. Other wire types are skipped.
func fields(b []byte, fn func(num protowire.Number, v uint64, data []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errBadRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errBadRecord, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errBadRecord, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, 0, bytes.Clone(v)); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errBadRecord, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func unmarshalState(b []byte) (*state, error) {
	s := &state{}
	var version uint64
	err := fields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case fVersion:
			version = v
		case fLocalIdentity:
			s.LocalIdentity = data
		case fRemoteIdentity:
			s.RemoteIdentity = data
		case fRootKey:
			s.RootKey = data
		case fSendRatchetPriv:
			s.SendRatchetPriv = data
		case fSendRatchetPub:
			s.SendRatchetPub = data
		case fRecvRatchetPub:
			s.RecvRatchetPub = data
		case fSendChainKey:
			s.SendChainKey = data
		case fSendCounter:
			s.SendCounter = uint32(v)
		case fPrevCounter:
			s.PrevCounter = uint32(v)
		case fRecvChainKey:
			s.RecvChainKey = data
		case fRecvCounter:
			s.RecvCounter = uint32(v)
		case fSkipped:
			var sk skippedKey
			err := fields(data, func(num protowire.Number, v uint64, data []byte) error {
				switch num {
				case 1:
					sk.RatchetKey = data
				case 2:
					sk.Counter = uint32(v)
				case 3:
					sk.MessageKey = data
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Skipped = append(s.Skipped, sk)
		case fPending:
			p := &pendingPreKey{}
			err := fields(data, func(num protowire.Number, v uint64, data []byte) error {
				switch num {
				case 1:
					p.HasPreKey = v != 0
				case 2:
					p.PreKeyID = uint32(v)
				case 3:
					p.SignedPreKeyID = uint32(v)
				case 4:
					p.HasKyber = v != 0
				case 5:
					p.KyberPreKeyID = uint32(v)
				case 6:
					p.KyberCiphertext = data
				case 7:
					p.BaseKey = data
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Pending = p
		case fBaseKey:
			s.BaseKey = data
		case fLocalRegID:
			s.LocalRegID = uint32(v)
		case fRemoteRegID:
			s.RemoteRegID = uint32(v)
		case fPreviousRecv:
			s.PreviousRecv = append(s.PreviousRecv, data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if version != recordVersion {
		return nil, fmt.Errorf("%w: version %d", errBadRecord, version)
	}
	if len(s.RootKey) != 32 || len(s.RemoteIdentity) == 0 || len(s.SendRatchetPriv) != 32 {
		return nil, fmt.Errorf("%w: missing keys", errBadRecord)
	}
	return s, nil
}

// takeSkipped removes and returns the stored key for (ratchetKey, counter).
func (s *state) takeSkipped(ratchetKey []byte, counter uint32) []byte {
	for i, sk := range s.Skipped {
		if sk.Counter == counter && bytes.Equal(sk.RatchetKey, ratchetKey) {
			s.Skipped = append(s.Skipped[:i], s.Skipped[i+1:]...)
			return sk.MessageKey
		}
	}
	return nil
}

// skipTo stores message keys for counters up to (not including) until on
// the current receiving chain.
func (s *state) skipTo(until uint32) error {
	if s.RecvChainKey == nil || until <= s.RecvCounter {
		return nil
	}
	if until-s.RecvCounter > maxSkipped {
		return ErrTooManySkipped
	}
	for s.RecvCounter < until {
		mk, next := kdfCK(s.RecvChainKey)
		s.Skipped = append(s.Skipped, skippedKey{
			RatchetKey: s.RecvRatchetPub,
			Counter:    s.RecvCounter,
			MessageKey: mk,
		})
		s.RecvChainKey = next
		s.RecvCounter++
	}
	if over := len(s.Skipped) - maxSkipped; over > 0 {
		s.Skipped = s.Skipped[over:]
	}
	return nil
}

func (s *state) seenChain(ratchetKey []byte) bool {
	for _, k := range s.PreviousRecv {
		if bytes.Equal(k, ratchetKey) {
			return true
		}
	}
	return false
}
