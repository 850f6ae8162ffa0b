package ratchet

import (
	"bytes"
	"encoding/binary"
	"fmt"

	xdr "github.com/davecgh/go-xdr/xdr2"
)

// Message types, numbered as in Signal.
const (
	WhisperType = 2
	PreKeyType  = 3
)

const (
	messageVersion = 4
	maxMessageSize = 1 << 20
)

// CiphertextMessage is an encrypted message ready for transport.
type CiphertextMessage struct {
	Type       int
	Serialized []byte
}

type whisperMessage struct {
	Version         uint32
	RatchetKey      []byte
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte
}

// header is the authenticated part of a whisper message.
func (m *whisperMessage) header() []byte {
	h := make([]byte, 0, 12+len(m.RatchetKey))
	h = binary.BigEndian.AppendUint32(h, m.Version)
	h = append(h, m.RatchetKey...)
	h = binary.BigEndian.AppendUint32(h, m.Counter)
	return binary.BigEndian.AppendUint32(h, m.PreviousCounter)
}

type preKeyMessage struct {
	Version         uint32
	RegistrationID  uint32
	HasPreKey       bool
	PreKeyID        uint32
	SignedPreKeyID  uint32
	HasKyber        bool
	KyberPreKeyID   uint32
	KyberCiphertext []byte
	BaseKey         []byte
	IdentityKey     []byte
	Message         []byte
}

func encode(v any) ([]byte, error) {
	var b bytes.Buffer
	if _, err := xdr.Marshal(&b, v); err != nil {
		return nil, fmt.Errorf("ratchet: encode message: %w", err)
	}
	return b.Bytes(), nil
}

func decode(data []byte, v any) error {
	if len(data) == 0 || len(data) > maxMessageSize {
		return fmt.Errorf("%w: size %d", ErrInvalidMessage, len(data))
	}
	// No field can be longer than the input it is read from.
	r := bytes.NewReader(data)
	dec := xdr.NewDecoderLimited(r, uint(len(data)))
	if _, err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidMessage, r.Len())
	}
	return nil
}

func decodeWhisper(data []byte) (*whisperMessage, error) {
	var m whisperMessage
	if err := decode(data, &m); err != nil {
		return nil, err
	}
	if m.Version != messageVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidMessage, m.Version)
	}
	if len(m.RatchetKey) != 32 {
		return nil, fmt.Errorf("%w: ratchet key", ErrInvalidMessage)
	}
	return &m, nil
}

func decodePreKey(data []byte) (*preKeyMessage, error) {
	var m preKeyMessage
	if err := decode(data, &m); err != nil {
		return nil, err
	}
	if m.Version != messageVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidMessage, m.Version)
	}
	if len(m.BaseKey) != 32 {
		return nil, fmt.Errorf("%w: base key", ErrInvalidMessage)
	}
	return &m, nil
}
