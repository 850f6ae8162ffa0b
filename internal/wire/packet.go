package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ezoterikus/ezo-go/internal/ratchet"
	"github.com/ezoterikus/ezo-go/internal/sealedbox"
)

// Packet is the opaque msg stored by the relay. Exactly one of Sealed
// and Ratchet is set, unless the packet has a type this version does not
// know; then only Unknown is set, to that type, and receivers skip it.
type Packet struct {
	Sealed  *sealedbox.Packet
	Ratchet *RatchetPacket
	Unknown Kind
}

// RatchetPacket frames a session message:
// {"type": "prekey-message"|"ratchet-message", "from", "device", "body"}.
type RatchetPacket struct {
	Type   Kind   `json:"type"`
	From   string `json:"from"`
	Device uint32 `json:"device"`
	Body   []byte `json:"body"`
}

// NewRatchetPacket frames msg from the given sender inbox and device.
func NewRatchetPacket(from string, device uint32, msg *ratchet.CiphertextMessage) *Packet {
	kind := KindRatchetMessage
	if msg.Type == ratchet.PreKeyType {
		kind = KindPreKeyMessage
	}
	return &Packet{Ratchet: &RatchetPacket{Type: kind, From: from, Device: device, Body: msg.Serialized}}
}

// Message returns the session message carried by r.
func (r *RatchetPacket) Message() *ratchet.CiphertextMessage {
	typ := ratchet.WhisperType
	if r.Type == KindPreKeyMessage {
		typ = ratchet.PreKeyType
	}
	return &ratchet.CiphertextMessage{Type: typ, Serialized: r.Body}
}

// MarshalJSON implements json.Marshaler.
func (p *Packet) MarshalJSON() ([]byte, error) {
	switch {
	case p.Ratchet != nil:
		return json.Marshal(p.Ratchet)
	case p.Sealed != nil:
		return json.Marshal(p.Sealed)
	default:
		return nil, fmt.Errorf("%w: empty packet", ErrMalformed)
	}
}

// UnmarshalJSON implements json.Unmarshaler. The type discriminator is
// checked first; packets without one must be sealed boxes.
func (p *Packet) UnmarshalJSON(data []byte) error {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch head.Type {
	case KindPreKeyMessage, KindRatchetMessage:
		var r RatchetPacket
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if r.From == "" || len(r.Body) == 0 {
			return fmt.Errorf("%w: incomplete ratchet packet", ErrMalformed)
		}
		*p = Packet{Ratchet: &r}
	case "":
		var s sealedbox.Packet
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		*p = Packet{Sealed: &s}
	default:
		*p = Packet{Unknown: head.Type}
	}
	return nil
}

// ParsePacket decodes a relay message.
func ParsePacket(data []byte) (*Packet, error) {
	var p Packet
	if err := p.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &p, nil
}
