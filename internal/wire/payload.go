// Package wire defines the JSON messages exchanged between peers: the
// typed payload carried inside encrypted packets, the relay packet
// framing, and friend cards.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ezoterikus/ezo-go/internal/group"
)

// Kind discriminates payloads and ratchet packets.
type Kind string

const (
	KindHandshake      Kind = "handshake"
	KindFriendCard     Kind = "friend-card"
	KindGroupInvite    Kind = "ginvite"
	KindText           Kind = "text"
	KindFile           Kind = "file"
	KindGroupMessage   Kind = "gmsg"
	KindPreKeyMessage  Kind = "prekey-message"
	KindRatchetMessage Kind = "ratchet-message"

	// KindUnknown marks a payload whose discriminator is not recognized.
	// Such payloads are ignored by receivers.
	KindUnknown Kind = ""
)

var knownKinds = map[Kind]bool{
	KindHandshake:      true,
	KindFriendCard:     true,
	KindGroupInvite:    true,
	KindText:           true,
	KindFile:           true,
	KindGroupMessage:   true,
	KindPreKeyMessage:  true,
	KindRatchetMessage: true,
}

var ErrMalformed = errors.New("wire: malformed message")

// Payload is the plaintext of every encrypted message: {"t": kind, "d": data}.
type Payload struct {
	T Kind            `json:"t"`
	D json.RawMessage `json:"d"`
}

// Pack encodes v as the data of a payload of the given kind.
func Pack(kind Kind, v any) ([]byte, error) {
	d, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: pack %s: %w", kind, err)
	}
	return json.Marshal(Payload{T: kind, D: d})
}

// Unpack decodes the payload envelope only. The data is left raw until
// Decode is called, so an unrecognized kind never has its fields parsed.
func Unpack(data []byte) (*Payload, error) {
	var raw struct {
		T *string         `json:"t"`
		D json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.T == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	p := &Payload{T: Kind(*raw.T), D: raw.D}
	if !knownKinds[p.T] {
		p.T = KindUnknown
	}
	return p, nil
}

// Decode parses the payload data into v.
func (p *Payload) Decode(v any) error {
	if len(p.D) == 0 {
		return fmt.Errorf("%w: %s: missing data", ErrMalformed, p.T)
	}
	if err := json.Unmarshal(p.D, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, p.T, err)
	}
	return nil
}

// Handshake acknowledges a friend request. HasMyCard tells the receiver
// that the sender has also added them.
type Handshake struct {
	From      string `json:"from"`
	HasMyCard bool   `json:"hasMyCard"`
}

type Text struct {
	From string `json:"from"`
	Body string `json:"body"`
	TS   int64  `json:"ts"`
}

// File carries file metadata and, for small files, the content inline.
type File struct {
	From    string `json:"from"`
	FileID  string `json:"fileId"`
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Mime    string `json:"mime,omitempty"`
	SHA256  string `json:"sha256,omitempty"`
	DataB64 string `json:"dataB64,omitempty"`
}

type GroupInvite struct {
	From  string       `json:"from,omitempty"`
	Group *group.Group `json:"group"`
}

// GroupMessage is a group-key ciphertext of a GroupBody.
type GroupMessage struct {
	GID   string `json:"gid"`
	IVB64 string `json:"ivB64"`
	CTB64 string `json:"ctB64"`
}

type GroupBody struct {
	From string `json:"from"`
	Body string `json:"body"`
	TS   int64  `json:"ts"`
}
