package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ezoterikus/ezo-go/internal/identity"
	"github.com/ezoterikus/ezo-go/internal/ratchet"
)

const (
	CardKindV1 = "ezocard/v1"
	CardKindV3 = "ezocard/v3"

	cardProto = "x3dh+dr/ezo-2025"
)

var ErrBadCard = errors.New("wire: bad friend card")

var b64 = base64.StdEncoding

// Card is a v1 friend card: enough to reach a peer with sealed boxes.
type Card struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Bio    string `json:"bio"`
	Inbox  string `json:"inbox"`
	PubB64 string `json:"pubB64"`
	Avatar string `json:"avatar,omitempty"`
}

// NewCard builds a v1 card. Empty name, id and inbox fall back to each
// other as peers expect.
func NewCard(id, name, bio, inbox string, pub []byte, avatar string) *Card {
	c := &Card{
		Kind:   CardKindV1,
		ID:     firstOf(id, name),
		Name:   firstOf(name, id),
		Bio:    bio,
		PubB64: b64.EncodeToString(pub),
		Avatar: avatar,
	}
	c.Inbox = firstOf(inbox, c.ID)
	return c
}

// Validate checks the fields a receiver needs.
func (c *Card) Validate() error {
	if c.Kind != CardKindV1 || c.ID == "" {
		return fmt.Errorf("%w: kind %q id %q", ErrBadCard, c.Kind, c.ID)
	}
	if _, err := c.PublicKey(); err != nil {
		return err
	}
	return nil
}

// PublicKey returns the decoded sealed-box key.
func (c *Card) PublicKey() ([]byte, error) {
	pub, err := b64.DecodeString(c.PubB64)
	if err != nil || len(pub) != identity.KeySize {
		return nil, fmt.Errorf("%w: public key", ErrBadCard)
	}
	return pub, nil
}

// CardUser is the profile part of a v3 card.
type CardUser struct {
	ID     string `json:"id"`
	Inbox  string `json:"inbox"`
	Name   string `json:"name"`
	Bio    string `json:"bio"`
	Avatar string `json:"avatar,omitempty"`
}

type CardKey struct {
	ID  uint32 `json:"id"`
	Key string `json:"key"`
}

type SignedCardKey struct {
	ID  uint32 `json:"id"`
	Key string `json:"key"`
	Sig string `json:"sig"`
}

// SignalCard is the published prekey bundle of a v3 card.
type SignalCard struct {
	RegistrationID uint32         `json:"registrationId"`
	DeviceID       uint32         `json:"deviceId"`
	IdentityKey    string         `json:"identityKey"`
	SignedPreKey   SignedCardKey  `json:"signedPreKey"`
	OneTimePreKeys []CardKey      `json:"oneTimePreKeys"`
	KyberPreKey    *SignedCardKey `json:"kyberPreKey,omitempty"`
}

type CardAlg struct {
	KDF   string `json:"kdf"`
	AEAD  string `json:"aead"`
	Curve string `json:"curve"`
	KEM   string `json:"kem,omitempty"`
}

type CardCapabilities struct {
	DR     bool `json:"dr"`
	Groups bool `json:"groups"`
	Files  bool `json:"files"`
}

// CardV3 is a friend card carrying a prekey bundle, so the holder can
// start a ratchet session without an exchange.
type CardV3 struct {
	Kind         string           `json:"kind"`
	Proto        string           `json:"proto"`
	User         CardUser         `json:"user"`
	Signal       SignalCard       `json:"signal"`
	Alg          CardAlg          `json:"alg"`
	Capabilities CardCapabilities `json:"capabilities"`
}

// NewCardV3 publishes b for user.
func NewCardV3(user CardUser, b *ratchet.PreKeyBundle) *CardV3 {
	c := &CardV3{
		Kind:  CardKindV3,
		Proto: cardProto,
		User:  user,
		Signal: SignalCard{
			RegistrationID: b.RegistrationID,
			DeviceID:       b.DeviceID,
			IdentityKey:    b64.EncodeToString(b.IdentityKey.Serialize()),
			SignedPreKey: SignedCardKey{
				ID:  b.SignedPreKeyID,
				Key: b64.EncodeToString(b.SignedPreKey),
				Sig: b64.EncodeToString(b.SignedPreKeySignature),
			},
			OneTimePreKeys: []CardKey{},
		},
		Alg:          CardAlg{KDF: "HKDF-SHA256", AEAD: "AES-256-GCM", Curve: "X25519"},
		Capabilities: CardCapabilities{DR: true, Groups: true, Files: true},
	}
	if b.PreKey != nil {
		c.Signal.OneTimePreKeys = append(c.Signal.OneTimePreKeys, CardKey{ID: b.PreKeyID, Key: b64.EncodeToString(b.PreKey)})
	}
	if b.KyberPreKey != nil {
		c.Signal.KyberPreKey = &SignedCardKey{
			ID:  b.KyberPreKeyID,
			Key: b64.EncodeToString(b.KyberPreKey),
			Sig: b64.EncodeToString(b.KyberPreKeySignature),
		}
		c.Alg.KEM = "ML-KEM-768"
	}
	return c
}

func decodeKey(name, s string) ([]byte, error) {
	b, err := b64.DecodeString(s)
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadCard, name)
	}
	return b, nil
}

// IdentityKey returns the decoded identity key.
func (c *CardV3) IdentityKey() (*identity.PublicKey, error) {
	raw, err := decodeKey("identity key", c.Signal.IdentityKey)
	if err != nil {
		return nil, err
	}
	key, err := identity.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCard, err)
	}
	return key, nil
}

// Bundle converts the card's signal section into a prekey bundle. The
// signatures are checked when the bundle is processed.
func (c *CardV3) Bundle() (*ratchet.PreKeyBundle, error) {
	ik, err := c.IdentityKey()
	if err != nil {
		return nil, err
	}
	b := &ratchet.PreKeyBundle{
		RegistrationID: c.Signal.RegistrationID,
		DeviceID:       max(c.Signal.DeviceID, 1),
		IdentityKey:    ik,
		SignedPreKeyID: c.Signal.SignedPreKey.ID,
	}
	if b.SignedPreKey, err = decodeKey("signed pre-key", c.Signal.SignedPreKey.Key); err != nil {
		return nil, err
	}
	if b.SignedPreKeySignature, err = decodeKey("signed pre-key signature", c.Signal.SignedPreKey.Sig); err != nil {
		return nil, err
	}
	if len(c.Signal.OneTimePreKeys) > 0 {
		opk := c.Signal.OneTimePreKeys[0]
		b.PreKeyID = opk.ID
		if b.PreKey, err = decodeKey("one-time pre-key", opk.Key); err != nil {
			return nil, err
		}
	}
	if k := c.Signal.KyberPreKey; k != nil {
		b.KyberPreKeyID = k.ID
		if b.KyberPreKey, err = decodeKey("kyber pre-key", k.Key); err != nil {
			return nil, err
		}
		if b.KyberPreKeySignature, err = decodeKey("kyber pre-key signature", k.Sig); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// V1 returns the sealed-box view of c. The sealed-box key is the X25519
// half of the identity key.
func (c *CardV3) V1() (*Card, error) {
	ik, err := c.IdentityKey()
	if err != nil {
		return nil, err
	}
	return NewCard(c.User.ID, c.User.Name, c.User.Bio, c.User.Inbox, ik.DH, c.User.Avatar), nil
}

// ParseCard decodes a v1 or v3 card. It always returns the v1 view; v3 is
// non-nil only for v3 cards.
func ParseCard(data []byte) (*Card, *CardV3, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadCard, err)
	}
	switch head.Kind {
	case CardKindV1:
		var c Card
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBadCard, err)
		}
		if err := c.Validate(); err != nil {
			return nil, nil, err
		}
		return &c, nil, nil
	case CardKindV3:
		var v3 CardV3
		if err := json.Unmarshal(data, &v3); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBadCard, err)
		}
		if v3.User.ID == "" {
			return nil, nil, fmt.Errorf("%w: missing user id", ErrBadCard)
		}
		if _, err := v3.Bundle(); err != nil {
			return nil, nil, err
		}
		c, err := v3.V1()
		if err != nil {
			return nil, nil, err
		}
		return c, &v3, nil
	default:
		return nil, nil, fmt.Errorf("%w: kind %q", ErrBadCard, head.Kind)
	}
}

func firstOf(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
