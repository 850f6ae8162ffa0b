// Package group holds group chat descriptors and the shared-key
// encryption used for group messages.
package group

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ezoterikus/ezo-go/internal/envelope"
)

var ErrInvalidKey = errors.New("group: invalid key")

// Member is a group participant. Messages are fanned out to each member's
// inbox as sealed boxes addressed to PubB64.
type Member struct {
	ID     string `json:"id"`
	Inbox  string `json:"inbox"`
	PubB64 string `json:"pubB64"`
}

// Group is a group chat and its shared AES-256 key.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Members   []Member `json:"members"`
	KeyB64    string   `json:"keyB64"`
	CreatedAt int64    `json:"createdAt"`
}

// New creates a group with a random id and key. An empty name defaults
// to the id.
func New(name string, now time.Time) (*Group, error) {
	key := make([]byte, envelope.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("group: generate key: %w", err)
	}
	id := uuid.NewString()
	if name == "" {
		name = id
	}
	return &Group{
		ID:        id,
		Name:      name,
		Members:   []Member{},
		KeyB64:    base64.StdEncoding.EncodeToString(key),
		CreatedAt: now.UnixMilli(),
	}, nil
}

// Validate checks that g has an id and a usable key.
func (g *Group) Validate() error {
	if g.ID == "" {
		return errors.New("group: missing id")
	}
	_, err := g.key()
	return err
}

func (g *Group) key() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(g.KeyB64)
	if err != nil || len(key) != envelope.KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// AddMember adds m unless a member with the same id exists. It reports
// whether g changed.
func (g *Group) AddMember(m Member) bool {
	if slices.ContainsFunc(g.Members, func(x Member) bool { return x.ID == m.ID }) {
		return false
	}
	g.Members = append(g.Members, m)
	return true
}

// Encrypt seals plaintext under the group key. The group id is bound as
// associated data.
func (g *Group) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	key, err := g.key()
	if err != nil {
		return nil, nil, err
	}
	return envelope.Seal(key, plaintext, []byte(g.ID))
}

// Decrypt opens a message sealed with Encrypt.
func (g *Group) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	key, err := g.key()
	if err != nil {
		return nil, err
	}
	return envelope.Open(key, nonce, ciphertext, []byte(g.ID))
}
