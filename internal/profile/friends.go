package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ezoterikus/ezo-go/internal/group"
	"github.com/ezoterikus/ezo-go/internal/wire"
)

const (
	friendsDir  = "friends/"
	deletedPath = friendsDir + "_deleted.json"
	groupsDir   = "groups/"
)

// Friend is a contact. Ack and Mutual are relationship flags shown to the
// user; they carry no cryptographic trust.
type Friend struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Inbox     string       `json:"inbox"`
	PubB64    string       `json:"pubB64"`
	Bio       string       `json:"bio"`
	CreatedAt int64        `json:"createdAt"`
	Mutual    bool         `json:"mutual"`
	Ack       bool         `json:"ack"`
	Avatar    string       `json:"avatar,omitempty"`
	CardV3    *wire.CardV3 `json:"cardV3,omitempty"`
}

// FriendFromCard builds a friend record from a parsed card.
func FriendFromCard(c *wire.Card, v3 *wire.CardV3) *Friend {
	return &Friend{
		ID:     c.ID,
		Name:   c.Name,
		Inbox:  c.Inbox,
		PubB64: c.PubB64,
		Bio:    c.Bio,
		Avatar: c.Avatar,
		CardV3: v3,
	}
}

func friendPath(id string) string { return friendsDir + id + ".json" }

// SaveFriend writes fr, filling in defaults for name, inbox and creation
// time.
func (s *Store) SaveFriend(fr *Friend) error {
	if err := validID(fr.ID); err != nil {
		return err
	}
	if fr.Name == "" {
		fr.Name = fr.ID
	}
	if fr.Inbox == "" {
		fr.Inbox = fr.ID
	}
	if fr.CreatedAt == 0 {
		fr.CreatedAt = s.now().UnixMilli()
	}
	return s.putJSON(friendPath(fr.ID), fr)
}

// LoadFriend reads the friend with the given id.
func (s *Store) LoadFriend(id string) (*Friend, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return s.loadFriend(friendPath(id))
}

func (s *Store) loadFriend(path string) (*Friend, error) {
	raw, err := s.get(path)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	var fr Friend
	if err := json.Unmarshal(raw, &fr); err != nil {
		return nil, fmt.Errorf("profile: %s: %w", path, err)
	}
	if fr.ID == "" {
		fr.ID = strings.TrimSuffix(strings.TrimPrefix(path, friendsDir), ".json")
	}
	if fr.Name == "" {
		fr.Name = fr.ID
	}
	if fr.Inbox == "" {
		fr.Inbox = fr.ID
	}
	return &fr, nil
}

// Friends returns all friends ordered by id. Unreadable entries are
// skipped and reported in the joined error alongside the readable ones.
func (s *Store) Friends() ([]*Friend, error) {
	paths, err := s.fs.List(friendsDir)
	if err != nil {
		return nil, fmt.Errorf("profile: list friends: %w", err)
	}
	var (
		out  []*Friend
		errs []error
	)
	for _, p := range paths {
		if p == deletedPath || !strings.HasSuffix(p, ".json") || strings.Contains(p[len(friendsDir):], "/") {
			continue
		}
		fr, err := s.loadFriend(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, fr)
	}
	return out, errors.Join(errs...)
}

// FindFriend returns the friend whose id or inbox is from.
func (s *Store) FindFriend(from string) (*Friend, error) {
	if validID(from) == nil {
		fr, err := s.LoadFriend(from)
		if err == nil {
			return fr, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	friends, err := s.Friends()
	for _, fr := range friends {
		if fr.Inbox == from || fr.ID == from {
			return fr, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: friend %q", ErrNotFound, from)
}

// MarkFriendDeleted removes the friend and records the id so that it is
// not re-added from a stale card.
func (s *Store) MarkFriendDeleted(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.deletedFriends()
	if err != nil {
		return err
	}
	if !slices.Contains(ids, id) {
		if err := s.putJSON(deletedPath, append(ids, id)); err != nil {
			return err
		}
	}
	if err := s.fs.Delete(friendPath(id)); err != nil {
		return fmt.Errorf("profile: delete friend: %w", err)
	}
	return nil
}

// DeletedFriends returns the ids of deleted friends.
func (s *Store) DeletedFriends() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletedFriends()
}

func (s *Store) deletedFriends() ([]string, error) {
	raw, err := s.get(deletedPath)
	if err != nil || raw == nil {
		return []string{}, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		logf(s.logger, "profile: deleted friends list unreadable, resetting: %v", err)
		return []string{}, nil
	}
	return ids, nil
}

func groupPath(id string) string { return groupsDir + id + ".json" }

// SaveGroup writes g.
func (s *Store) SaveGroup(g *group.Group) error {
	if err := validID(g.ID); err != nil {
		return err
	}
	if g.Members == nil {
		g.Members = []group.Member{}
	}
	return s.putJSON(groupPath(g.ID), g)
}

// LoadGroup reads the group with the given id.
func (s *Store) LoadGroup(id string) (*group.Group, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	raw, err := s.get(groupPath(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: group %q", ErrNotFound, id)
	}
	var g group.Group
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("profile: group %q: %w", id, err)
	}
	return &g, nil
}

// Groups returns all stored groups ordered by id.
func (s *Store) Groups() ([]*group.Group, error) {
	paths, err := s.fs.List(groupsDir)
	if err != nil {
		return nil, fmt.Errorf("profile: list groups: %w", err)
	}
	var (
		out  []*group.Group
		errs []error
	)
	for _, p := range paths {
		id, ok := strings.CutSuffix(strings.TrimPrefix(p, groupsDir), ".json")
		if !ok {
			continue
		}
		g, err := s.LoadGroup(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, g)
	}
	return out, errors.Join(errs...)
}

const pendingDir = "pending/"

func pendingPath(id string) string { return pendingDir + id + ".json" }

// SavePendingCard keeps a card received from someone who is not a friend
// yet, until the user accepts or discards it.
func (s *Store) SavePendingCard(id string, card []byte) error {
	if err := validID(id); err != nil {
		return err
	}
	return s.put(pendingPath(id), card)
}

// PendingCard returns the raw card stored for id.
func (s *Store) PendingCard(id string) ([]byte, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	raw, err := s.get(pendingPath(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: pending card %q", ErrNotFound, id)
	}
	return raw, nil
}

// PendingIDs returns the ids of pending cards.
func (s *Store) PendingIDs() ([]string, error) {
	paths, err := s.fs.List(pendingDir)
	if err != nil {
		return nil, fmt.Errorf("profile: list pending: %w", err)
	}
	ids := []string{}
	for _, p := range paths {
		if id, ok := strings.CutSuffix(strings.TrimPrefix(p, pendingDir), ".json"); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// RemovePendingCard discards the pending card for id.
func (s *Store) RemovePendingCard(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := s.fs.Delete(pendingPath(id)); err != nil {
		return fmt.Errorf("profile: remove pending card: %w", err)
	}
	return nil
}
