package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ezoterikus/ezo-go/internal/group"
)

const invitesDir = "invites/"

// Invite is a received group invitation waiting for the user to accept or
// decline it.
type Invite struct {
	From       string       `json:"from"`
	Group      *group.Group `json:"group"`
	ReceivedAt int64        `json:"receivedAt"`
}

func invitePath(groupID string) string { return invitesDir + groupID + ".json" }

// SaveInvite keeps inv until the user decides on it. A later invite to the
// same group replaces an earlier one.
func (s *Store) SaveInvite(inv *Invite) error {
	if inv.Group == nil {
		return fmt.Errorf("%w: invite without group", ErrInvalidID)
	}
	if err := validID(inv.Group.ID); err != nil {
		return err
	}
	if inv.ReceivedAt == 0 {
		inv.ReceivedAt = s.now().UnixMilli()
	}
	return s.putJSON(invitePath(inv.Group.ID), inv)
}

// Invite returns the pending invite to the group with the given id.
func (s *Store) Invite(groupID string) (*Invite, error) {
	if err := validID(groupID); err != nil {
		return nil, err
	}
	raw, err := s.get(invitePath(groupID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: invite %q", ErrNotFound, groupID)
	}
	var inv Invite
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("profile: invite %q: %w", groupID, err)
	}
	if inv.Group == nil {
		return nil, fmt.Errorf("profile: invite %q: no group", groupID)
	}
	return &inv, nil
}

// Invites returns all pending invites ordered by group id.
func (s *Store) Invites() ([]*Invite, error) {
	paths, err := s.fs.List(invitesDir)
	if err != nil {
		return nil, fmt.Errorf("profile: list invites: %w", err)
	}
	var (
		out  = []*Invite{}
		errs []error
	)
	for _, p := range paths {
		id, ok := strings.CutSuffix(strings.TrimPrefix(p, invitesDir), ".json")
		if !ok {
			continue
		}
		inv, err := s.Invite(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, inv)
	}
	return out, errors.Join(errs...)
}

// RemoveInvite discards the pending invite to a group.
func (s *Store) RemoveInvite(groupID string) error {
	if err := validID(groupID); err != nil {
		return err
	}
	if err := s.fs.Delete(invitePath(groupID)); err != nil {
		return fmt.Errorf("profile: remove invite: %w", err)
	}
	return nil
}
