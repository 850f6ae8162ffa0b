package ezo

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"

	"github.com/ezoterikus/ezo-go/internal/keystore"
	"github.com/ezoterikus/ezo-go/internal/profile"
	"github.com/ezoterikus/ezo-go/internal/ratchet"
	"github.com/ezoterikus/ezo-go/internal/wire"
)

// Card returns a v3 friend card carrying a freshly generated prekey
// bundle. Each call publishes a new one-time prekey.
func (c *Client) Card() (*wire.CardV3, error) {
	b, err := ratchet.GeneratePreKeyBundle(c.keys, deviceID, c.now())
	if err != nil {
		return nil, fmt.Errorf("client: card: %w", err)
	}
	me := c.Me()
	user := wire.CardUser{ID: me.InboxID, Inbox: me.InboxID, Name: me.Name, Bio: me.Bio}
	return wire.NewCardV3(user, b), nil
}

// CardV1 returns the sealed-box-only card of the profile.
func (c *Client) CardV1() *wire.Card {
	me := c.Me()
	return wire.NewCard(me.InboxID, me.Name, me.Bio, me.InboxID, c.identity.DH.Public, "")
}

// AddFriend adds or updates a friend from a v1 or v3 card. Relationship
// flags of an existing friend are kept. A v3 card replaces the stored
// bundle. The card's identity key is pinned for the friend's address; a
// session or trust record left there by another key is dropped.
func (c *Client) AddFriend(card []byte) (*Friend, error) {
	v1, v3, err := wire.ParseCard(card)
	if err != nil {
		return nil, err
	}
	if v1.Inbox == c.inbox() {
		return nil, ErrSelf
	}
	fr := profile.FriendFromCard(v1, v3)
	old, err := c.profile.LoadFriend(fr.ID)
	switch {
	case err == nil:
		fr.CreatedAt, fr.Ack, fr.Mutual = old.CreatedAt, old.Ack, old.Mutual
		if fr.CardV3 == nil && old.PubB64 == fr.PubB64 {
			fr.CardV3 = old.CardV3
		}
	case !errors.Is(err, profile.ErrNotFound):
		return nil, err
	}
	if err := c.pinIdentity(fr); err != nil {
		return nil, err
	}
	if err := c.profile.SaveFriend(fr); err != nil {
		return nil, err
	}
	if err := c.profile.RemovePendingCard(fr.ID); err != nil {
		return nil, err
	}
	logf(c.logger, "client: friend %s saved", fr.ID)
	return fr, nil
}

// Friend returns the friend with the given id or inbox.
func (c *Client) Friend(id string) (*Friend, error) {
	return c.profile.FindFriend(id)
}

// Friends returns all friends.
func (c *Client) Friends() ([]*Friend, error) {
	return c.profile.Friends()
}

// RemoveFriend deletes the friend and its ratchet session. Cards from a
// removed friend are no longer accepted from the relay.
func (c *Client) RemoveFriend(id string) error {
	fr, err := c.profile.LoadFriend(id)
	if err != nil {
		return err
	}
	if err := c.profile.MarkFriendDeleted(fr.ID); err != nil {
		return err
	}
	return c.keys.DeleteSession(friendAddress(fr))
}

// PendingCards returns cards received from people who are not friends yet,
// keyed by their id.
func (c *Client) PendingCards() (map[string]*wire.Card, error) {
	ids, err := c.profile.PendingIDs()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*wire.Card, len(ids))
	var errs []error
	for _, id := range ids {
		raw, err := c.profile.PendingCard(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		card, _, err := wire.ParseCard(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("pending card %s: %w", id, err))
			continue
		}
		out[id] = card
	}
	return out, errors.Join(errs...)
}

// AcceptPending adds the sender of a pending card as a friend.
func (c *Client) AcceptPending(id string) (*Friend, error) {
	raw, err := c.profile.PendingCard(id)
	if err != nil {
		return nil, err
	}
	return c.AddFriend(raw)
}

// DiscardPending drops a pending card.
func (c *Client) DiscardPending(id string) error {
	return c.profile.RemovePendingCard(id)
}

// isDeleted reports whether id was removed by the user.
func (c *Client) isDeleted(id string) (bool, error) {
	ids, err := c.profile.DeletedFriends()
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, id), nil
}

// friendAddress is the ratchet address of a friend: its inbox and the
// device from its card.
func friendAddress(fr *Friend) keystore.Address {
	addr := keystore.Address{Name: fr.Inbox, DeviceID: deviceID}
	if fr.CardV3 != nil && fr.CardV3.Signal.DeviceID != 0 {
		addr.DeviceID = fr.CardV3.Signal.DeviceID
	}
	return addr
}

// pinIdentity records the identity key of fr's card as the trusted key of
// its address. A session or trust record for another key is removed.
func (c *Client) pinIdentity(fr *Friend) error {
	addr := friendAddress(fr)
	pub, err := publicKey(fr.PubB64)
	if err != nil {
		return err
	}
	known, err := c.keys.GetIdentity(addr)
	if err != nil {
		return err
	}
	stale := known != nil && !bytes.Equal(known.DH, pub)
	if fr.CardV3 != nil {
		ik, err := fr.CardV3.IdentityKey()
		if err != nil {
			return err
		}
		changed, err := c.keys.SaveIdentity(addr, ik)
		if err != nil {
			return err
		}
		stale = stale || changed
	} else if stale {
		if err := c.keys.ForgetIdentity(addr); err != nil {
			return err
		}
	}
	if !stale {
		return nil
	}
	logf(c.logger, "client: identity for %s changed, dropping session", addr)
	return c.keys.DeleteSession(addr)
}

// verifySender rejects a ratchet message that names a friend as its
// sender but is bound to another identity than the friend's card.
// Messages from senders that are not friends are left to the session.
func (c *Client) verifySender(addr keystore.Address, msg *ratchet.CiphertextMessage) error {
	fr, err := c.profile.FindFriend(addr.Name)
	if errors.Is(err, profile.ErrNotFound) || errors.Is(err, profile.ErrInvalidID) {
		return nil
	}
	if err != nil {
		return err
	}
	key, err := c.cipher.SenderIdentity(addr, msg)
	if err != nil || key == nil {
		return err
	}
	pub, err := publicKey(fr.PubB64)
	if err != nil {
		return err
	}
	if !bytes.Equal(key.DH, pub) {
		return fmt.Errorf("client: message from %s: %w", addr, ratchet.ErrUntrustedIdentity)
	}
	return nil
}

// sameKeys reports whether a received card carries the key material
// already stored for fr.
func sameKeys(fr *Friend, card *wire.Card, v3 *wire.CardV3) (bool, error) {
	if card.PubB64 != fr.PubB64 {
		return false, nil
	}
	if v3 == nil {
		return true, nil
	}
	if fr.CardV3 == nil {
		return false, nil
	}
	theirs, err := v3.IdentityKey()
	if err != nil {
		return false, err
	}
	ours, err := fr.CardV3.IdentityKey()
	if err != nil {
		return false, err
	}
	return ours.Equal(theirs), nil
}

// ensureSession starts a ratchet session from the friend's card bundle
// when none exists.
func (c *Client) ensureSession(fr *Friend) (keystore.Address, error) {
	addr := friendAddress(fr)
	ok, err := c.cipher.HasSession(addr)
	if err != nil || ok {
		return addr, err
	}
	b, err := fr.CardV3.Bundle()
	if err != nil {
		return addr, err
	}
	if err := c.cipher.ProcessPreKeyBundle(addr, b); err != nil {
		return addr, err
	}
	logf(c.logger, "client: started session with %s", addr)
	return addr, nil
}

func (c *Client) myPubB64() string {
	return base64.StdEncoding.EncodeToString(c.identity.DH.Public)
}
