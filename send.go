package ezo

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ezoterikus/ezo-go/internal/group"
	"github.com/ezoterikus/ezo-go/internal/profile"
	"github.com/ezoterikus/ezo-go/internal/sealedbox"
	"github.com/ezoterikus/ezo-go/internal/wire"
)

// MaxFileSize is the largest file sent inline in a message.
const MaxFileSize = 8 << 20

var ErrFileTooLarge = errors.New("ezo: file too large")

// seal encrypts a payload to pubB64 with a sealed box.
func seal(pubB64 string, kind wire.Kind, v any) (*wire.Packet, error) {
	pub, err := publicKey(pubB64)
	if err != nil {
		return nil, err
	}
	payload, err := wire.Pack(kind, v)
	if err != nil {
		return nil, err
	}
	sp, err := sealedbox.SealTo(pub, payload)
	if err != nil {
		return nil, err
	}
	return &wire.Packet{Sealed: sp}, nil
}

// encrypt uses the ratchet session when the friend published a bundle and
// falls back to a sealed box otherwise.
func (c *Client) encrypt(fr *Friend, kind wire.Kind, v any) (*wire.Packet, error) {
	if fr.CardV3 == nil {
		return seal(fr.PubB64, kind, v)
	}
	addr, err := c.ensureSession(fr)
	if err != nil {
		return nil, err
	}
	payload, err := wire.Pack(kind, v)
	if err != nil {
		return nil, err
	}
	msg, err := c.cipher.Encrypt(addr, payload)
	if err != nil {
		return nil, err
	}
	return wire.NewRatchetPacket(c.inbox(), deviceID, msg), nil
}

// SendText sends a chat message to a friend and records it in the chat
// history.
func (c *Client) SendText(ctx context.Context, friendID, text string) error {
	fr, err := c.profile.LoadFriend(friendID)
	if err != nil {
		return err
	}
	ts := c.now().UnixMilli()
	pkt, err := c.encrypt(fr, wire.KindText, wire.Text{From: c.inbox(), Body: text, TS: ts})
	if err != nil {
		return fmt.Errorf("client: send text: %w", err)
	}
	if err := c.deliver(ctx, fr.Inbox, pkt); err != nil {
		return err
	}
	return c.profile.AppendMessage(fr.ID, profile.Message{Text: text, Me: true, TS: ts})
}

// SendFile sends a file inline. The file is also kept in the profile.
func (c *Client) SendFile(ctx context.Context, friendID, name, mime string, data []byte) error {
	if len(data) > MaxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(data))
	}
	fr, err := c.profile.LoadFriend(friendID)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	f := wire.File{
		From:    c.inbox(),
		FileID:  uuid.NewString(),
		Name:    name,
		Size:    int64(len(data)),
		Mime:    mime,
		SHA256:  hex.EncodeToString(sum[:]),
		DataB64: base64.StdEncoding.EncodeToString(data),
	}
	if err := c.profile.SaveFile(fr.ID, f.FileID, f.Name, data); err != nil {
		return err
	}
	pkt, err := c.encrypt(fr, wire.KindFile, f)
	if err != nil {
		return fmt.Errorf("client: send file: %w", err)
	}
	if err := c.deliver(ctx, fr.Inbox, pkt); err != nil {
		return err
	}
	return c.profile.AppendMessage(fr.ID, profile.Message{Text: fileText(&f), Me: true, TS: c.now().UnixMilli()})
}

func fileText(f *wire.File) string {
	return fmt.Sprintf("[file] %s (%d bytes) %s", f.Name, f.Size, f.FileID)
}

// SendHandshake acknowledges a friend. hasMyCard tells the friend that
// they are in this profile's friend list too.
func (c *Client) SendHandshake(ctx context.Context, friendID string, hasMyCard bool) error {
	fr, err := c.profile.LoadFriend(friendID)
	if err != nil {
		return err
	}
	pkt, err := seal(fr.PubB64, wire.KindHandshake, wire.Handshake{From: c.inbox(), HasMyCard: hasMyCard})
	if err != nil {
		return fmt.Errorf("client: send handshake: %w", err)
	}
	return c.deliver(ctx, fr.Inbox, pkt)
}

// SendCard sends this profile's v3 card to a friend, so they can add it.
func (c *Client) SendCard(ctx context.Context, friendID string) error {
	fr, err := c.profile.LoadFriend(friendID)
	if err != nil {
		return err
	}
	card, err := c.Card()
	if err != nil {
		return err
	}
	pkt, err := seal(fr.PubB64, wire.KindFriendCard, card)
	if err != nil {
		return fmt.Errorf("client: send card: %w", err)
	}
	return c.deliver(ctx, fr.Inbox, pkt)
}

// CreateGroup creates a group with this profile as its only member.
func (c *Client) CreateGroup(name string) (*Group, error) {
	g, err := group.New(name, c.now())
	if err != nil {
		return nil, err
	}
	g.AddMember(group.Member{ID: c.inbox(), Inbox: c.inbox(), PubB64: c.myPubB64()})
	if err := c.profile.SaveGroup(g); err != nil {
		return nil, err
	}
	return g, nil
}

// Groups returns all groups.
func (c *Client) Groups() ([]*Group, error) {
	return c.profile.Groups()
}

// Group returns the group with the given id.
func (c *Client) Group(id string) (*Group, error) {
	return c.profile.LoadGroup(id)
}

// PendingInvites returns received group invites that were not accepted or
// declined yet.
func (c *Client) PendingInvites() ([]*profile.Invite, error) {
	return c.profile.Invites()
}

// AcceptInvite joins the group of a pending invite. For a group already
// known, the stored key is kept and members missing from it are added.
func (c *Client) AcceptInvite(groupID string) (*Group, error) {
	inv, err := c.profile.Invite(groupID)
	if err != nil {
		return nil, err
	}
	g := inv.Group
	if err := g.Validate(); err != nil {
		return nil, err
	}
	existing, err := c.profile.LoadGroup(g.ID)
	switch {
	case err == nil:
		for _, m := range g.Members {
			existing.AddMember(m)
		}
		g = existing
	case !errors.Is(err, profile.ErrNotFound):
		return nil, err
	}
	if err := c.profile.SaveGroup(g); err != nil {
		return nil, err
	}
	if err := c.profile.RemoveInvite(groupID); err != nil {
		return nil, err
	}
	logf(c.logger, "client: joined group %s", g.ID)
	return g, nil
}

// DeclineInvite drops a pending invite.
func (c *Client) DeclineInvite(groupID string) error {
	return c.profile.RemoveInvite(groupID)
}

// SendGroupInvite adds a friend to a group and sends them the group,
// including its key.
func (c *Client) SendGroupInvite(ctx context.Context, groupID, friendID string) error {
	g, err := c.profile.LoadGroup(groupID)
	if err != nil {
		return err
	}
	fr, err := c.profile.LoadFriend(friendID)
	if err != nil {
		return err
	}
	if g.AddMember(group.Member{ID: fr.ID, Inbox: fr.Inbox, PubB64: fr.PubB64}) {
		if err := c.profile.SaveGroup(g); err != nil {
			return err
		}
	}
	pkt, err := c.encrypt(fr, wire.KindGroupInvite, wire.GroupInvite{From: c.inbox(), Group: g})
	if err != nil {
		return fmt.Errorf("client: send invite: %w", err)
	}
	return c.deliver(ctx, fr.Inbox, pkt)
}

// SendGroupText encrypts text with the group key and sends a sealed copy
// to every other member. The message is recorded even if some members
// could not be reached; their errors are returned joined.
func (c *Client) SendGroupText(ctx context.Context, groupID, text string) error {
	g, err := c.profile.LoadGroup(groupID)
	if err != nil {
		return err
	}
	me := c.inbox()
	ts := c.now().UnixMilli()
	body, err := json.Marshal(wire.GroupBody{From: me, Body: text, TS: ts})
	if err != nil {
		return err
	}
	nonce, ct, err := g.Encrypt(body)
	if err != nil {
		return fmt.Errorf("client: send group text: %w", err)
	}
	gm := wire.GroupMessage{
		GID:   g.ID,
		IVB64: base64.StdEncoding.EncodeToString(nonce),
		CTB64: base64.StdEncoding.EncodeToString(ct),
	}

	var errs []error
	for _, m := range g.Members {
		if m.Inbox == me {
			continue
		}
		pkt, err := seal(m.PubB64, wire.KindGroupMessage, gm)
		if err == nil {
			err = c.deliver(ctx, m.Inbox, pkt)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", m.ID, err))
		}
	}
	if err := c.profile.AppendMessage(groupChatID(g.ID), profile.Message{Text: text, Me: true, TS: ts, From: me}); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func groupChatID(id string) string { return "g:" + id }

// Chat returns the history of a chat: a friend id, "g:<group id>" or
// "unk:<inbox>" for messages from unknown senders.
func (c *Client) Chat(chatID string) ([]ChatMessage, error) {
	return c.profile.Chat(chatID)
}

// ChatIDs returns the ids of all chats with history.
func (c *Client) ChatIDs() ([]string, error) {
	return c.profile.ChatIDs()
}

// File returns a file sent or received in a chat.
func (c *Client) File(chatID, fileID, name string) ([]byte, error) {
	return c.profile.File(chatID, fileID, name)
}
