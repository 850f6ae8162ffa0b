package ezo

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ezoterikus/ezo-go/internal/group"
	"github.com/ezoterikus/ezo-go/internal/keystore"
	"github.com/ezoterikus/ezo-go/internal/profile"
	"github.com/ezoterikus/ezo-go/internal/ratchet"
	"github.com/ezoterikus/ezo-go/internal/sealedbox"
	"github.com/ezoterikus/ezo-go/internal/wire"
)

// Event is something received from the relay.
type Event struct {
	Kind   wire.Kind
	From   string // sender inbox
	ChatID string // set for text, file and group messages
	Text   string
	TS     int64
	File   *wire.File   // metadata of a received file
	Group  *group.Group // group of a pending invite
	Card   *wire.Card   // card of a friend or of a pending request
}

var errUnknownGroup = errors.New("ezo: message for unknown group")

// Poll drains the profile's inbox on every relay, decrypts and dispatches
// each packet and persists chat history. Packets that fail are skipped;
// their errors are returned joined, together with the events of the
// packets that succeeded.
func (c *Client) Poll(ctx context.Context) ([]*Event, error) {
	relays, err := c.transports(ctx)
	if err != nil {
		return nil, err
	}
	inbox := c.inbox()
	var (
		events []*Event
		errs   []error
	)
	for _, r := range relays {
		msgs, _, err := r.Get(ctx, inbox)
		if err != nil {
			errs = append(errs, fmt.Errorf("client: poll: %w", err))
			continue
		}
		for _, raw := range msgs {
			ev, err := c.receive(raw)
			if err != nil {
				logf(c.logger, "client: dropped packet: %v", err)
				errs = append(errs, err)
				continue
			}
			if ev != nil {
				events = append(events, ev)
			}
		}
	}
	return events, errors.Join(errs...)
}

// receive decrypts one relay packet. Ratchet packets identify their
// sender through the session; sealed packets only claim one.
func (c *Client) receive(raw []byte) (*Event, error) {
	pkt, err := wire.ParsePacket(raw)
	if err != nil {
		return nil, err
	}
	if pkt.Unknown != "" {
		logf(c.logger, "client: ignoring packet of type %q", pkt.Unknown)
		return nil, nil
	}

	var (
		plaintext []byte
		sender    string
	)
	if rp := pkt.Ratchet; rp != nil {
		addr := keystore.Address{Name: rp.From, DeviceID: rp.Device}
		msg := rp.Message()
		if err := c.verifySender(addr, msg); err != nil {
			return nil, err
		}
		plaintext, err = c.cipher.Decrypt(addr, msg)
		if errors.Is(err, ratchet.ErrDuplicateMessage) {
			logf(c.logger, "client: duplicate message from %s", addr)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("client: decrypt from %s: %w", addr, err)
		}
		sender = rp.From
	} else {
		plaintext, err = sealedbox.OpenFrom(&c.identity.DH, pkt.Sealed)
		if err != nil {
			return nil, fmt.Errorf("client: open sealed packet: %w", err)
		}
	}

	p, err := wire.Unpack(plaintext)
	if err != nil {
		return nil, err
	}
	return c.dispatch(p, sender)
}

func (c *Client) dispatch(p *wire.Payload, sender string) (*Event, error) {
	switch p.T {
	case wire.KindText:
		var m wire.Text
		if err := p.Decode(&m); err != nil {
			return nil, err
		}
		return c.receiveText(firstOf(sender, m.From), m.Body, m.TS)
	case wire.KindFile:
		var f wire.File
		if err := p.Decode(&f); err != nil {
			return nil, err
		}
		return c.receiveFile(firstOf(sender, f.From), &f)
	case wire.KindGroupMessage:
		var gm wire.GroupMessage
		if err := p.Decode(&gm); err != nil {
			return nil, err
		}
		return c.receiveGroupMessage(&gm)
	case wire.KindGroupInvite:
		var inv wire.GroupInvite
		if err := p.Decode(&inv); err != nil {
			return nil, err
		}
		return c.receiveInvite(firstOf(sender, inv.From), inv.Group)
	case wire.KindFriendCard:
		return c.receiveCard(p.D)
	case wire.KindHandshake:
		var hs wire.Handshake
		if err := p.Decode(&hs); err != nil {
			return nil, err
		}
		return c.receiveHandshake(firstOf(sender, hs.From), hs.HasMyCard)
	default:
		logf(c.logger, "client: ignoring payload of unknown kind")
		return nil, nil
	}
}

// chatFor maps a sender inbox to its chat: the friend id, or "unk:<inbox>"
// for senders that are not friends.
func (c *Client) chatFor(from string) (string, *Friend, error) {
	fr, err := c.profile.FindFriend(from)
	if errors.Is(err, profile.ErrNotFound) || errors.Is(err, profile.ErrInvalidID) {
		return "unk:" + from, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return fr.ID, fr, nil
}

// acknowledge marks a friend who sent us something as having accepted us.
func (c *Client) acknowledge(fr *Friend) error {
	if fr == nil || fr.Ack {
		return nil
	}
	fr.Ack = true
	return c.profile.SaveFriend(fr)
}

func (c *Client) receiveText(from, body string, ts int64) (*Event, error) {
	chatID, fr, err := c.chatFor(from)
	if err != nil {
		return nil, err
	}
	if ts == 0 {
		ts = c.now().UnixMilli()
	}
	if err := c.profile.AppendMessage(chatID, profile.Message{Text: body, TS: ts}); err != nil {
		return nil, err
	}
	if err := c.acknowledge(fr); err != nil {
		return nil, err
	}
	return &Event{Kind: wire.KindText, From: from, ChatID: chatID, Text: body, TS: ts}, nil
}

// fileName reduces a received name to a single safe path segment.
func fileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == ".." || strings.HasPrefix(name, "_") {
		return "file"
	}
	return name
}

func (c *Client) receiveFile(from string, f *wire.File) (*Event, error) {
	chatID, fr, err := c.chatFor(from)
	if err != nil {
		return nil, err
	}
	f.Name = fileName(f.Name)
	if f.DataB64 != "" {
		data, err := base64.StdEncoding.DecodeString(f.DataB64)
		if err != nil {
			return nil, fmt.Errorf("%w: file data: %v", wire.ErrMalformed, err)
		}
		if f.SHA256 != "" {
			sum := sha256.Sum256(data)
			if !strings.EqualFold(hex.EncodeToString(sum[:]), f.SHA256) {
				return nil, fmt.Errorf("%w: file %s checksum mismatch", wire.ErrMalformed, f.FileID)
			}
		}
		if err := c.profile.SaveFile(chatID, f.FileID, f.Name, data); err != nil {
			return nil, err
		}
		f.DataB64 = ""
	}
	ts := c.now().UnixMilli()
	text := fileText(f)
	if err := c.profile.AppendMessage(chatID, profile.Message{Text: text, TS: ts}); err != nil {
		return nil, err
	}
	if err := c.acknowledge(fr); err != nil {
		return nil, err
	}
	return &Event{Kind: wire.KindFile, From: from, ChatID: chatID, Text: text, TS: ts, File: f}, nil
}

func (c *Client) receiveGroupMessage(gm *wire.GroupMessage) (*Event, error) {
	g, err := c.profile.LoadGroup(gm.GID)
	if errors.Is(err, profile.ErrNotFound) || errors.Is(err, profile.ErrInvalidID) {
		return nil, fmt.Errorf("%w: %q", errUnknownGroup, gm.GID)
	}
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(gm.IVB64)
	if err != nil {
		return nil, fmt.Errorf("%w: group nonce", wire.ErrMalformed)
	}
	ct, err := base64.StdEncoding.DecodeString(gm.CTB64)
	if err != nil {
		return nil, fmt.Errorf("%w: group ciphertext", wire.ErrMalformed)
	}
	plaintext, err := g.Decrypt(nonce, ct)
	if err != nil {
		return nil, fmt.Errorf("client: group %s: %w", g.ID, err)
	}
	var body wire.GroupBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return nil, fmt.Errorf("%w: group body: %v", wire.ErrMalformed, err)
	}
	if body.TS == 0 {
		body.TS = c.now().UnixMilli()
	}
	chatID := groupChatID(g.ID)
	if err := c.profile.AppendMessage(chatID, profile.Message{Text: body.Body, TS: body.TS, From: body.From}); err != nil {
		return nil, err
	}
	return &Event{Kind: wire.KindGroupMessage, From: body.From, ChatID: chatID, Text: body.Body, TS: body.TS}, nil
}

// receiveInvite keeps a group invite pending until the user accepts it.
func (c *Client) receiveInvite(from string, g *group.Group) (*Event, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: invite without group", wire.ErrMalformed)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := c.profile.SaveInvite(&profile.Invite{From: from, Group: g}); err != nil {
		return nil, err
	}
	return &Event{Kind: wire.KindGroupInvite, From: from, Group: g}, nil
}

// receiveCard marks an existing friend as mutual when the card carries the
// keys already stored for them. Any other card is kept pending until the
// user accepts it, so a received card never replaces key material. Cards
// of removed friends are dropped.
func (c *Client) receiveCard(raw json.RawMessage) (*Event, error) {
	card, v3, err := wire.ParseCard(raw)
	if err != nil {
		return nil, err
	}
	if card.Inbox == c.inbox() {
		return nil, nil
	}
	if deleted, err := c.isDeleted(card.ID); err != nil {
		return nil, err
	} else if deleted {
		logf(c.logger, "client: ignoring card of removed friend %s", card.ID)
		return nil, nil
	}

	fr, err := c.profile.FindFriend(card.ID)
	switch {
	case err == nil:
		same, err := sameKeys(fr, card, v3)
		if err != nil {
			return nil, err
		}
		if !same {
			logf(c.logger, "client: card for %s carries new keys, keeping it pending", card.ID)
			if err := c.profile.SavePendingCard(card.ID, raw); err != nil {
				return nil, err
			}
			break
		}
		if !fr.Mutual {
			fr.Mutual = true
			if err := c.profile.SaveFriend(fr); err != nil {
				return nil, err
			}
		}
	case errors.Is(err, profile.ErrNotFound):
		if err := c.profile.SavePendingCard(card.ID, raw); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return &Event{Kind: wire.KindFriendCard, From: card.Inbox, Card: card}, nil
}

func (c *Client) receiveHandshake(from string, hasMyCard bool) (*Event, error) {
	fr, err := c.profile.FindFriend(from)
	if errors.Is(err, profile.ErrNotFound) || errors.Is(err, profile.ErrInvalidID) {
		logf(c.logger, "client: handshake from unknown sender")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fr.Ack = true
	if hasMyCard {
		fr.Mutual = true
	}
	if err := c.profile.SaveFriend(fr); err != nil {
		return nil, err
	}
	return &Event{Kind: wire.KindHandshake, From: from}, nil
}

func firstOf(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
