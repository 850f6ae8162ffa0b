package ezo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ezoterikus/ezo-go/internal/group"
	"github.com/ezoterikus/ezo-go/internal/kdf"
	"github.com/ezoterikus/ezo-go/internal/keystore"
	"github.com/ezoterikus/ezo-go/internal/profile"
	"github.com/ezoterikus/ezo-go/internal/ratchet"
	"github.com/ezoterikus/ezo-go/internal/relay"
	"github.com/ezoterikus/ezo-go/internal/sealedbox"
	"github.com/ezoterikus/ezo-go/internal/storage"
	"github.com/ezoterikus/ezo-go/internal/vault"
	"github.com/ezoterikus/ezo-go/internal/wire"
)

var testParams = kdf.Params{Time: 1, MemoryKiB: 64, Parallelism: 1, Version: kdf.Version}

// memRelay is an in-process relay. With dup set every packet is queued
// twice, as a relay redelivering after a lost acknowledgement would.
type memRelay struct {
	mu    sync.Mutex
	boxes map[string][]json.RawMessage
	dup   bool
}

func newMemRelay() *memRelay {
	return &memRelay{boxes: make(map[string][]json.RawMessage)}
}

func (m *memRelay) Put(_ context.Context, to string, msg any) (int, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[to] = append(m.boxes[to], raw)
	if m.dup {
		m.boxes[to] = append(m.boxes[to], raw)
	}
	return len(m.boxes[to]), nil
}

func (m *memRelay) Get(_ context.Context, to string) ([]json.RawMessage, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.boxes[to]
	delete(m.boxes, to)
	return msgs, 0, nil
}

func (m *memRelay) peek(to string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.boxes[to]...)
}

func (m *memRelay) inject(to, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[to] = append(m.boxes[to], json.RawMessage(raw))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestClient(t *testing.T, handle string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithBackend(storage.NewMemory()), WithKDFParams(testParams)}, opts...)
	c, err := Create(testContext(t), handle, "correcthorse", opts...)
	if err != nil {
		t.Fatalf("Create(%s): %v", handle, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// befriend stores b's v3 card as a friend of a.
func befriend(t *testing.T, a, b *Client) *Friend {
	t.Helper()
	card, err := b.Card()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(card)
	if err != nil {
		t.Fatal(err)
	}
	fr, err := a.AddFriend(raw)
	if err != nil {
		t.Fatalf("AddFriend: %v", err)
	}
	return fr
}

func poll(t *testing.T, c *Client) []*Event {
	t.Helper()
	events, err := c.Poll(testContext(t))
	if err != nil {
		t.Fatalf("Poll(%s): %v", c.Handle(), err)
	}
	return events
}

func TestCreateOpen(t *testing.T) {
	ctx := testContext(t)
	backend := storage.NewMemory()
	opts := []Option{WithBackend(backend), WithKDFParams(testParams)}

	c, err := Create(ctx, "alice", "correcthorse", opts...)
	if err != nil {
		t.Fatal(err)
	}
	me, fp := c.Me(), c.Fingerprint()
	if me.Name != "alice" || me.InboxID == "" {
		t.Fatalf("Me = %+v", me)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := Create(ctx, "alice", "other", opts...); !errors.Is(err, vault.ErrExists) {
		t.Fatalf("second Create: err = %v", err)
	}

	_, err = Open(ctx, "alice", "wrong", opts...)
	if !errors.Is(err, vault.ErrWrongPassword) {
		t.Fatalf("Open with wrong password: err = %v", err)
	}
	if got := FriendlyError(err); got != "wrong password" {
		t.Fatalf("FriendlyError = %q", got)
	}

	c, err = Open(ctx, "alice", "correcthorse", opts...)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.Me().InboxID != me.InboxID || c.Fingerprint() != fp {
		t.Fatal("identity changed across reopen")
	}
}

func TestChangePassword(t *testing.T) {
	ctx := testContext(t)
	backend := storage.NewMemory()
	opts := []Option{WithBackend(backend), WithKDFParams(testParams)}

	c, err := Create(ctx, "alice", "old", opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.ChangePassword(ctx, "nope", "new"); !errors.Is(err, vault.ErrWrongPassword) {
		t.Fatalf("ChangePassword with wrong password: err = %v", err)
	}
	if err := c.ChangePassword(ctx, "old", "new"); err != nil {
		t.Fatal(err)
	}
	c.Close()

	if _, err := Open(ctx, "alice", "old", opts...); !errors.Is(err, vault.ErrWrongPassword) {
		t.Fatalf("Open with old password: err = %v", err)
	}
	c, err = Open(ctx, "alice", "new", opts...)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
}

func TestRatchetConversation(t *testing.T) {
	r := newMemRelay()
	alice := newTestClient(t, "alice", WithRelay(r))
	bob := newTestClient(t, "bob", WithRelay(r))
	ctx := testContext(t)

	aliceAtBob := befriend(t, bob, alice)
	bobAtAlice := befriend(t, alice, bob)
	if bobAtAlice.CardV3 == nil {
		t.Fatal("v3 card lost its bundle")
	}

	if err := alice.SendText(ctx, bobAtAlice.ID, "hi bob"); err != nil {
		t.Fatal(err)
	}
	queued := r.peek(bob.Me().InboxID)
	if len(queued) != 1 || !strings.Contains(string(queued[0]), `"prekey-message"`) {
		t.Fatalf("first packet = %s", queued)
	}

	events := poll(t, bob)
	if len(events) != 1 || events[0].Kind != wire.KindText || events[0].Text != "hi bob" || events[0].ChatID != aliceAtBob.ID {
		t.Fatalf("bob events = %+v", events)
	}
	if fr, _ := bob.Friend(aliceAtBob.ID); !fr.Ack {
		t.Fatal("sender not acknowledged")
	}

	if err := bob.SendText(ctx, aliceAtBob.ID, "hi alice"); err != nil {
		t.Fatal(err)
	}
	queued = r.peek(alice.Me().InboxID)
	if len(queued) != 1 || !strings.Contains(string(queued[0]), `"ratchet-message"`) {
		t.Fatalf("reply packet = %s", queued)
	}
	events = poll(t, alice)
	if len(events) != 1 || events[0].Text != "hi alice" || events[0].ChatID != bobAtAlice.ID {
		t.Fatalf("alice events = %+v", events)
	}

	for i := range 3 {
		if err := alice.SendText(ctx, bobAtAlice.ID, fmt.Sprint("more ", i)); err != nil {
			t.Fatal(err)
		}
	}
	if events := poll(t, bob); len(events) != 3 {
		t.Fatalf("bob got %d events, want 3", len(events))
	}

	history, err := alice.Chat(bobAtAlice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 5 || !history[0].Me || history[0].Text != "hi bob" || history[1].Me || history[1].Text != "hi alice" {
		t.Fatalf("alice history = %+v", history)
	}
	ids, _ := bob.ChatIDs()
	if len(ids) != 1 || ids[0] != aliceAtBob.ID {
		t.Fatalf("bob chats = %v", ids)
	}
}

func TestDuplicateDelivery(t *testing.T) {
	r := newMemRelay()
	r.dup = true
	alice := newTestClient(t, "alice", WithRelay(r))
	bob := newTestClient(t, "bob", WithRelay(r))
	ctx := testContext(t)

	befriend(t, bob, alice)
	bobAtAlice := befriend(t, alice, bob)

	if err := alice.SendText(ctx, bobAtAlice.ID, "once"); err != nil {
		t.Fatal(err)
	}
	events := poll(t, bob)
	if len(events) != 1 {
		t.Fatalf("got %d events for a duplicated packet", len(events))
	}
	history, _ := bob.Chat(alice.Me().InboxID)
	if len(history) != 1 {
		t.Fatalf("history = %+v", history)
	}
}

func TestSealedFallback(t *testing.T) {
	r := newMemRelay()
	r.dup = true
	alice := newTestClient(t, "alice", WithRelay(r))
	bob := newTestClient(t, "bob", WithRelay(r))
	ctx := testContext(t)

	raw, err := json.Marshal(alice.CardV1())
	if err != nil {
		t.Fatal(err)
	}
	fr, err := bob.AddFriend(raw)
	if err != nil {
		t.Fatal(err)
	}
	if fr.CardV3 != nil {
		t.Fatal("v1 card produced a bundle")
	}
	if err := bob.SendText(ctx, fr.ID, "psst"); err != nil {
		t.Fatal(err)
	}
	queued := r.peek(alice.Me().InboxID)
	if len(queued) != 2 || !strings.Contains(string(queued[0]), `"ephPub"`) {
		t.Fatalf("sealed packet = %s", queued)
	}

	events := poll(t, alice)
	want := "unk:" + bob.Me().InboxID
	if len(events) != 2 || events[0].ChatID != want || events[0].Text != "psst" {
		t.Fatalf("alice events = %+v", events)
	}
	history, err := alice.Chat(want)
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %+v, %v", history, err)
	}
}

func TestFriendRequestFlow(t *testing.T) {
	r := newMemRelay()
	alice := newTestClient(t, "alice", WithRelay(r))
	bob := newTestClient(t, "bob", WithRelay(r))
	ctx := testContext(t)
	aliceID := alice.Me().InboxID

	bobAtAlice := befriend(t, alice, bob)
	if err := alice.SendCard(ctx, bobAtAlice.ID); err != nil {
		t.Fatal(err)
	}
	events := poll(t, bob)
	if len(events) != 1 || events[0].Kind != wire.KindFriendCard || events[0].Card.ID != aliceID {
		t.Fatalf("bob events = %+v", events)
	}
	pending, err := bob.PendingCards()
	if err != nil || len(pending) != 1 || pending[aliceID] == nil {
		t.Fatalf("pending = %v, %v", pending, err)
	}

	fr, err := bob.AcceptPending(aliceID)
	if err != nil {
		t.Fatal(err)
	}
	if fr.CardV3 == nil || fr.Name != "alice" {
		t.Fatalf("accepted friend = %+v", fr)
	}
	if pending, _ := bob.PendingCards(); len(pending) != 0 {
		t.Fatalf("pending after accept = %v", pending)
	}

	if err := bob.SendHandshake(ctx, aliceID, true); err != nil {
		t.Fatal(err)
	}
	events = poll(t, alice)
	if len(events) != 1 || events[0].Kind != wire.KindHandshake {
		t.Fatalf("alice events = %+v", events)
	}
	got, err := alice.Friend(bobAtAlice.ID)
	if err != nil || !got.Ack || !got.Mutual {
		t.Fatalf("friend after handshake = %+v, %v", got, err)
	}

	// Bob can now reach alice over the ratchet from her card.
	if err := bob.SendText(ctx, aliceID, "accepted"); err != nil {
		t.Fatal(err)
	}
	if events := poll(t, alice); len(events) != 1 || events[0].Text != "accepted" {
		t.Fatalf("alice events = %+v", events)
	}

	if err := bob.RemoveFriend(aliceID); err != nil {
		t.Fatal(err)
	}
	if err := alice.SendCard(ctx, bobAtAlice.ID); err != nil {
		t.Fatal(err)
	}
	if events := poll(t, bob); len(events) != 0 {
		t.Fatalf("card from removed friend produced %+v", events)
	}
	if pending, _ := bob.PendingCards(); len(pending) != 0 {
		t.Fatalf("removed friend became pending: %v", pending)
	}
}

func TestGroupChat(t *testing.T) {
	r := newMemRelay()
	alice := newTestClient(t, "alice", WithRelay(r))
	bob := newTestClient(t, "bob", WithRelay(r))
	carol := newTestClient(t, "carol", WithRelay(r))
	ctx := testContext(t)

	bobAtAlice := befriend(t, alice, bob)
	carolAtAlice := befriend(t, alice, carol)

	g, err := alice.CreateGroup("book club")
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.SendGroupInvite(ctx, g.ID, bobAtAlice.ID); err != nil {
		t.Fatal(err)
	}
	if err := alice.SendGroupInvite(ctx, g.ID, carolAtAlice.ID); err != nil {
		t.Fatal(err)
	}

	events := poll(t, bob)
	if len(events) != 1 || events[0].Kind != wire.KindGroupInvite || events[0].Group.ID != g.ID {
		t.Fatalf("bob events = %+v", events)
	}
	if events := poll(t, carol); len(events) != 1 {
		t.Fatalf("carol events = %+v", events)
	}
	for _, c := range []*Client{bob, carol} {
		if _, err := c.AcceptInvite(g.ID); err != nil {
			t.Fatalf("%s AcceptInvite: %v", c.Handle(), err)
		}
	}
	cg, err := carol.Group(g.ID)
	if err != nil || len(cg.Members) != 3 {
		t.Fatalf("carol's group = %+v, %v", cg, err)
	}

	if err := alice.SendGroupText(ctx, g.ID, "chapter one"); err != nil {
		t.Fatal(err)
	}
	chatID := "g:" + g.ID
	for _, c := range []*Client{bob, carol} {
		events := poll(t, c)
		if len(events) != 1 || events[0].ChatID != chatID || events[0].Text != "chapter one" || events[0].From != alice.Me().InboxID {
			t.Fatalf("%s events = %+v", c.Handle(), events)
		}
	}

	// Carol learned about bob from the invite and reaches both.
	if err := carol.SendGroupText(ctx, g.ID, "loved it"); err != nil {
		t.Fatal(err)
	}
	for _, c := range []*Client{alice, bob} {
		if events := poll(t, c); len(events) != 1 || events[0].Text != "loved it" {
			t.Fatalf("%s events = %+v", c.Handle(), events)
		}
	}

	history, err := alice.Chat(chatID)
	if err != nil || len(history) != 2 || !history[0].Me || history[1].From != carol.Me().InboxID {
		t.Fatalf("alice group history = %+v, %v", history, err)
	}
}

func TestGroupMessageForUnknownGroup(t *testing.T) {
	r := newMemRelay()
	alice := newTestClient(t, "alice", WithRelay(r))
	bob := newTestClient(t, "bob", WithRelay(r))
	ctx := testContext(t)

	g, err := alice.CreateGroup("secret")
	if err != nil {
		t.Fatal(err)
	}
	// Add bob to the group without telling him.
	card := bob.CardV1()
	g.AddMember(group.Member{ID: card.ID, Inbox: card.Inbox, PubB64: card.PubB64})
	if err := alice.profile.SaveGroup(g); err != nil {
		t.Fatal(err)
	}
	if err := alice.SendGroupText(ctx, g.ID, "hello?"); err != nil {
		t.Fatal(err)
	}
	events, err := bob.Poll(ctx)
	if len(events) != 0 || !errors.Is(err, errUnknownGroup) {
		t.Fatalf("Poll = %+v, %v", events, err)
	}
}

func TestFileTransfer(t *testing.T) {
	r := newMemRelay()
	alice := newTestClient(t, "alice", WithRelay(r))
	bob := newTestClient(t, "bob", WithRelay(r))
	ctx := testContext(t)

	aliceAtBob := befriend(t, bob, alice)
	bobAtAlice := befriend(t, alice, bob)

	data := bytes.Repeat([]byte("ezo"), 1000)
	if err := alice.SendFile(ctx, bobAtAlice.ID, "notes.txt", "text/plain", data); err != nil {
		t.Fatal(err)
	}
	events := poll(t, bob)
	if len(events) != 1 || events[0].Kind != wire.KindFile {
		t.Fatalf("bob events = %+v", events)
	}
	f := events[0].File
	if f.Name != "notes.txt" || f.Size != int64(len(data)) || f.DataB64 != "" {
		t.Fatalf("file = %+v", f)
	}
	got, err := bob.File(aliceAtBob.ID, f.FileID, f.Name)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("stored file: %v", err)
	}
	if own, err := alice.File(bobAtAlice.ID, f.FileID, f.Name); err != nil || !bytes.Equal(own, data) {
		t.Fatalf("sender copy: %v", err)
	}

	err = alice.SendFile(ctx, bobAtAlice.ID, "big.bin", "", make([]byte, MaxFileSize+1))
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("oversized file: err = %v", err)
	}
}

func TestFileName(t *testing.T) {
	tests := map[string]string{
		"notes.txt":        "notes.txt",
		"../../etc/passwd": "passwd",
		`C:\temp\a.doc`:    "a.doc",
		"..":               "file",
		"":                 "file",
		"_index":           "file",
	}
	for in, want := range tests {
		if got := fileName(in); got != want {
			t.Errorf("fileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPollReportsBadPackets(t *testing.T) {
	r := newMemRelay()
	alice := newTestClient(t, "alice", WithRelay(r))
	bob := newTestClient(t, "bob", WithRelay(r))
	ctx := testContext(t)

	bobAtAlice := befriend(t, alice, bob)
	inbox := bob.Me().InboxID
	r.inject(inbox, `"garbage"`)
	r.inject(inbox, `{"type":"ratchet-message","from":"x","device":1,"body":"AAAA"}`)
	if err := alice.SendText(ctx, bobAtAlice.ID, "still works"); err != nil {
		t.Fatal(err)
	}
	r.inject(inbox, `{"type":"carrier-pigeon"}`)

	events, err := bob.Poll(ctx)
	if err == nil {
		t.Fatal("bad packets not reported")
	}
	if !errors.Is(err, wire.ErrMalformed) || !errors.Is(err, ratchet.ErrSessionMissing) {
		t.Fatalf("err = %v", err)
	}
	if len(events) != 1 || events[0].Text != "still works" {
		t.Fatalf("events = %+v", events)
	}
}

// impersonate starts a session from to's bundle as from and sends text
// claiming to come from the claimed inbox and device.
func impersonate(t *testing.T, from, to *Client, claimed string, device uint32, text string) {
	t.Helper()
	card, err := to.Card()
	if err != nil {
		t.Fatal(err)
	}
	b, err := card.Bundle()
	if err != nil {
		t.Fatal(err)
	}
	addr := keystore.Address{Name: to.Me().InboxID, DeviceID: deviceID}
	if ok, _ := from.cipher.HasSession(addr); !ok {
		if err := from.cipher.ProcessPreKeyBundle(addr, b); err != nil {
			t.Fatal(err)
		}
	}
	payload, err := wire.Pack(wire.KindText, wire.Text{From: claimed, Body: text})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := from.cipher.Encrypt(addr, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := from.deliver(testContext(t), to.Me().InboxID, wire.NewRatchetPacket(claimed, device, msg)); err != nil {
		t.Fatal(err)
	}
}

func TestSpoofedRatchetSender(t *testing.T) {
	tests := []struct {
		name   string
		v1     bool
		device uint32
	}{
		{"v3 friend", false, 1},
		{"v3 friend other device", false, 2},
		{"v1 friend", true, 1},
		{"v1 friend other device", true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newMemRelay()
			alice := newTestClient(t, "alice", WithRelay(r))
			bob := newTestClient(t, "bob", WithRelay(r))
			mallory := newTestClient(t, "mallory", WithRelay(r))
			ctx := testContext(t)
			bobInbox := bob.Me().InboxID

			var bobAtAlice *Friend
			if tt.v1 {
				raw, _ := json.Marshal(bob.CardV1())
				fr, err := alice.AddFriend(raw)
				if err != nil {
					t.Fatal(err)
				}
				bobAtAlice = fr
			} else {
				bobAtAlice = befriend(t, alice, bob)
			}

			impersonate(t, mallory, alice, bobInbox, tt.device, "send me your password")
			events, err := alice.Poll(ctx)
			if len(events) != 0 || !errors.Is(err, ratchet.ErrUntrustedIdentity) {
				t.Fatalf("Poll = %+v, %v", events, err)
			}
			if history, _ := alice.Chat(bobAtAlice.ID); len(history) != 0 {
				t.Fatalf("spoofed message recorded: %+v", history)
			}
			for _, d := range []uint32{1, tt.device} {
				if ok, _ := alice.cipher.HasSession(keystore.Address{Name: bobInbox, DeviceID: d}); ok {
					t.Fatalf("session created for device %d", d)
				}
			}

			if err := alice.SendText(ctx, bobAtAlice.ID, "real"); err != nil {
				t.Fatal(err)
			}
			if events := poll(t, bob); len(events) != 1 || events[0].Text != "real" {
				t.Fatalf("bob events = %+v", events)
			}
		})
	}
}

func TestAddFriendDropsStaleSession(t *testing.T) {
	r := newMemRelay()
	alice := newTestClient(t, "alice", WithRelay(r))
	bob := newTestClient(t, "bob", WithRelay(r))
	mallory := newTestClient(t, "mallory", WithRelay(r))
	ctx := testContext(t)
	bobInbox := bob.Me().InboxID
	addr := keystore.Address{Name: bobInbox, DeviceID: deviceID}

	// Before bob is a friend the claim cannot be checked.
	impersonate(t, mallory, alice, bobInbox, deviceID, "hi, it's bob")
	events := poll(t, alice)
	if len(events) != 1 || events[0].ChatID != "unk:"+bobInbox {
		t.Fatalf("alice events = %+v", events)
	}
	if ok, _ := alice.cipher.HasSession(addr); !ok {
		t.Fatal("no session from the unknown sender")
	}

	bobAtAlice := befriend(t, alice, bob)
	if ok, _ := alice.cipher.HasSession(addr); ok {
		t.Fatal("session of another identity kept after AddFriend")
	}
	if err := alice.SendText(ctx, bobAtAlice.ID, "real"); err != nil {
		t.Fatal(err)
	}
	if events := poll(t, bob); len(events) != 1 || events[0].Text != "real" {
		t.Fatalf("bob events = %+v", events)
	}

	impersonate(t, mallory, alice, bobInbox, deviceID, "still bob")
	events, err := alice.Poll(ctx)
	if len(events) != 0 || !errors.Is(err, ratchet.ErrUntrustedIdentity) {
		t.Fatalf("Poll = %+v, %v", events, err)
	}
}

func TestForgedCardForFriend(t *testing.T) {
	for _, v1 := range []bool{false, true} {
		t.Run(fmt.Sprint("v1=", v1), func(t *testing.T) {
			r := newMemRelay()
			alice := newTestClient(t, "alice", WithRelay(r))
			bob := newTestClient(t, "bob", WithRelay(r))
			mallory := newTestClient(t, "mallory", WithRelay(r))
			ctx := testContext(t)
			bobInbox := bob.Me().InboxID

			var before *Friend
			if v1 {
				raw, _ := json.Marshal(bob.CardV1())
				fr, err := alice.AddFriend(raw)
				if err != nil {
					t.Fatal(err)
				}
				before = fr
			} else {
				before = befriend(t, alice, bob)
			}

			forged, err := mallory.Card()
			if err != nil {
				t.Fatal(err)
			}
			forged.User.ID, forged.User.Inbox, forged.User.Name = bobInbox, bobInbox, "bob"
			pkt, err := seal(alice.myPubB64(), wire.KindFriendCard, forged)
			if err != nil {
				t.Fatal(err)
			}
			if err := mallory.deliver(ctx, alice.Me().InboxID, pkt); err != nil {
				t.Fatal(err)
			}
			events := poll(t, alice)
			if len(events) != 1 || events[0].Kind != wire.KindFriendCard {
				t.Fatalf("alice events = %+v", events)
			}

			after, err := alice.Friend(before.ID)
			if err != nil {
				t.Fatal(err)
			}
			if after.PubB64 != before.PubB64 || after.Mutual {
				t.Fatalf("friend after forged card = %+v", after)
			}
			if (after.CardV3 == nil) != v1 {
				t.Fatalf("stored bundle changed: %+v", after.CardV3)
			}
			if !v1 {
				want, _ := before.CardV3.IdentityKey()
				got, _ := after.CardV3.IdentityKey()
				if !want.Equal(got) {
					t.Fatal("stored identity key replaced")
				}
			}
			pending, err := alice.PendingCards()
			if err != nil || pending[bobInbox] == nil || pending[bobInbox].PubB64 == before.PubB64 {
				t.Fatalf("pending = %v, %v", pending, err)
			}

			if err := alice.SendText(ctx, before.ID, "for bob only"); err != nil {
				t.Fatal(err)
			}
			if v1 {
				queued := r.peek(bobInbox)
				if len(queued) != 1 {
					t.Fatalf("queued = %s", queued)
				}
				p, err := wire.ParsePacket(queued[0])
				if err != nil || p.Sealed == nil {
					t.Fatalf("packet = %+v, %v", p, err)
				}
				if _, err := sealedbox.OpenFrom(&mallory.identity.DH, p.Sealed); err == nil {
					t.Fatal("message to bob opened with the forged card's key")
				}
			}
			if events := poll(t, bob); len(events) != 1 || events[0].Text != "for bob only" {
				t.Fatalf("bob events = %+v", events)
			}
		})
	}
}

func TestCardFromFriendMarksMutual(t *testing.T) {
	r := newMemRelay()
	alice := newTestClient(t, "alice", WithRelay(r))
	bob := newTestClient(t, "bob", WithRelay(r))
	ctx := testContext(t)

	bobAtAlice := befriend(t, alice, bob)
	aliceAtBob := befriend(t, bob, alice)
	if err := bob.SendCard(ctx, aliceAtBob.ID); err != nil {
		t.Fatal(err)
	}
	events := poll(t, alice)
	if len(events) != 1 || events[0].Kind != wire.KindFriendCard {
		t.Fatalf("alice events = %+v", events)
	}
	fr, err := alice.Friend(bobAtAlice.ID)
	if err != nil || !fr.Mutual {
		t.Fatalf("friend = %+v, %v", fr, err)
	}
	if pending, _ := alice.PendingCards(); len(pending) != 0 {
		t.Fatalf("pending = %v", pending)
	}
}

func TestGroupInviteNeedsAcceptance(t *testing.T) {
	r := newMemRelay()
	alice := newTestClient(t, "alice", WithRelay(r))
	bob := newTestClient(t, "bob", WithRelay(r))
	carol := newTestClient(t, "carol", WithRelay(r))
	ctx := testContext(t)

	bobAtAlice := befriend(t, alice, bob)
	g, err := alice.CreateGroup("book club")
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.SendGroupInvite(ctx, g.ID, bobAtAlice.ID); err != nil {
		t.Fatal(err)
	}
	events := poll(t, bob)
	if len(events) != 1 || events[0].Kind != wire.KindGroupInvite {
		t.Fatalf("bob events = %+v", events)
	}
	invites, err := bob.PendingInvites()
	if err != nil || len(invites) != 1 || invites[0].Group.ID != g.ID || invites[0].From != alice.Me().InboxID {
		t.Fatalf("invites = %+v, %v", invites, err)
	}
	if _, err := bob.Group(g.ID); !errors.Is(err, profile.ErrNotFound) {
		t.Fatalf("group joined without acceptance: err = %v", err)
	}
	if err := alice.SendGroupText(ctx, g.ID, "anyone?"); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Poll(ctx); !errors.Is(err, errUnknownGroup) {
		t.Fatalf("group text before accepting: err = %v", err)
	}

	if err := bob.DeclineInvite(g.ID); err != nil {
		t.Fatal(err)
	}
	if invites, _ := bob.PendingInvites(); len(invites) != 0 {
		t.Fatalf("invites after decline = %+v", invites)
	}
	if _, err := bob.Group(g.ID); !errors.Is(err, profile.ErrNotFound) {
		t.Fatalf("declined group stored: err = %v", err)
	}

	if err := alice.SendGroupInvite(ctx, g.ID, bobAtAlice.ID); err != nil {
		t.Fatal(err)
	}
	poll(t, bob)
	bg, err := bob.AcceptInvite(g.ID)
	if err != nil || len(bg.Members) != 2 {
		t.Fatalf("AcceptInvite = %+v, %v", bg, err)
	}
	if invites, _ := bob.PendingInvites(); len(invites) != 0 {
		t.Fatalf("invites after accept = %+v", invites)
	}

	// A later invite with more members only changes the group on accept.
	carolAtAlice := befriend(t, alice, carol)
	if err := alice.SendGroupInvite(ctx, g.ID, carolAtAlice.ID); err != nil {
		t.Fatal(err)
	}
	if err := alice.SendGroupInvite(ctx, g.ID, bobAtAlice.ID); err != nil {
		t.Fatal(err)
	}
	poll(t, bob)
	if bg, _ := bob.Group(g.ID); len(bg.Members) != 2 {
		t.Fatalf("members before accept = %+v", bg.Members)
	}
	bg, err = bob.AcceptInvite(g.ID)
	if err != nil || len(bg.Members) != 3 {
		t.Fatalf("AcceptInvite = %+v, %v", bg, err)
	}
	if _, err := bob.AcceptInvite(g.ID); !errors.Is(err, profile.ErrNotFound) {
		t.Fatalf("second AcceptInvite: err = %v", err)
	}
}

func TestAddOwnCard(t *testing.T) {
	alice := newTestClient(t, "alice")
	card, err := alice.Card()
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(card)
	if _, err := alice.AddFriend(raw); !errors.Is(err, ErrSelf) {
		t.Fatalf("err = %v", err)
	}
	if _, err := alice.AddFriend([]byte(`{"kind":"ezocard/v9"}`)); !errors.Is(err, wire.ErrBadCard) {
		t.Fatalf("bad card: err = %v", err)
	}
}

func TestNoRelay(t *testing.T) {
	alice := newTestClient(t, "alice")
	bob := newTestClient(t, "bob")
	fr := befriend(t, alice, bob)

	ctx := testContext(t)
	if err := alice.SendText(ctx, fr.ID, "hello"); !errors.Is(err, ErrNoRelay) {
		t.Fatalf("SendText: err = %v", err)
	}
	if _, err := alice.Poll(ctx); !errors.Is(err, ErrNoRelay) {
		t.Fatalf("Poll: err = %v", err)
	}
	history, _ := alice.Chat(fr.ID)
	if len(history) != 0 {
		t.Fatal("undelivered message recorded")
	}
}

func TestWebsocketRelay(t *testing.T) {
	srv := httptest.NewServer(relay.NewServer())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	alice := newTestClient(t, "alice", WithRelayURL(url))
	bob := newTestClient(t, "bob", WithRelayURL(url))
	ctx := testContext(t)

	befriend(t, bob, alice)
	bobAtAlice := befriend(t, alice, bob)

	if err := alice.SendText(ctx, bobAtAlice.ID, "over the wire"); err != nil {
		t.Fatal(err)
	}
	events := poll(t, bob)
	if len(events) != 1 || events[0].Text != "over the wire" {
		t.Fatalf("bob events = %+v", events)
	}
	if err := bob.SendText(ctx, alice.Me().InboxID, "back"); err != nil {
		t.Fatal(err)
	}
	if events := poll(t, alice); len(events) != 1 || events[0].Text != "back" {
		t.Fatalf("alice events = %+v", events)
	}
}

func TestFriendlyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{vault.ErrCorrupt, "archive corrupted"},
		{fmt.Errorf("vault: open: %w", vault.ErrWrongPassword), "wrong password"},
		{fmt.Errorf("client: decrypt: %w", ratchet.ErrUntrustedIdentity), "contact's identity key has changed"},
		{kdf.ErrResourceExhausted, "not enough memory to unlock this profile"},
		{ErrNoRelay, "no relay configured"},
		{errors.New("boom"), "unexpected error"},
	}
	for _, tt := range tests {
		if got := FriendlyError(tt.err); got != tt.want {
			t.Errorf("FriendlyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
