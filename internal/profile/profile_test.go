package profile

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ezoterikus/ezo-go/internal/group"
	"github.com/ezoterikus/ezo-go/internal/kdf"
	"github.com/ezoterikus/ezo-go/internal/keystore"
	"github.com/ezoterikus/ezo-go/internal/storage"
	"github.com/ezoterikus/ezo-go/internal/vault"
	"github.com/ezoterikus/ezo-go/internal/wire"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func tempVault(t *testing.T) (*vault.Manager, *vault.Vault) {
	t.Helper()
	m := vault.NewManager(storage.NewMemory(),
		vault.WithKDFParams(kdf.Params{Time: 1, MemoryKiB: 64, Parallelism: 1, Version: kdf.Version}))
	v, err := m.Create(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v.Close() })
	return m, v
}

func tempStore(t *testing.T) *Store {
	t.Helper()
	_, v := tempVault(t)
	return New(v, WithClock(func() time.Time { return testNow }))
}

func TestLoadNewProfile(t *testing.T) {
	s := tempStore(t)
	p, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "alice" || p.Bio != "" || p.Avatar != nil {
		t.Fatalf("profile = %+v", p)
	}
	if !reflect.DeepEqual(p.Settings, DefaultSettings()) {
		t.Fatalf("settings = %+v", p.Settings)
	}
	if !validInbox(p.InboxID) {
		t.Fatalf("inbox %q is not a UUIDv4", p.InboxID)
	}
	again, _ := s.Load()
	if again.InboxID != p.InboxID {
		t.Fatal("inbox id changed between loads")
	}
}

func TestLoadRepairsInbox(t *testing.T) {
	s := tempStore(t)
	for _, bad := range []string{"", "alice", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"} {
		if err := s.fs.Put(inboxPath, []byte(bad)); err != nil {
			t.Fatal(err)
		}
		p, err := s.Load()
		if err != nil {
			t.Fatal(err)
		}
		if p.InboxID == bad || !validInbox(p.InboxID) {
			t.Fatalf("inbox %q not repaired: %q", bad, p.InboxID)
		}
		stored, _ := s.fs.Get(inboxPath)
		if string(stored) != p.InboxID {
			t.Fatal("repaired inbox not persisted")
		}
	}
}

func TestSettingsNormalize(t *testing.T) {
	tests := []struct {
		in, want Settings
	}{
		{Settings{}, Settings{PollMs: 5000, Relays: []string{}}},
		{Settings{PollMs: 10}, Settings{PollMs: 1000, Relays: []string{}}},
		{Settings{PollMs: 10_000_000}, Settings{PollMs: 600000, Relays: []string{}}},
		{
			Settings{AutoPoll: true, PollMs: 2000, Relays: []string{"ws://a", "", "ws://b", " ws://a "}},
			Settings{AutoPoll: true, PollMs: 2000, Relays: []string{"ws://a", "ws://b"}},
		},
	}
	for _, tt := range tests {
		if got := tt.in.Normalize(); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Normalize(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestSaveFields(t *testing.T) {
	s := tempStore(t)
	name, bio := "Alice A.", "hello"
	inbox := uuid.NewString()
	err := s.SaveFields(Fields{
		Name:     &name,
		Bio:      &bio,
		Avatar:   []byte{0xff, 0xd8},
		Settings: &Settings{AutoPoll: true, PollMs: 1, Relays: []string{"ws://r", "ws://r"}},
		InboxID:  inbox,
	})
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	want := &Profile{
		Name:     name,
		Bio:      bio,
		Avatar:   []byte{0xff, 0xd8},
		Settings: Settings{AutoPoll: true, PollMs: 1000, Relays: []string{"ws://r"}},
		InboxID:  inbox,
	}
	if !reflect.DeepEqual(p, want) {
		t.Fatalf("profile = %+v, want %+v", p, want)
	}

	if err := s.SaveFields(Fields{InboxID: "not-a-uuid"}); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("bad inbox: err = %v", err)
	}
}

func TestFriends(t *testing.T) {
	s := tempStore(t)
	if err := s.SaveFriend(&Friend{ID: "b-id", PubB64: "pk"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveFriend(&Friend{ID: "a-id", Name: "Ann", Inbox: "a-inbox", Ack: true}); err != nil {
		t.Fatal(err)
	}

	fr, err := s.LoadFriend("b-id")
	if err != nil {
		t.Fatal(err)
	}
	if fr.Name != "b-id" || fr.Inbox != "b-id" || fr.CreatedAt != testNow.UnixMilli() {
		t.Fatalf("defaults not applied: %+v", fr)
	}

	all, err := s.Friends()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "a-id" || !all[0].Ack {
		t.Fatalf("Friends = %+v", all)
	}

	byInbox, err := s.FindFriend("a-inbox")
	if err != nil || byInbox.ID != "a-id" {
		t.Fatalf("FindFriend(inbox) = %+v, %v", byInbox, err)
	}
	if _, err := s.FindFriend("stranger"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindFriend(stranger): err = %v", err)
	}
	if _, err := s.LoadFriend("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadFriend(nobody): err = %v", err)
	}
	for _, id := range []string{"", "../x", "a/b", "_deleted"} {
		if err := s.SaveFriend(&Friend{ID: id}); !errors.Is(err, ErrInvalidID) {
			t.Errorf("SaveFriend(%q): err = %v", id, err)
		}
	}
}

func TestMarkFriendDeleted(t *testing.T) {
	s := tempStore(t)
	s.SaveFriend(&Friend{ID: "gone"})
	s.SaveFriend(&Friend{ID: "kept"})

	for range 2 {
		if err := s.MarkFriendDeleted("gone"); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.DeletedFriends()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"gone"}) {
		t.Fatalf("DeletedFriends = %v", ids)
	}
	all, _ := s.Friends()
	if len(all) != 1 || all[0].ID != "kept" {
		t.Fatalf("Friends = %+v", all)
	}
}

func TestFriendFromCard(t *testing.T) {
	ks := keystore.New(keystore.NewMemoryFS())
	if _, err := ks.Bootstrap(); err != nil {
		t.Fatal(err)
	}
	kp, _ := ks.GetIdentityKeyPair()
	card := wire.NewCard("inbox-1", "bob", "", "inbox-1", kp.DH.Public, "")
	fr := FriendFromCard(card, nil)

	s := tempStore(t)
	if err := s.SaveFriend(fr); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadFriend("inbox-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.PubB64 != card.PubB64 || got.CardV3 != nil {
		t.Fatalf("friend = %+v", got)
	}
}

func TestGroups(t *testing.T) {
	s := tempStore(t)
	g, err := group.New("team", testNow)
	if err != nil {
		t.Fatal(err)
	}
	g.AddMember(group.Member{ID: "m", Inbox: "i", PubB64: "p"})
	if err := s.SaveGroup(g); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadGroup(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, g) {
		t.Fatalf("LoadGroup = %+v, want %+v", got, g)
	}
	all, err := s.Groups()
	if err != nil || len(all) != 1 {
		t.Fatalf("Groups = %v, %v", all, err)
	}
	if _, err := s.LoadGroup(uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing group: err = %v", err)
	}
}

func TestAppendMessage(t *testing.T) {
	s := tempStore(t)
	m1 := Message{Text: "hi", Me: true, TS: 1}
	m2 := Message{Text: "hi", Me: false, TS: 1}
	if err := s.AppendMessage("bob", m1, m2); err != nil {
		t.Fatal(err)
	}
	// Re-delivery of the same messages is ignored.
	if err := s.AppendMessage("bob", m2, m1); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage("bob", Message{Text: "later"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Chat("bob")
	if err != nil {
		t.Fatal(err)
	}
	want := []Message{m1, m2, {Text: "later", TS: testNow.UnixMilli()}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Chat = %+v, want %+v", got, want)
	}

	if err := s.AppendMessage("g:team", Message{Text: "x", TS: 2}); err != nil {
		t.Fatal(err)
	}
	ids, err := s.ChatIDs()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"bob", "g:team"}) {
		t.Fatalf("ChatIDs = %v", ids)
	}

	empty, err := s.Chat("nobody")
	if err != nil || len(empty) != 0 {
		t.Fatalf("Chat(nobody) = %v, %v", empty, err)
	}
	if err := s.AppendMessage("../etc", Message{Text: "x"}); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("bad chat id: err = %v", err)
	}
}

func TestChatIDsRecoversUnindexed(t *testing.T) {
	s := tempStore(t)
	if err := s.AppendMessage("a", Message{Text: "x", TS: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.fs.Put(chatPath("orphan"), []byte(`[{"text":"y","me":false,"ts":2}]`)); err != nil {
		t.Fatal(err)
	}
	ids, err := s.ChatIDs()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"a", "orphan"}) {
		t.Fatalf("ChatIDs = %v", ids)
	}
	raw, _ := s.fs.Get(chatIndexPath)
	if string(raw) != `["a","orphan"]` {
		t.Fatalf("index not rewritten: %s", raw)
	}
}

type failingFS struct {
	FS
	err error
}

func (f failingFS) Put(string, []byte) error { return f.err }

func TestAppendMessagePropagatesErrors(t *testing.T) {
	_, v := tempVault(t)
	boom := errors.New("disk full")
	s := New(failingFS{FS: v, err: boom})
	if err := s.AppendMessage("bob", Message{Text: "x"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestPersistsThroughVault(t *testing.T) {
	m, v := tempVault(t)
	s := New(v)
	if err := s.AppendMessage("bob", Message{Text: "kept", TS: 5}); err != nil {
		t.Fatal(err)
	}
	v.Close()

	v2, err := m.Open(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatal(err)
	}
	defer v2.Close()
	got, err := New(v2).Chat("bob")
	if err != nil || len(got) != 1 || got[0].Text != "kept" {
		t.Fatalf("Chat after reopen = %+v, %v", got, err)
	}
}

func TestPendingCards(t *testing.T) {
	s := tempStore(t)
	if ids, err := s.PendingIDs(); err != nil || len(ids) != 0 {
		t.Fatalf("PendingIDs = %v, %v", ids, err)
	}
	if err := s.SavePendingCard("carol", []byte(`{"kind":"ezocard/v1"}`)); err != nil {
		t.Fatal(err)
	}
	ids, _ := s.PendingIDs()
	if !reflect.DeepEqual(ids, []string{"carol"}) {
		t.Fatalf("PendingIDs = %v", ids)
	}
	raw, err := s.PendingCard("carol")
	if err != nil || string(raw) != `{"kind":"ezocard/v1"}` {
		t.Fatalf("PendingCard = %s, %v", raw, err)
	}
	if err := s.RemovePendingCard("carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PendingCard("carol"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after remove: err = %v", err)
	}
}

func TestInvites(t *testing.T) {
	s := tempStore(t)
	if invs, err := s.Invites(); err != nil || len(invs) != 0 {
		t.Fatalf("Invites = %v, %v", invs, err)
	}
	g, err := group.New("team", testNow)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveInvite(&Invite{From: "bob", Group: g}); err != nil {
		t.Fatal(err)
	}
	inv, err := s.Invite(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inv.From != "bob" || inv.ReceivedAt != testNow.UnixMilli() || !reflect.DeepEqual(inv.Group, g) {
		t.Fatalf("Invite = %+v", inv)
	}
	if invs, _ := s.Invites(); len(invs) != 1 {
		t.Fatalf("Invites = %v", invs)
	}
	if _, err := s.LoadGroup(g.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending invite joined the group: err = %v", err)
	}

	if err := s.SaveInvite(&Invite{From: "bob"}); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("invite without group: err = %v", err)
	}
	if err := s.RemoveInvite(g.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Invite(g.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after remove: err = %v", err)
	}
}

func TestFiles(t *testing.T) {
	s := tempStore(t)
	if err := s.SaveFile("bob", "f1", "notes.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := s.File("bob", "f1", "notes.txt")
	if err != nil || string(got) != "hello" {
		t.Fatalf("File = %q, %v", got, err)
	}
	if _, err := s.File("bob", "f2", "notes.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing file: err = %v", err)
	}
	for _, name := range []string{"", "..", "a/b", `a\\b`} {
		if err := s.SaveFile("bob", "f1", name, nil); !errors.Is(err, ErrInvalidID) {
			t.Errorf("SaveFile(%q): err = %v", name, err)
		}
	}
	// Files must not show up as chats.
	ids, err := s.ChatIDs()
	if err != nil || len(ids) != 0 {
		t.Fatalf("ChatIDs = %v, %v", ids, err)
	}
}
