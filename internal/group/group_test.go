package group

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ezoterikus/ezo-go/internal/envelope"
)

func newGroup(t *testing.T, name string) *Group {
	t.Helper()
	g, err := New(name, time.UnixMilli(1_700_000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestNew(t *testing.T) {
	g := newGroup(t, "friends")
	if _, err := uuid.Parse(g.ID); err != nil {
		t.Fatalf("id %q: %v", g.ID, err)
	}
	if g.Name != "friends" || g.CreatedAt != 1_700_000_000_000 {
		t.Fatalf("group = %+v", g)
	}
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}
	if unnamed := newGroup(t, ""); unnamed.Name != unnamed.ID {
		t.Fatalf("unnamed group name = %q", unnamed.Name)
	}
	if other := newGroup(t, "friends"); other.KeyB64 == g.KeyB64 {
		t.Fatal("two groups share a key")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	g := newGroup(t, "g")
	nonce, ct, err := g.Encrypt([]byte(`{"body":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	got, err := g.Decrypt(nonce, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"body":"hello"}` {
		t.Fatalf("Decrypt = %q", got)
	}

	other := newGroup(t, "g")
	if _, err := other.Decrypt(nonce, ct); !errors.Is(err, envelope.ErrDecryptionFailed) {
		t.Fatalf("other group: err = %v", err)
	}

	// Same key under a different id must not open.
	moved := *g
	moved.ID = "elsewhere"
	if _, err := moved.Decrypt(nonce, ct); !errors.Is(err, envelope.ErrDecryptionFailed) {
		t.Fatalf("moved group: err = %v", err)
	}

	flipped := bytes.Clone(ct)
	flipped[0] ^= 1
	if _, err := g.Decrypt(nonce, flipped); !errors.Is(err, envelope.ErrDecryptionFailed) {
		t.Fatalf("flipped: err = %v", err)
	}
}

func TestInvalidKey(t *testing.T) {
	for _, key := range []string{"", "!!", base64.StdEncoding.EncodeToString(make([]byte, 16))} {
		g := &Group{ID: "x", KeyB64: key}
		if err := g.Validate(); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: Validate err = %v", key, err)
		}
		if _, _, err := g.Encrypt([]byte("x")); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: Encrypt err = %v", key, err)
		}
	}
}

func TestAddMember(t *testing.T) {
	g := newGroup(t, "g")
	if !g.AddMember(Member{ID: "a", Inbox: "ia", PubB64: "pa"}) {
		t.Fatal("first add reported no change")
	}
	if g.AddMember(Member{ID: "a", Inbox: "other"}) {
		t.Fatal("duplicate add reported a change")
	}
	g.AddMember(Member{ID: "b"})
	if len(g.Members) != 2 || g.Members[0].Inbox != "ia" {
		t.Fatalf("members = %+v", g.Members)
	}
}
