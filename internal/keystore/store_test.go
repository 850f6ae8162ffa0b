package keystore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ezoterikus/ezo-go/internal/identity"
	"github.com/ezoterikus/ezo-go/internal/kdf"
	"github.com/ezoterikus/ezo-go/internal/storage"
	"github.com/ezoterikus/ezo-go/internal/vault"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s := New(NewMemoryFS())
	if _, err := s.Bootstrap(); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestBootstrap(t *testing.T) {
	s := New(NewMemoryFS())
	if _, err := s.GetIdentityKeyPair(); err != ErrNoIdentity {
		t.Fatalf("before bootstrap: err = %v", err)
	}
	created, err := s.Bootstrap()
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first bootstrap should create keys")
	}
	kp, err := s.GetIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	reg, err := s.GetLocalRegistrationID()
	if err != nil || reg == 0 {
		t.Fatalf("registration id = %d, %v", reg, err)
	}

	created, err = s.Bootstrap()
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second bootstrap should be a no-op")
	}
	kp2, _ := s.GetIdentityKeyPair()
	if !kp.PublicKey().Equal(kp2.PublicKey()) {
		t.Fatal("identity changed on second bootstrap")
	}
}

func TestTrustOnFirstUse(t *testing.T) {
	s := tempStore(t)
	addr := Address{Name: "bob", DeviceID: 1}
	k1, _ := identity.GenerateIdentityKeyPair()
	k2, _ := identity.GenerateIdentityKeyPair()

	if got, _ := s.GetIdentity(addr); got != nil {
		t.Fatal("unexpected identity before first sighting")
	}
	trusted, err := s.IsTrustedIdentity(addr, k1.PublicKey())
	if err != nil || !trusted {
		t.Fatalf("first sighting: trusted=%v err=%v", trusted, err)
	}
	trusted, err = s.IsTrustedIdentity(addr, k1.PublicKey())
	if err != nil || !trusted {
		t.Fatalf("same key: trusted=%v err=%v", trusted, err)
	}
	trusted, err = s.IsTrustedIdentity(addr, k2.PublicKey())
	if err != nil || trusted {
		t.Fatalf("different key: trusted=%v err=%v", trusted, err)
	}

	// An explicit reset replaces the recorded key.
	replaced, err := s.SaveIdentity(addr, k2.PublicKey())
	if err != nil || !replaced {
		t.Fatalf("SaveIdentity: replaced=%v err=%v", replaced, err)
	}
	trusted, _ = s.IsTrustedIdentity(addr, k2.PublicKey())
	if !trusted {
		t.Fatal("new key not trusted after reset")
	}

	// Forgetting the address makes the next key a first sighting.
	if err := s.ForgetIdentity(addr); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetIdentity(addr); got != nil {
		t.Fatal("identity still recorded after ForgetIdentity")
	}
	if trusted, _ := s.IsTrustedIdentity(addr, k1.PublicKey()); !trusted {
		t.Fatal("key after ForgetIdentity should be a first sighting")
	}
	if err := s.ForgetIdentity(Address{Name: "nobody", DeviceID: 1}); err != nil {
		t.Fatalf("ForgetIdentity unknown: %v", err)
	}

	// Other devices have their own record.
	other := Address{Name: "bob", DeviceID: 2}
	if trusted, _ := s.IsTrustedIdentity(other, k1.PublicKey()); !trusted {
		t.Fatal("other device should be first sighting")
	}
}

func TestPreKeyConsumption(t *testing.T) {
	s := tempStore(t)
	pk, err := identity.GeneratePreKey(42)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StorePreKey(42, pk); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadPreKey(42)
	if err != nil || got == nil {
		t.Fatalf("LoadPreKey: %v, %v", got, err)
	}
	if !bytes.Equal(got.KeyPair.Private, pk.KeyPair.Private) {
		t.Fatal("loaded prekey differs")
	}
	ids, _ := s.PreKeyIDs()
	if len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("PreKeyIDs = %v", ids)
	}

	if err := s.RemovePreKey(42); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadPreKey(42)
	if err != nil || got != nil {
		t.Fatalf("after remove: %v, %v", got, err)
	}
}

func TestKyberPreKeyUsed(t *testing.T) {
	s := tempStore(t)
	idkp, _ := s.GetIdentityKeyPair()

	lastResort, err := identity.GenerateKyberPreKey(idkp, 1, true, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	oneTime, err := identity.GenerateKyberPreKey(idkp, 2, false, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	s.StoreKyberPreKey(1, lastResort)
	s.StoreKyberPreKey(2, oneTime)

	if err := s.MarkKyberPreKeyUsed(1); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkKyberPreKeyUsed(2); err != nil {
		t.Fatal(err)
	}
	got, _ := s.LoadKyberPreKey(1)
	if got == nil || !got.Used {
		t.Fatalf("last-resort key = %+v, want kept and used", got)
	}
	if got, _ := s.LoadKyberPreKey(2); got != nil {
		t.Fatal("one-time kyber key should be removed")
	}
}

func TestSessionRecords(t *testing.T) {
	s := tempStore(t)
	addr := Address{Name: "a/b c", DeviceID: 3}
	if rec, err := s.LoadSession(addr); rec != nil || err != nil {
		t.Fatalf("LoadSession empty: %v, %v", rec, err)
	}
	if err := s.StoreSession(addr, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	rec, err := s.LoadSession(addr)
	if err != nil || !bytes.Equal(rec, []byte{1, 2, 3}) {
		t.Fatalf("LoadSession = %v, %v", rec, err)
	}
	if err := s.DeleteSession(addr); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.LoadSession(addr); rec != nil {
		t.Fatal("session not deleted")
	}
}

func TestStoreOverVault(t *testing.T) {
	m := vault.NewManager(storage.NewMemory(), vault.WithKDFParams(kdf.Params{Time: 1, MemoryKiB: 64, Parallelism: 1, Version: kdf.Version}))
	v, err := m.Create(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatal(err)
	}
	s := New(v)
	if _, err := s.Bootstrap(); err != nil {
		t.Fatal(err)
	}
	want, _ := s.GetIdentityKeyPair()
	v.Close()

	v, err = m.Open(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()
	paths, _ := v.List("signal/")
	if len(paths) != 2 {
		t.Fatalf("signal paths = %v", paths)
	}
	got, err := New(v).GetIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if !got.PublicKey().Equal(want.PublicKey()) {
		t.Fatal("identity not persisted through the vault")
	}
}
