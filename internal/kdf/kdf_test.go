package kdf

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testParams keeps Argon2id cheap enough for unit tests.
var testParams = Params{Time: 1, MemoryKiB: 64, Parallelism: 1, Version: Version}

func TestDeriveDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0x42}, 16)
	k1, err := Derive([]byte("correcthorse"), salt, testParams)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	k2, err := Derive([]byte("correcthorse"), salt, testParams)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if len(k1) != KeySize {
		t.Fatalf("key length = %d, want %d", len(k1), KeySize)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("same inputs produced different keys")
	}

	k3, err := Derive([]byte("correcthorse"), bytes.Repeat([]byte{0x43}, 16), testParams)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("different salts produced the same key")
	}
}

func TestDeriveErrors(t *testing.T) {
	salt := make([]byte, 16)
	tests := []struct {
		name string
		salt []byte
		p    Params
		want error
	}{
		{"short salt", make([]byte, 15), testParams, ErrInvalidSalt},
		{"bad version", salt, Params{Time: 1, MemoryKiB: 64, Parallelism: 1, Version: 0x10}, ErrUnavailable},
		{"zero time", salt, Params{Time: 0, MemoryKiB: 64, Parallelism: 1, Version: Version}, ErrUnavailable},
		{"zero lanes", salt, Params{Time: 1, MemoryKiB: 64, Parallelism: 0, Version: Version}, ErrUnavailable},
		{"memory below lanes", salt, Params{Time: 1, MemoryKiB: 8, Parallelism: 4, Version: Version}, ErrUnavailable},
		{"memory absurd", salt, Params{Time: 1, MemoryKiB: 1 << 31, Parallelism: 1, Version: Version}, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Derive([]byte("pw"), tt.salt, tt.p)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeriveContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DeriveContext(ctx, []byte("pw"), make([]byte, 16), testParams)
	// Either the derivation won the race or the context did.
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestCanonicalIsValid(t *testing.T) {
	if err := Canonical.Validate(); err != nil {
		t.Fatalf("Canonical.Validate: %v", err)
	}
	if Canonical.Time != 4 || Canonical.MemoryKiB != 256*1024 || Canonical.Parallelism != 1 {
		t.Fatalf("Canonical = %s", Canonical)
	}
}

// fakeClock advances by a simulated cost on every hash call.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	calls atomic.Int32
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// hash returns a hashFunc whose cost is MiB*passes*unit and which fails
// with ErrResourceExhausted above limitKiB (0 means no limit).
func (c *fakeClock) hash(unit time.Duration, limitKiB uint32) hashFunc {
	return func(password, salt []byte, p Params, keyLen uint32) ([]byte, error) {
		c.calls.Add(1)
		if limitKiB != 0 && p.MemoryKiB > limitKiB {
			return nil, ErrResourceExhausted
		}
		c.mu.Lock()
		c.now = c.now.Add(time.Duration(p.MemoryKiB/1024) * time.Duration(p.Time) * unit)
		c.mu.Unlock()
		return make([]byte, keyLen), nil
	}
}

func newTestTuner(t *testing.T, class Class, unit time.Duration, limitKiB uint32) (*Tuner, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(0, 0)}
	return NewTuner(WithClass(class), withHash(clock.hash(unit, limitKiB), clock.Now)), clock
}

func TestTunerParams(t *testing.T) {
	tests := []struct {
		name     string
		class    Class
		unit     time.Duration
		limitKiB uint32
		want     Params
	}{
		{
			name:  "desktop on target",
			class: Desktop,
			unit:  500 * time.Microsecond, // 256 MiB * 4 = 512ms
			want:  Params{Time: 4, MemoryKiB: 256 * 1024, Parallelism: 1, Version: Version},
		},
		{
			name:  "desktop too slow",
			class: Desktop,
			unit:  time.Millisecond, // 1024ms, halve memory once
			want:  Params{Time: 4, MemoryKiB: 128 * 1024, Parallelism: 1, Version: Version},
		},
		{
			name:  "desktop fast",
			class: Desktop,
			unit:  100 * time.Microsecond,
			want:  Params{Time: 6, MemoryKiB: 512 * 1024, Parallelism: 1, Version: Version},
		},
		{
			name:     "memory limited",
			class:    Desktop,
			unit:     time.Microsecond,
			limitKiB: 64 * 1024,
			want:     Params{Time: 4, MemoryKiB: 64 * 1024, Parallelism: 1, Version: Version},
		},
		{
			name:     "nothing fits",
			class:    Constrained,
			unit:     time.Microsecond,
			limitKiB: 1024,
			want:     Floor,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tuner, _ := newTestTuner(t, tt.class, tt.unit, tt.limitKiB)
			got, err := tuner.Params(context.Background())
			if err != nil {
				t.Fatalf("Params: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Params = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTunerCachesResult(t *testing.T) {
	tuner, clock := newTestTuner(t, Desktop, 500*time.Microsecond, 0)

	var wg sync.WaitGroup
	results := make([]Params, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := tuner.Params(context.Background())
			if err != nil {
				t.Errorf("Params: %v", err)
			}
			results[i] = p
		}(i)
	}
	wg.Wait()

	calls := clock.calls.Load()
	for _, p := range results {
		if p != results[0] {
			t.Fatalf("callers disagree: %s vs %s", p, results[0])
		}
	}
	if _, err := tuner.Params(context.Background()); err != nil {
		t.Fatalf("Params: %v", err)
	}
	if got := clock.calls.Load(); got != calls {
		t.Fatalf("calibration ran again: %d calls, want %d", got, calls)
	}
}

func TestDegrade(t *testing.T) {
	p := Params{Time: 4, MemoryKiB: 128 * 1024, Parallelism: 1, Version: Version}
	var steps []Params
	for {
		next, ok := degrade(p)
		if !ok {
			break
		}
		steps = append(steps, next)
		p = next
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %v, want 2", steps)
	}
	if steps[0].MemoryKiB != 64*1024 || steps[0].Time != 4 {
		t.Fatalf("first step = %s", steps[0])
	}
	if steps[1] != Floor {
		t.Fatalf("last step = %s, want %s", steps[1], Floor)
	}
}
