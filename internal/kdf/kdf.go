// Package kdf derives symmetric keys from passwords with Argon2id.
//
// Every vault write uses one fixed parameter set ([Canonical]) so archives
// stay interoperable across devices. Adaptive tuning ([Tuner]) is reserved
// for optional paths that want a device-specific cost.
package kdf

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// Name is the algorithm identifier recorded in envelope headers.
	Name = "argon2id"

	// Version is the Argon2 algorithm version (0x13) implemented by x/crypto.
	Version = argon2.Version

	// KeySize is the size of a derived key in bytes.
	KeySize = 32

	// MinSaltSize is the shortest salt accepted by Derive.
	MinSaltSize = 16

	// maxStoredMemoryKiB bounds parameters read back from disk (4 GiB).
	maxStoredMemoryKiB = 4 * 1024 * 1024
	maxStoredTime      = 64
)

var (
	// ErrInvalidSalt is returned when the salt is shorter than MinSaltSize.
	ErrInvalidSalt = errors.New("kdf: salt must be at least 16 bytes")

	// ErrUnavailable is returned when the primitive cannot run with the
	// requested parameters.
	ErrUnavailable = errors.New("kdf: argon2id unavailable")

	// ErrResourceExhausted is returned when the memory or time cost cannot
	// be satisfied, even after degradation.
	ErrResourceExhausted = errors.New("kdf: resource exhausted")
)

// Params are the Argon2id cost parameters.
type Params struct {
	Time        uint32 // passes over memory
	MemoryKiB   uint32 // memory cost in KiB
	Parallelism uint8  // lanes
	Version     int    // algorithm version, always 0x13
}

// Canonical is the fixed parameter set used for vault creation and every
// subsequent persist.
var Canonical = Params{Time: 4, MemoryKiB: 256 * 1024, Parallelism: 1, Version: Version}

// Floor is the cheapest parameter set tuning will degrade to.
var Floor = Params{Time: minTime, MemoryKiB: minMemoryKiB, Parallelism: 1, Version: Version}

// Validate reports whether p can be handed to Argon2id. It is used on
// parameters loaded from untrusted storage.
func (p Params) Validate() error {
	switch {
	case p.Version != Version:
		return fmt.Errorf("%w: version %#x", ErrUnavailable, p.Version)
	case p.Parallelism == 0:
		return fmt.Errorf("%w: parallelism must be positive", ErrUnavailable)
	case p.Time == 0 || p.Time > maxStoredTime:
		return fmt.Errorf("%w: time cost %d out of range", ErrUnavailable, p.Time)
	case p.MemoryKiB < 8*uint32(p.Parallelism) || p.MemoryKiB > maxStoredMemoryKiB:
		return fmt.Errorf("%w: memory cost %d KiB out of range", ErrUnavailable, p.MemoryKiB)
	}
	return nil
}

// String formats p for log output.
func (p Params) String() string {
	return fmt.Sprintf("argon2id(t=%d, m=%dKiB, p=%d, v=%#x)", p.Time, p.MemoryKiB, p.Parallelism, p.Version)
}

// Derive returns a KeySize-byte key for password and salt.
func Derive(password, salt []byte, p Params) ([]byte, error) {
	if len(salt) < MinSaltSize {
		return nil, ErrInvalidSalt
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return argon2Hash(password, salt, p, KeySize)
}

// DeriveContext runs Derive on a worker goroutine and waits for it. The
// derivation itself cannot be interrupted; if ctx ends first the result is
// discarded and ctx.Err() is returned.
func DeriveContext(ctx context.Context, password, salt []byte, p Params) ([]byte, error) {
	type result struct {
		key []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		key, err := Derive(password, salt, p)
		done <- result{key, err}
	}()

	select {
	case r := <-done:
		return r.key, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.key != nil {
				zero(r.key)
			}
		}()
		return nil, ctx.Err()
	}
}

// argon2Hash is the raw primitive. Memory costs above the host budget fail
// with ErrResourceExhausted instead of risking an out-of-memory abort.
func argon2Hash(password, salt []byte, p Params, keyLen uint32) (key []byte, err error) {
	if budget := memoryBudgetKiB(); budget > 0 && uint64(p.MemoryKiB) > budget {
		return nil, fmt.Errorf("%w: %d KiB exceeds budget of %d KiB", ErrResourceExhausted, p.MemoryKiB, budget)
	}
	defer func() {
		if r := recover(); r != nil {
			key, err = nil, fmt.Errorf("%w: %v", ErrUnavailable, r)
		}
	}()
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Parallelism, keyLen), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
