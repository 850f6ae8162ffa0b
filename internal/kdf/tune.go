package kdf

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Tuning bounds.
const (
	minMemoryKiB = 64 * 1024
	maxMemoryKiB = 512 * 1024
	minTime      = 3
	maxTime      = 6

	refineIterations = 4
)

// Class is a coarse device capability bucket.
type Class int

const (
	Desktop Class = iota
	Constrained
)

func (c Class) String() string {
	if c == Constrained {
		return "constrained"
	}
	return "desktop"
}

// target returns the wall-clock derivation goal for c.
func (c Class) target() time.Duration {
	if c == Constrained {
		return 700 * time.Millisecond
	}
	return 450 * time.Millisecond
}

func (c Class) startMemoryKiB() uint32 {
	if c == Constrained {
		return 128 * 1024
	}
	return 256 * 1024
}

type hashFunc func(password, salt []byte, p Params, keyLen uint32) ([]byte, error)

// Tuner picks device-specific Argon2id parameters by timing trial
// derivations. The first successful result is cached for the life of the
// Tuner; share one Tuner per process.
type Tuner struct {
	class  Class
	hash   hashFunc
	now    func() time.Time
	logger *log.Logger

	group singleflight.Group

	mu     sync.Mutex
	params *Params
}

// TunerOption configures a Tuner.
type TunerOption func(*Tuner)

// WithClass overrides device-class detection.
func WithClass(c Class) TunerOption {
	return func(t *Tuner) { t.class = c }
}

// WithLogger sets a logger for tuning decisions.
func WithLogger(l *log.Logger) TunerOption {
	return func(t *Tuner) { t.logger = l }
}

// withHash replaces the primitive, for tests.
func withHash(h hashFunc, now func() time.Time) TunerOption {
	return func(t *Tuner) {
		t.hash = h
		if now != nil {
			t.now = now
		}
	}
}

// NewTuner returns a Tuner for the current device.
func NewTuner(opts ...TunerOption) *Tuner {
	t := &Tuner{
		class: DetectClass(),
		hash:  argon2Hash,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Class returns the device class the tuner targets.
func (t *Tuner) Class() Class { return t.class }

// Params returns the tuned parameters, calibrating on first use.
// Concurrent first callers share a single calibration.
func (t *Tuner) Params(ctx context.Context) (Params, error) {
	t.mu.Lock()
	if t.params != nil {
		p := *t.params
		t.mu.Unlock()
		return p, nil
	}
	t.mu.Unlock()

	ch := t.group.DoChan("tune", func() (any, error) {
		p := t.tune()
		t.mu.Lock()
		if t.params == nil {
			t.params = &p
		}
		p = *t.params
		t.mu.Unlock()
		return p, nil
	})
	select {
	case r := <-ch:
		return r.Val.(Params), nil
	case <-ctx.Done():
		return Params{}, ctx.Err()
	}
}

// Derive derives a key with the tuned parameters. If the host cannot
// satisfy them it degrades memory, then time, down to the floor. The
// parameters actually used are returned so the caller can record them.
func (t *Tuner) Derive(ctx context.Context, password, salt []byte) ([]byte, Params, error) {
	p, err := t.Params(ctx)
	if err != nil {
		return nil, Params{}, err
	}
	for {
		key, err := DeriveContext(ctx, password, salt, p)
		if err == nil {
			return key, p, nil
		}
		if !errors.Is(err, ErrResourceExhausted) {
			return nil, Params{}, err
		}
		next, ok := degrade(p)
		if !ok {
			return nil, Params{}, err
		}
		logf(t.logger, "kdf: %s exhausted resources, retrying with %s", p, next)
		p = next
	}
}

// degrade returns the next cheaper parameter set, or false at the floor.
func degrade(p Params) (Params, bool) {
	switch {
	case p.MemoryKiB > minMemoryKiB:
		p.MemoryKiB = max(minMemoryKiB, p.MemoryKiB/2)
	case p.Time > minTime:
		p.Time--
	default:
		return p, false
	}
	return p, true
}

func (t *Tuner) measure(p Params, salt []byte) (time.Duration, error) {
	start := t.now()
	key, err := t.hash([]byte("calibrate"), salt, p, 16)
	if err != nil {
		return 0, err
	}
	zero(key)
	return t.now().Sub(start), nil
}

func (t *Tuner) tune() Params {
	salt := make([]byte, MinSaltSize)
	if _, err := rand.Read(salt); err != nil {
		logf(t.logger, "kdf: calibration salt: %v, using floor", err)
		return Floor
	}

	target := t.class.target()
	p := Params{Time: 4, MemoryKiB: t.class.startMemoryKiB(), Parallelism: 1, Version: Version}

	var elapsed time.Duration
	for {
		d, err := t.measure(p, salt)
		if err == nil {
			elapsed = d
			break
		}
		next, ok := degrade(p)
		if !ok {
			logf(t.logger, "kdf: calibration failed at floor (%v), using %s", err, Floor)
			return Floor
		}
		p = next
	}

	good := p
	upper := target * 125 / 100
	lower := target * 70 / 100
refine:
	for i := 0; i < refineIterations; i++ {
		switch {
		case elapsed > upper && p.MemoryKiB > minMemoryKiB:
			p.MemoryKiB = max(minMemoryKiB, p.MemoryKiB/2)
		case elapsed > upper && p.Time > minTime:
			p.Time--
		case elapsed < lower && p.MemoryKiB < maxMemoryKiB:
			p.MemoryKiB = min(maxMemoryKiB, p.MemoryKiB*2)
		case elapsed < lower && p.Time < maxTime:
			p.Time++
		default:
			break refine
		}

		d, err := t.measure(p, salt)
		if err != nil {
			// Treat a failed measurement as too slow so the next step backs off.
			elapsed = 2 * target
			continue
		}
		elapsed = d
		good = p
	}

	logf(t.logger, "kdf: tuned %s for %s device (%v)", good, t.class, elapsed)
	return good
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
