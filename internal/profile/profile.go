// Package profile reads and writes the user-facing state kept in a vault:
// profile fields, settings, friends, groups and chat history.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ezoterikus/ezo-go/internal/vault"
)

const (
	namePath     = "profile/name"
	bioPath      = "profile/bio"
	avatarPath   = "profile/avatar.jpg"
	settingsPath = "profile/settings.json"
	inboxPath    = "profile/inbox.txt"
)

var (
	ErrNotFound  = errors.New("profile: not found")
	ErrInvalidID = errors.New("profile: invalid id")
)

// FS is the file namespace of an open vault. Get must return
// vault.ErrNotFound for a missing path.
type FS interface {
	Get(path string) ([]byte, error)
	Put(path string, data []byte) error
	Delete(path string) error
	List(prefix string) ([]string, error)
}

var _ FS = (*vault.Vault)(nil)

// Store is the profile state of one vault. Multi-file updates such as
// appending to a chat are serialized.
type Store struct {
	fs     FS
	now    func() time.Time
	logger *log.Logger

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets a logger for repairs made while loading.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns a Store over fs.
func New(fs FS, opts ...Option) *Store {
	s := &Store{fs: fs, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// get reads path, mapping a missing file to nil, nil.
func (s *Store) get(path string) ([]byte, error) {
	data, err := s.fs.Get(path)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	return data, nil
}

func (s *Store) put(path string, data []byte) error {
	if err := s.fs.Put(path, data); err != nil {
		return fmt.Errorf("profile: write %s: %w", path, err)
	}
	return nil
}

func (s *Store) putJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("profile: encode %s: %w", path, err)
	}
	return s.put(path, data)
}

// Settings are the client preferences.
type Settings struct {
	AutoPoll bool     `json:"autoPoll"`
	PollMs   int      `json:"pollMs"`
	Relays   []string `json:"relays"`
}

const (
	defaultPollMs = 5000
	minPollMs     = 1000
	maxPollMs     = 600000
)

// DefaultSettings returns the settings of a new profile.
func DefaultSettings() Settings {
	return Settings{PollMs: defaultPollMs, Relays: []string{}}
}

// Normalize clamps the poll interval and drops empty and repeated relays.
func (st Settings) Normalize() Settings {
	if st.PollMs == 0 {
		st.PollMs = defaultPollMs
	}
	st.PollMs = min(max(st.PollMs, minPollMs), maxPollMs)

	relays := make([]string, 0, len(st.Relays))
	seen := make(map[string]bool)
	for _, r := range st.Relays {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		relays = append(relays, r)
	}
	st.Relays = relays
	return st
}

// Profile is the user's own profile.
type Profile struct {
	Name     string
	Bio      string
	Avatar   []byte
	Settings Settings
	InboxID  string
}

func validInbox(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.Version() == 4 && u.String() == strings.ToLower(id)
}

// Load reads the profile. An inbox id that is missing or not a UUIDv4 is
// replaced with a fresh one and persisted. Unreadable settings fall back
// to the defaults.
func (s *Store) Load() (*Profile, error) {
	p := &Profile{Settings: DefaultSettings()}

	name, err := s.get(namePath)
	if err != nil {
		return nil, err
	}
	bio, err := s.get(bioPath)
	if err != nil {
		return nil, err
	}
	if p.Avatar, err = s.get(avatarPath); err != nil {
		return nil, err
	}
	p.Name, p.Bio = string(name), string(bio)

	raw, err := s.get(settingsPath)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		var st Settings
		if err := json.Unmarshal(raw, &st); err != nil {
			logf(s.logger, "profile: settings unreadable, using defaults: %v", err)
		} else {
			p.Settings = st.Normalize()
		}
	}

	inbox, err := s.get(inboxPath)
	if err != nil {
		return nil, err
	}
	p.InboxID = strings.TrimSpace(string(inbox))
	if !validInbox(p.InboxID) {
		p.InboxID = uuid.NewString()
		if err := s.put(inboxPath, []byte(p.InboxID)); err != nil {
			return nil, err
		}
		logf(s.logger, "profile: assigned new inbox id")
	}
	return p, nil
}

// Fields selects the profile fields to update. Nil fields are left as
// they are.
type Fields struct {
	Name     *string
	Bio      *string
	Avatar   []byte
	Settings *Settings
	InboxID  string
}

// SaveFields writes the selected fields.
func (s *Store) SaveFields(f Fields) error {
	if f.Name != nil {
		if err := s.put(namePath, []byte(*f.Name)); err != nil {
			return err
		}
	}
	if f.Bio != nil {
		if err := s.put(bioPath, []byte(*f.Bio)); err != nil {
			return err
		}
	}
	if f.Avatar != nil {
		if err := s.put(avatarPath, f.Avatar); err != nil {
			return err
		}
	}
	if f.InboxID != "" {
		if !validInbox(f.InboxID) {
			return fmt.Errorf("%w: inbox %q", ErrInvalidID, f.InboxID)
		}
		if err := s.put(inboxPath, []byte(f.InboxID)); err != nil {
			return err
		}
	}
	if f.Settings != nil {
		if err := s.putJSON(settingsPath, f.Settings.Normalize()); err != nil {
			return err
		}
	}
	return nil
}

// validID reports whether id can be used as a single path segment.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\") || strings.HasPrefix(id, "_") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
